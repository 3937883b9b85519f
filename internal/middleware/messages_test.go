package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLocalize(t *testing.T) {
	en := context.WithValue(context.Background(), LocaleKey, "en")
	id := context.WithValue(context.Background(), LocaleKey, "id")

	if got := Localize(en, CodeInsufficientCredits); got != "Not enough credits for this job." {
		t.Fatalf("en = %q", got)
	}
	if got := Localize(id, CodeInsufficientCredits); got != "Kredit tidak cukup untuk pekerjaan ini." {
		t.Fatalf("id = %q", got)
	}
	if got := Localize(en, "no_such_code"); got != "no_such_code" {
		t.Fatalf("unknown code = %q", got)
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), LocaleKey, "id"))
	rec := httptest.NewRecorder()

	WriteError(rec, req, http.StatusNotFound, CodeNotFound)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Error errorBody `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != CodeNotFound || body.Error.Message != "Tidak ditemukan." {
		t.Fatalf("body = %+v", body)
	}
}
