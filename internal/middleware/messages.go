package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Error codes carried in the error envelope. Each has an English and an
// Indonesian message.
const (
	CodeBadRequest          = "bad_request"
	CodeUnauthorized        = "unauthorized"
	CodeNotFound            = "not_found"
	CodeInvalidPayload      = "invalid_payload"
	CodeUnknownPrice        = "unknown_price"
	CodeInsufficientCredits = "insufficient_credits"
	CodeRateLimited         = "rate_limited"
	CodeNotReady            = "not_ready"
	CodeInternal            = "internal"
)

var catalog = map[string][2]string{
	CodeBadRequest:          {"The request could not be understood.", "Permintaan tidak dapat dipahami."},
	CodeUnauthorized:        {"Sign in to continue.", "Silakan masuk untuk melanjutkan."},
	CodeNotFound:            {"Not found.", "Tidak ditemukan."},
	CodeInvalidPayload:      {"Some fields are missing or invalid.", "Beberapa isian kosong atau tidak valid."},
	CodeUnknownPrice:        {"This model and resolution cannot be priced.", "Model dan resolusi ini tidak memiliki harga."},
	CodeInsufficientCredits: {"Not enough credits for this job.", "Kredit tidak cukup untuk pekerjaan ini."},
	CodeRateLimited:         {"Too many requests, try again shortly.", "Terlalu banyak permintaan, coba lagi sebentar."},
	CodeNotReady:            {"The job has no results yet.", "Pekerjaan belum memiliki hasil."},
	CodeInternal:            {"Something went wrong on our side.", "Terjadi kesalahan pada sistem kami."},
}

var supported = language.NewMatcher([]language.Tag{language.English, language.Indonesian})

func init() {
	for code, msgs := range catalog {
		_ = message.SetString(language.English, code, msgs[0])
		_ = message.SetString(language.Indonesian, code, msgs[1])
	}
}

// Localize returns the message for code in the request locale. Unknown codes
// come back unchanged.
func Localize(ctx context.Context, code string) string {
	tag, _ := language.MatchStrings(supported, LocaleFromContext(ctx))
	base, _ := tag.Base()
	return message.NewPrinter(language.Make(base.String())).Sprintf(code)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes the {"error":{"code","message"}} envelope with a
// localized message.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]errorBody{
		"error": {Code: code, Message: Localize(r.Context(), code)},
	})
}
