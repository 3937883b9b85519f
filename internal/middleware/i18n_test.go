package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	creditsEN = "Not enough credits for this job."
	creditsID = "Kredit tidak cukup untuk pekerjaan ini."
)

// servePaymentRequired runs a request through I18N into the handler that
// rejects a job for lack of credits, and returns the envelope and the
// country seen by the handler.
func servePaymentRequired(t *testing.T, defaultLocale string, lookup CountryLookup, req *http.Request) (errorBody, string) {
	t.Helper()
	var country string
	h := I18N(defaultLocale, lookup)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		country = CountryFromContext(r.Context())
		WriteError(w, r, http.StatusPaymentRequired, CodeInsufficientCredits)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body struct {
		Error errorBody `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	if body.Error.Code != CodeInsufficientCredits {
		t.Fatalf("code = %q", body.Error.Code)
	}
	return body.Error, country
}

func TestI18NLocalizesEnvelope(t *testing.T) {
	cases := []struct {
		name          string
		header        map[string]string
		defaultLocale string
		lookup        CountryLookup
		want          string
	}{
		{name: "app locale header wins", header: map[string]string{"X-Locale": "id", "Accept-Language": "en-US"}, want: creditsID},
		{name: "browser prefers indonesian", header: map[string]string{"Accept-Language": "id-ID,en;q=0.5"}, want: creditsID},
		{name: "weights beat order", header: map[string]string{"Accept-Language": "en;q=0.3, id;q=0.8"}, want: creditsID},
		{name: "unsupported language", header: map[string]string{"Accept-Language": "ja-JP"}, defaultLocale: "id", want: creditsEN},
		{name: "cdn country indonesia", header: map[string]string{"CF-IPCountry": "id"}, want: creditsID},
		{name: "geoip country elsewhere", lookup: func(string) (string, error) { return "sg", nil }, defaultLocale: "id", want: creditsEN},
		{name: "geoip indonesia", lookup: func(string) (string, error) { return "ID", nil }, want: creditsID},
		{name: "configured default", defaultLocale: "id", want: creditsID},
		{name: "nothing known", want: creditsEN},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/jobs/image-generation", nil)
			req.RemoteAddr = "198.51.100.7:41000"
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			got, _ := servePaymentRequired(t, tc.defaultLocale, tc.lookup, req)
			if got.Message != tc.want {
				t.Fatalf("message = %q, want %q", got.Message, tc.want)
			}
		})
	}
}

func TestI18NCountry(t *testing.T) {
	cases := []struct {
		name   string
		header map[string]string
		lookup CountryLookup
		want   string
	}{
		{name: "proxy header first", header: map[string]string{"X-Country-Code": "my", "CF-IPCountry": "ID"}, want: "MY"},
		{name: "locale region", header: map[string]string{"X-Locale": "en-SG"}, want: "SG"},
		{name: "bare indonesian locale", header: map[string]string{"Accept-Language": "id"}, want: "ID"},
		{
			name:   "geoip uses first forwarded hop",
			header: map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.2"},
			lookup: func(ip string) (string, error) {
				if ip != "203.0.113.9" {
					return "", errors.New("unexpected address " + ip)
				}
				return "id", nil
			},
			want: "ID",
		},
		{name: "geoip unavailable", lookup: func(string) (string, error) { return "", errors.New("no database") }, want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/credits", nil)
			req.RemoteAddr = "198.51.100.7:41000"
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			if _, country := servePaymentRequired(t, "", tc.lookup, req); country != tc.want {
				t.Fatalf("country = %q, want %q", country, tc.want)
			}
		})
	}
}

func TestLocaleFromContextDefaultsToEnglish(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := LocaleFromContext(req.Context()); got != "en" {
		t.Fatalf("locale = %q, want en", got)
	}
	if got := Localize(req.Context(), CodeNotReady); got != "The job has no results yet." {
		t.Fatalf("message = %q", got)
	}
}
