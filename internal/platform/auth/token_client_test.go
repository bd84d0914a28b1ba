package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/activity/internal/platform/fhirclient"
)

func newTokenServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != GrantTypeClientCredentials {
			t.Errorf("grant_type = %s", got)
		}
		if got := r.PostForm.Get("client_assertion_type"); got != ClientAssertionTypeJWT {
			t.Errorf("client_assertion_type = %s", got)
		}
		if got := r.PostForm.Get("client_assertion"); got != "signed.jwt.value" {
			t.Errorf("client_assertion = %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
}

func newTokenClient(url string) *TokenClient {
	return NewTokenClient(url, fhirclient.New(5*time.Second, zerolog.Nop()))
}

func TestTokenClient_Exchange(t *testing.T) {
	srv := newTokenServer(t, http.StatusOK, `{"access_token":"bearer-abc","token_type":"bearer","expires_in":3600}`)
	defer srv.Close()

	tok, err := newTokenClient(srv.URL).Exchange(context.Background(), "signed.jwt.value")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "bearer-abc" {
		t.Errorf("expected bearer-abc, got %s", tok)
	}
}

// recordingDoer captures the single request a TokenClient makes.
type recordingDoer struct {
	method string
	url    string
	header http.Header
	body   string
}

func (d *recordingDoer) Do(_ context.Context, method, rawURL string, body io.Reader, header http.Header) (*fhirclient.Response, error) {
	d.method, d.url, d.header = method, rawURL, header
	if body != nil {
		b, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		d.body = string(b)
	}
	return &fhirclient.Response{StatusCode: http.StatusOK, Body: []byte(`{"access_token":"tok-1"}`)}, nil
}

func TestTokenClient_ExchangeSendsFormThroughDoer(t *testing.T) {
	d := &recordingDoer{}
	tok, err := NewTokenClient("https://auth.example.org/token", d).Exchange(context.Background(), "signed.jwt.value")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "tok-1" {
		t.Errorf("expected tok-1, got %s", tok)
	}
	if d.method != http.MethodPost || d.url != "https://auth.example.org/token" {
		t.Errorf("unexpected request %s %s", d.method, d.url)
	}
	if got := d.header.Get("Content-Type"); got != fhirclient.MediaTypeForm {
		t.Errorf("Content-Type = %s", got)
	}
	if got := d.header.Get("Accept"); got != "application/json" {
		t.Errorf("Accept = %s", got)
	}
	form, err := url.ParseQuery(d.body)
	if err != nil {
		t.Fatalf("parse body: %v", err)
	}
	want := map[string]string{
		"grant_type":            GrantTypeClientCredentials,
		"client_assertion_type": ClientAssertionTypeJWT,
		"client_assertion":      "signed.jwt.value",
	}
	for k, v := range want {
		if form.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, form.Get(k), v)
		}
	}
}

func TestTokenClient_Failures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"invalid_client","error_description":"bad assertion"}`, http.StatusUnauthorized},
		{"server error", http.StatusInternalServerError, `oops`, http.StatusInternalServerError},
		{"missing field", http.StatusOK, `{"token_type":"bearer"}`, http.StatusOK},
		{"empty token", http.StatusOK, `{"access_token":""}`, http.StatusOK},
		{"invalid json", http.StatusOK, `not json`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTokenServer(t, tt.status, tt.body)
			defer srv.Close()

			tok, err := newTokenClient(srv.URL).Exchange(context.Background(), "signed.jwt.value")
			var ae *AuthError
			if !errors.As(err, &ae) {
				t.Fatalf("expected AuthError, got %v", err)
			}
			if ae.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", ae.StatusCode, tt.wantStatus)
			}
			if tok != "" {
				t.Errorf("expected empty token, got %s", tok)
			}
		})
	}
}

func TestTokenClient_OAuthReason(t *testing.T) {
	srv := newTokenServer(t, http.StatusBadRequest, `{"error":"invalid_client","error_description":"bad assertion"}`)
	defer srv.Close()

	_, err := newTokenClient(srv.URL).Exchange(context.Background(), "signed.jwt.value")
	if err == nil || err.Error() != "access token request failed with status 400: invalid_client: bad assertion" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestTokenClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTokenClient(url).Exchange(context.Background(), "signed.jwt.value")
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if ae.StatusCode != 0 {
		t.Errorf("expected no status for transport error, got %d", ae.StatusCode)
	}
}
