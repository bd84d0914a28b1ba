package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"

	"github.com/ehr/activity/internal/platform/fhirclient"
)

// OAuth constants for the JWT-bearer client_credentials grant.
const (
	GrantTypeClientCredentials = "client_credentials"
	ClientAssertionTypeJWT     = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// AuthError reports a failed token exchange.
type AuthError struct {
	StatusCode int
	Reason     string
	Err        error
}

func (e *AuthError) Error() string {
	msg := "access token request failed"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" with status %d", e.StatusCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// TokenResponse is the token endpoint's JSON reply.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

// TokenClient exchanges signed assertions for bearer tokens.
type TokenClient struct {
	tokenURL string
	http     fhirclient.Doer
}

// NewTokenClient creates a TokenClient posting to tokenURL.
func NewTokenClient(tokenURL string, doer fhirclient.Doer) *TokenClient {
	return &TokenClient{tokenURL: tokenURL, http: doer}
}

// Exchange posts the assertion and returns the access token. Any non-2xx
// status, unreadable body, or missing access_token is an *AuthError.
func (c *TokenClient) Exchange(ctx context.Context, assertion string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", GrantTypeClientCredentials)
	form.Set("client_assertion_type", ClientAssertionTypeJWT)
	form.Set("client_assertion", assertion)

	resp, err := fhirclient.PostForm(ctx, c.http, c.tokenURL, form, http.Header{"Accept": {"application/json"}})
	if err != nil {
		return "", &AuthError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &AuthError{StatusCode: resp.StatusCode, Reason: oauthReason(resp.Body)}
	}

	var tok TokenResponse
	if err := json.Unmarshal(resp.Body, &tok); err != nil {
		return "", &AuthError{StatusCode: resp.StatusCode, Reason: "invalid token response", Err: err}
	}
	if tok.AccessToken == "" {
		return "", &AuthError{StatusCode: resp.StatusCode, Reason: "response has no access_token"}
	}
	return tok.AccessToken, nil
}

// oauthReason extracts error/error_description from an RFC 6749 error body.
func oauthReason(body []byte) string {
	var e OAuthError
	if err := json.Unmarshal(body, &e); err != nil || e.Code == "" {
		return ""
	}
	if e.Description != "" {
		return e.Code + ": " + e.Description
	}
	return e.Code
}
