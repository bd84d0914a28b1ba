package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newManagerWithClient(t *testing.T) (*BackendServiceManager, *AssertionSigner, string) {
	t.Helper()
	key := generateKey(t)
	path := writeKeyFile(t, key)
	mgr := NewBackendServiceManager([]byte("test-signing-key"), testTokenURL)
	mgr.RegisterClient("client-123", &key.PublicKey)
	return mgr, NewAssertionSigner("client-123", testTokenURL, path), path
}

func TestBackendServiceManager_AuthenticateSignedAssertion(t *testing.T) {
	mgr, signer, _ := newManagerWithClient(t)

	assertion, err := signer.Sign()
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	clientID, err := mgr.AuthenticateClient(assertion)
	if err != nil {
		t.Fatalf("AuthenticateClient failed: %v", err)
	}
	if clientID != "client-123" {
		t.Errorf("expected client-123, got %s", clientID)
	}
}

func TestBackendServiceManager_ReplayDetected(t *testing.T) {
	mgr, signer, _ := newManagerWithClient(t)
	assertion, _ := signer.Sign()

	if _, err := mgr.AuthenticateClient(assertion); err != nil {
		t.Fatalf("first use failed: %v", err)
	}
	_, err := mgr.AuthenticateClient(assertion)
	if err == nil || !strings.Contains(err.Error(), "replay") {
		t.Errorf("expected replay error, got %v", err)
	}
}

func TestBackendServiceManager_RejectsWrongAudience(t *testing.T) {
	mgr, _, path := newManagerWithClient(t)
	signer := NewAssertionSigner("client-123", "https://elsewhere/token", path)
	assertion, _ := signer.Sign()

	if _, err := mgr.AuthenticateClient(assertion); err == nil {
		t.Error("expected audience mismatch error")
	}
}

func TestBackendServiceManager_RejectsUnknownClient(t *testing.T) {
	mgr, _, path := newManagerWithClient(t)
	assertion, _ := NewAssertionSigner("other", testTokenURL, path).Sign()

	if _, err := mgr.AuthenticateClient(assertion); err == nil {
		t.Error("expected unknown client error")
	}
}

func TestBackendServiceManager_RejectsExpired(t *testing.T) {
	mgr, signer, _ := newManagerWithClient(t)
	signer.WithClock(func() time.Time { return time.Now().Add(-10 * time.Minute) })
	assertion, _ := signer.Sign()

	if _, err := mgr.AuthenticateClient(assertion); err == nil {
		t.Error("expected expired assertion error")
	}
}

func TestBackendServiceManager_HandleTokenRequest(t *testing.T) {
	mgr, signer, _ := newManagerWithClient(t)
	assertion, _ := signer.Sign()

	tok, err := mgr.HandleTokenRequest(GrantTypeClientCredentials, ClientAssertionTypeJWT, assertion)
	if err != nil {
		t.Fatalf("HandleTokenRequest failed: %v", err)
	}
	if tok.AccessToken == "" || tok.TokenType != "bearer" {
		t.Errorf("unexpected token response %+v", tok)
	}
	if err := mgr.ValidateAccessToken(tok.AccessToken); err != nil {
		t.Errorf("issued token did not validate: %v", err)
	}
	if err := mgr.ValidateAccessToken(tok.AccessToken + "x"); err == nil {
		t.Error("expected tampered token to fail validation")
	}
}

func TestBackendServiceManager_HandleTokenRequestBadGrant(t *testing.T) {
	mgr, _, _ := newManagerWithClient(t)

	_, err := mgr.HandleTokenRequest("password", ClientAssertionTypeJWT, "x")
	var oe *OAuthError
	if !errors.As(err, &oe) || oe.Code != "unsupported_grant_type" {
		t.Errorf("expected unsupported_grant_type, got %v", err)
	}

	_, err = mgr.HandleTokenRequest(GrantTypeClientCredentials, "basic", "x")
	if !errors.As(err, &oe) || oe.Code != "invalid_request" {
		t.Errorf("expected invalid_request, got %v", err)
	}
}
