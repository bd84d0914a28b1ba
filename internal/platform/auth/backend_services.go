package auth

import (
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// OAuthError is an RFC 6749 error response body.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// BackendServiceManager is the server side of the SMART Backend Services
// handshake: it verifies client assertions and issues short-lived bearer
// tokens. The sandbox FHIR server uses it to stand in for a real
// authorization server.
type BackendServiceManager struct {
	signingKey    []byte
	tokenURL      string
	tokenLifetime time.Duration

	mu      sync.RWMutex
	clients map[string]*rsa.PublicKey

	// JTI replay protection
	jtiMu    sync.Mutex
	jtiCache map[string]time.Time
}

// NewBackendServiceManager creates a manager. signingKey is the HMAC key for
// issued access tokens; tokenURL is the expected assertion audience.
func NewBackendServiceManager(signingKey []byte, tokenURL string) *BackendServiceManager {
	return &BackendServiceManager{
		signingKey:    signingKey,
		tokenURL:      tokenURL,
		tokenLifetime: 5 * time.Minute,
		clients:       make(map[string]*rsa.PublicKey),
		jtiCache:      make(map[string]time.Time),
	}
}

// RegisterClient associates clientID with the public key its assertions are
// signed with.
func (m *BackendServiceManager) RegisterClient(clientID string, key *rsa.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[clientID] = key
}

// SetTokenURL changes the expected assertion audience.
func (m *BackendServiceManager) SetTokenURL(tokenURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenURL = tokenURL
}

// AuthenticateClient verifies a JWT client assertion per SMART Backend
// Services (RFC 7523). The assertion must be RS256 or RS384 signed by the
// registered key, have iss == sub == client_id, aud == token URL, a unique
// jti, and an exp no more than five minutes out.
func (m *BackendServiceManager) AuthenticateClient(assertion string) (string, error) {
	if assertion == "" {
		return "", fmt.Errorf("client assertion is required")
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	unverified, _, err := parser.ParseUnverified(assertion, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("parsing client assertion: %w", err)
	}
	claims, ok := unverified.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid assertion claims")
	}

	issuer, _ := claims["iss"].(string)
	if issuer == "" {
		return "", fmt.Errorf("assertion missing iss claim")
	}
	if subject, _ := claims["sub"].(string); subject != issuer {
		return "", fmt.Errorf("assertion sub (%q) must equal iss (%q)", subject, issuer)
	}
	if !m.verifyAudience(claims["aud"]) {
		return "", fmt.Errorf("assertion aud does not match token endpoint")
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return "", fmt.Errorf("assertion missing jti claim")
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return "", fmt.Errorf("assertion missing exp claim")
	}
	if time.Now().After(exp.Time) {
		return "", fmt.Errorf("assertion has expired")
	}
	if exp.Time.After(time.Now().Add(AssertionLifetime + 30*time.Second)) {
		return "", fmt.Errorf("assertion exp is too far in the future (max 5 minutes)")
	}

	m.mu.RLock()
	publicKey, ok := m.clients[issuer]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown client %q", issuer)
	}

	verified, err := jwt.Parse(assertion, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return publicKey, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("verifying assertion signature: %w", err)
	}
	if !verified.Valid {
		return "", fmt.Errorf("assertion signature is invalid")
	}

	if err := m.checkAndRecordJTI(jti, exp.Time); err != nil {
		return "", err
	}
	return issuer, nil
}

// HandleTokenRequest validates the grant parameters, authenticates the
// client and issues a token.
func (m *BackendServiceManager) HandleTokenRequest(grantType, clientAssertionType, clientAssertion string) (*TokenResponse, error) {
	if grantType != GrantTypeClientCredentials {
		return nil, &OAuthError{Code: "unsupported_grant_type", Description: "grant_type must be 'client_credentials'"}
	}
	if clientAssertionType != ClientAssertionTypeJWT {
		return nil, &OAuthError{Code: "invalid_request", Description: "client_assertion_type must be '" + ClientAssertionTypeJWT + "'"}
	}
	clientID, err := m.AuthenticateClient(clientAssertion)
	if err != nil {
		return nil, &OAuthError{Code: "invalid_client", Description: err.Error()}
	}

	now := time.Now()
	token, err := m.signAccessToken(map[string]interface{}{
		"sub": clientID,
		"iat": now.Unix(),
		"exp": now.Add(m.tokenLifetime).Unix(),
		"jti": uuid.New().String(),
	})
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}
	return &TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(m.tokenLifetime.Seconds()),
		Scope:       "system/*.read",
	}, nil
}

// ValidateAccessToken checks the HMAC signature and expiry of a token issued
// by HandleTokenRequest.
func (m *BackendServiceManager) ValidateAccessToken(token string) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("malformed access token")
	}
	mac := hmac.New(sha256.New, m.signingKey)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(parts[2])) {
		return fmt.Errorf("invalid access token signature")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("decoding access token payload: %w", err)
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return fmt.Errorf("decoding access token claims: %w", err)
	}
	if time.Now().Unix() > claims.Exp {
		return fmt.Errorf("access token has expired")
	}
	return nil
}

// checkAndRecordJTI verifies a JTI has not been used before and records it.
func (m *BackendServiceManager) checkAndRecordJTI(jti string, exp time.Time) error {
	m.jtiMu.Lock()
	defer m.jtiMu.Unlock()

	now := time.Now()
	for k, e := range m.jtiCache {
		if now.After(e) {
			delete(m.jtiCache, k)
		}
	}
	if _, exists := m.jtiCache[jti]; exists {
		return fmt.Errorf("jti %q has already been used (replay detected)", jti)
	}
	m.jtiCache[jti] = exp
	return nil
}

// signAccessToken creates an HMAC-SHA256 signed JWT for the issued access token.
func (m *BackendServiceManager) signAccessToken(claims map[string]interface{}) (string, error) {
	headerJSON, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", fmt.Errorf("marshaling JWT header: %w", err)
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshaling JWT payload: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." +
		base64.RawURLEncoding.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, m.signingKey)
	mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// verifyAudience checks the aud claim matches the token endpoint URL.
// aud can be a string or an array of strings (RFC 7519 section 4.1.3).
func (m *BackendServiceManager) verifyAudience(audClaim interface{}) bool {
	m.mu.RLock()
	tokenURL := m.tokenURL
	m.mu.RUnlock()

	switch v := audClaim.(type) {
	case string:
		return v == tokenURL
	case []interface{}:
		for _, a := range v {
			if s, ok := a.(string); ok && s == tokenURL {
				return true
			}
		}
	}
	return false
}
