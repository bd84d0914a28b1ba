package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AssertionLifetime is the validity window of a client assertion. SMART
// Backend Services caps it at five minutes.
const AssertionLifetime = 5 * time.Minute

// KeyLoadError reports that the signing key could not be read or parsed.
// It is fatal to a run: a missing key cannot heal itself.
type KeyLoadError struct {
	Path string
	Err  error
}

func (e *KeyLoadError) Error() string {
	return fmt.Sprintf("load private key %q: %v", e.Path, e.Err)
}

func (e *KeyLoadError) Unwrap() error { return e.Err }

// LoadPrivateKey reads a PEM encoded PKCS8 RSA private key from path.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &KeyLoadError{Path: path, Err: err}
	}
	key, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, &KeyLoadError{Path: path, Err: err}
	}
	return key, nil
}

// ParsePrivateKeyPEM decodes a "PRIVATE KEY" PEM block holding a PKCS8 RSA
// key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("unexpected PEM block type %q, want PRIVATE KEY (PKCS8)", block.Type)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS8: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("expected RSA private key, got %T", parsed)
	}
	return key, nil
}

// EncodePrivateKeyPEM renders key as a PKCS8 "PRIVATE KEY" PEM block.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal PKCS8: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// AssertionSigner builds RS256 client assertions for the client_credentials
// grant (RFC 7523). iss and sub are the client id, aud is the token URL.
type AssertionSigner struct {
	clientID string
	tokenURL string
	keyPath  string
	now      func() time.Time
}

// NewAssertionSigner creates a signer that reads its key from keyPath on every
// call to Sign.
func NewAssertionSigner(clientID, tokenURL, keyPath string) *AssertionSigner {
	return &AssertionSigner{
		clientID: clientID,
		tokenURL: tokenURL,
		keyPath:  keyPath,
		now:      time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (s *AssertionSigner) WithClock(now func() time.Time) *AssertionSigner {
	s.now = now
	return s
}

// Claims returns a fresh claim set with a new jti.
func (s *AssertionSigner) Claims() jwt.MapClaims {
	iat := s.now().Unix()
	return jwt.MapClaims{
		"iss": s.clientID,
		"sub": s.clientID,
		"aud": s.tokenURL,
		"jti": uuid.New().String(),
		"iat": iat,
		"nbf": iat,
		"exp": iat + int64(AssertionLifetime/time.Second),
	}
}

// Sign loads the key and returns a compact signed assertion.
func (s *AssertionSigner) Sign() (string, error) {
	key, err := LoadPrivateKey(s.keyPath)
	if err != nil {
		return "", err
	}
	return s.SignWithKey(key)
}

// SignWithKey signs a fresh claim set with an already loaded key.
func (s *AssertionSigner) SignWithKey(key *rsa.PrivateKey) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, s.Claims())
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing client assertion: %w", err)
	}
	return signed, nil
}
