package qrtoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Payload is the decoded content of a QR check-in token.
type Payload struct {
	SessionID string
	Nonce     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type qrClaims struct {
	SessionID string `json:"sid"`
	Nonce     string `json:"nonce"`
	jwt.RegisteredClaims
}

// Signer mints and verifies signed QR tokens with HS256.
// The clock is injectable so expiry can be tested deterministically.
type Signer struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// New creates a Signer with a server-held key.
func New(key []byte, issuer string) *Signer {
	return &Signer{key: key, issuer: issuer, now: time.Now}
}

// WithClock overrides the time source. Intended for tests.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Mint produces a signed token binding a session and its current nonce,
// expiring after ttl.
func (s *Signer) Mint(sessionID, nonce string, ttl time.Duration) (string, error) {
	if sessionID == "" || nonce == "" {
		return "", errors.New("session id and nonce required")
	}
	now := s.now()
	claims := qrClaims{
		SessionID: sessionID,
		Nonce:     nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Verify checks signature and expiry. A false return covers every failure
// mode (tampering, malformed input, expiry, wrong issuer); callers treat it
// as an expected outcome, not an error.
func (s *Signer) Verify(token string) (Payload, bool) {
	parsed, err := jwt.ParseWithClaims(token, &qrClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.key, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Payload{}, false
	}
	claims, ok := parsed.Claims.(*qrClaims)
	if !ok || !parsed.Valid {
		return Payload{}, false
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return Payload{}, false
	}
	if claims.SessionID == "" || claims.Nonce == "" {
		return Payload{}, false
	}
	p := Payload{SessionID: claims.SessionID, Nonce: claims.Nonce}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, true
}
