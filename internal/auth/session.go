package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Session errors.
var (
	ErrNonceUnknown   = errors.New("auth: nonce unknown or expired")
	ErrSignatureBad   = errors.New("auth: signature does not verify")
	ErrSessionInvalid = errors.New("auth: session token invalid")
)

const (
	nonceTTL   = 5 * time.Minute
	sessionTTL = 24 * time.Hour
)

// SessionManager runs the wallet login flow: issue a one-shot nonce, the
// client returns it HMAC-signed with the shared MAC secret, and a
// session JWT comes back.
type SessionManager struct {
	kv        KV
	jwtSecret []byte
	macSecret []byte
	issuer    string
}

// NewSessionManager wires a session manager. jwtSecret signs session
// tokens (HS256); macSecret is the shared secret clients sign nonces
// with.
func NewSessionManager(kv KV, jwtSecret, macSecret []byte, issuer string) *SessionManager {
	return &SessionManager{kv: kv, jwtSecret: jwtSecret, macSecret: macSecret, issuer: issuer}
}

func nonceSlot(address string) string { return "auth:nonce:" + strings.ToLower(address) }

// IssueNonce creates a fresh login nonce for address, replacing any
// outstanding one.
func (m *SessionManager) IssueNonce(ctx context.Context, address string) (string, error) {
	nonce := uuid.NewString()
	if err := m.kv.Set(ctx, nonceSlot(address), []byte(nonce), nonceTTL); err != nil {
		return "", fmt.Errorf("auth: store nonce: %w", err)
	}
	return nonce, nil
}

// Verify checks the client's HMAC over the outstanding nonce and, on
// success, burns the nonce and returns a session JWT bound to address.
func (m *SessionManager) Verify(ctx context.Context, address, signature string) (string, error) {
	stored, err := m.kv.Get(ctx, nonceSlot(address))
	if err != nil {
		return "", ErrNonceUnknown
	}
	nonce := string(stored)

	if !verifyMAC(m.macSecret, []byte(nonce), signature) {
		return "", ErrSignatureBad
	}

	// One shot. A replayed signature finds nothing to verify against.
	if err := m.kv.Del(ctx, nonceSlot(address)); err != nil {
		return "", fmt.Errorf("auth: burn nonce: %w", err)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": strings.ToLower(address),
		"iss": m.issuer,
		"iat": now.Unix(),
		"exp": now.Add(sessionTTL).Unix(),
		"jti": uuid.NewString(),
	})
	signed, err := token.SignedString(m.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign session: %w", err)
	}
	return signed, nil
}

// Validate parses a session token and returns the bound address.
func (m *SessionManager) Validate(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.jwtSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", ErrSessionInvalid
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrSessionInvalid
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", ErrSessionInvalid
	}
	return sub, nil
}
