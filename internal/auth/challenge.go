package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/omnigate/backend/internal/money"
)

// Challenge errors.
var (
	ErrChallengeExpired  = errors.New("auth: challenge expired")
	ErrChallengeTampered = errors.New("auth: challenge MAC does not verify")
	ErrProofSkew         = errors.New("auth: proof timestamp outside allowed skew")
)

const (
	challengeTTL = 5 * time.Minute
	proofSkew    = 30 * time.Second
)

// Challenge is the 402 payment challenge returned on unauthenticated
// chat. The client pays Recipient on ChainID and re-presents the whole
// object; HMAC keeps the terms from being altered in flight.
type Challenge struct {
	Nonce       string      `json:"nonce"`
	AmountMicro money.Micro `json:"amount_micro"`
	Recipient   string      `json:"recipient"`
	ChainID     int64       `json:"chain_id"`
	ExpiresAt   int64       `json:"expires_at"`
	HMAC        string      `json:"hmac"`
}

// Challenger issues and verifies payment challenges.
type Challenger struct {
	secret    []byte
	recipient string
	chainID   int64
}

// NewChallenger wires a challenger. secret never leaves the server.
func NewChallenger(secret []byte, recipient string, chainID int64) *Challenger {
	return &Challenger{secret: secret, recipient: recipient, chainID: chainID}
}

// Issue builds a challenge for amount.
func (c *Challenger) Issue(amount money.Micro) (Challenge, error) {
	ch := Challenge{
		Nonce:       uuid.NewString(),
		AmountMicro: amount,
		Recipient:   c.recipient,
		ChainID:     c.chainID,
		ExpiresAt:   time.Now().Add(challengeTTL).Unix(),
	}
	mac, err := c.mac(ch)
	if err != nil {
		return Challenge{}, err
	}
	ch.HMAC = mac
	return ch, nil
}

// Verify checks a re-presented challenge: expiry first, then the MAC in
// constant time.
func (c *Challenger) Verify(ch Challenge) error {
	if time.Now().Unix() > ch.ExpiresAt {
		return ErrChallengeExpired
	}
	want, err := c.mac(ch)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(ch.HMAC)) {
		return ErrChallengeTampered
	}
	return nil
}

// mac signs the challenge terms, HMAC field excluded, over canonical
// sorted-key JSON.
func (c *Challenger) mac(ch Challenge) (string, error) {
	payload := map[string]interface{}{
		"nonce":        ch.Nonce,
		"amount_micro": ch.AmountMicro.WireString(),
		"recipient":    ch.Recipient,
		"chain_id":     ch.ChainID,
		"expires_at":   ch.ExpiresAt,
	}
	canonical, err := money.CanonicalMarshal(payload)
	if err != nil {
		return "", err
	}
	return SignMAC(c.secret, canonical), nil
}

// CallProof is the per-call payment proof a paying client attaches. The
// MAC covers the canonical sorted-key JSON of the other four fields.
type CallProof struct {
	BodyHash string `json:"body_hash"`
	IssuedAt int64  `json:"issued_at"`
	Nonce    string `json:"nonce"`
	TraceID  string `json:"trace_id"`
	MAC      string `json:"hmac"`
}

// VerifyCallProof checks a proof against secret: timestamp within ±30 s,
// then constant-time MAC comparison.
func VerifyCallProof(secret []byte, p CallProof) error {
	skew := time.Since(time.Unix(p.IssuedAt, 0))
	if skew > proofSkew || skew < -proofSkew {
		return ErrProofSkew
	}
	payload := map[string]interface{}{
		"body_hash": p.BodyHash,
		"issued_at": p.IssuedAt,
		"nonce":     p.Nonce,
		"trace_id":  p.TraceID,
	}
	canonical, err := money.CanonicalMarshal(payload)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(SignMAC(secret, canonical)), []byte(p.MAC)) {
		return ErrChallengeTampered
	}
	return nil
}

// BodyHash returns the hex SHA-256 of a request body, the value a client
// puts in CallProof.BodyHash.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// SignMAC computes the hex HMAC-SHA256 clients use to sign nonces and
// call proofs.
func SignMAC(secret, payload []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func verifyMAC(secret, payload []byte, signature string) bool {
	return hmac.Equal([]byte(SignMAC(secret, payload)), []byte(signature))
}
