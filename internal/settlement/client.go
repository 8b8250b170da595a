// Package settlement talks to the external billing service. Requests are
// canonical JSON signed with a short-lived ES256 token; settlement is
// at-least-once, so the remote dedupes on reservation_id.
package settlement

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/omnigate/backend/internal/errcode"
	"github.com/omnigate/backend/internal/money"
)

// ContractVersion is the settlement protocol version this gateway speaks.
const ContractVersion = "2"

// TokenTTL bounds settlement token lifetime. The remote rejects anything
// longer; keep well under its 5-minute ceiling.
const TokenTTL = 4 * time.Minute

// ClockSkew is the tolerance applied to iat on the remote side; we
// backdate iat by the same amount so marginally fast clocks still verify.
const ClockSkew = 30 * time.Second

// TokenSigner mints ES256 settlement tokens.
type TokenSigner struct {
	key *ecdsa.PrivateKey
	iss string
	aud string
}

// NewTokenSigner builds a signer with the gateway's identity claims.
func NewTokenSigner(key *ecdsa.PrivateKey, issuer, audience string) *TokenSigner {
	return &TokenSigner{key: key, iss: issuer, aud: audience}
}

// Sign issues a token for one settlement call.
func (s *TokenSigner) Sign(subject string) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"sub": subject,
		"iss": s.iss,
		"aud": s.aud,
		"iat": now.Add(-ClockSkew).Unix(),
		"exp": now.Add(TokenTTL).Unix(),
	})
	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign settlement token: %w", err)
	}
	return signed, nil
}

// StatusError carries the remote HTTP status for DLQ bookkeeping.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("settlement service returned %d: %s", e.Status, e.Body)
}

// StatusCode satisfies the billing worker's status probe.
func (e *StatusError) StatusCode() int { return e.Status }

// Request is the settlement wire payload. Amounts are decimal strings.
type Request struct {
	ReservationID   string      `json:"reservation_id"`
	ActualCostMicro money.Micro `json:"actual_cost_micro"`
	AccountID       string      `json:"account_id,omitempty"`
	IdentityAnchor  string      `json:"identity_anchor,omitempty"`
}

// Client posts settlements and performs the boot-time version handshake.
type Client struct {
	baseURL string
	http    *http.Client
	signer  *TokenSigner
	env     string // "production" | "development"
	logger  *slog.Logger
}

// NewClient builds a settlement client. env selects handshake strictness.
func NewClient(baseURL string, signer *TokenSigner, env string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		signer:  signer,
		env:     env,
		logger:  slog.Default().With("component", "settlement"),
	}
}

// Settle reports actual cost for a reservation. Implements billing.Settler.
func (c *Client) Settle(ctx context.Context, reservationID string, actual money.Micro, accountID string) error {
	body, err := money.CanonicalMarshal(Request{
		ReservationID:   reservationID,
		ActualCostMicro: actual,
		AccountID:       accountID,
	})
	if err != nil {
		return err
	}

	token, err := c.signer.Sign(reservationID)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/settlements", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build settlement request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("settlement post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Status: resp.StatusCode, Body: string(raw)}
}

type versionResponse struct {
	ContractVersion string `json:"contract_version"`
}

// Handshake fetches the remote contract version. Incompatibility is fatal
// in production and a warning in development; unreachability is always
// reported with its own code so startup can distinguish the two.
func (c *Client) Handshake(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/contract", nil)
	if err != nil {
		return errcode.Wrap(errcode.ProtocolUnreachable, err, "build handshake request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errcode.Wrap(errcode.ProtocolUnreachable, err, "settlement service unreachable at %s", c.baseURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errcode.New(errcode.ProtocolUnreachable, "handshake returned %d", resp.StatusCode)
	}

	var v versionResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return errcode.Wrap(errcode.ProtocolUnreachable, err, "decode handshake response")
	}

	if v.ContractVersion != ContractVersion {
		err := errcode.New(errcode.ProtocolIncompatible,
			"settlement contract version %q, gateway speaks %q", v.ContractVersion, ContractVersion)
		if c.env == "production" {
			return err
		}
		c.logger.Warn("settlement contract mismatch, continuing (non-production)",
			"remote", v.ContractVersion, "local", ContractVersion)
		return nil
	}
	return nil
}
