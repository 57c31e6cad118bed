package showrunner

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ApprovalToken is the signed, single-use credential binding a
// (run_id, gate_name) pair. It carries no privilege beyond resuming that
// exact pair.
type ApprovalToken struct {
	RunID     string    `json:"run_id"`
	GateName  string    `json:"gate_name"`
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GateControllerOptions configures a gate controller.
type GateControllerOptions struct {
	Config *Config
	Store  ApprovalStore
	Logger *slog.Logger
	Clock  func() time.Time
}

// GateController issues and validates approval tokens for human-in-the-loop
// gates. Token signatures and expiry are stateless; single-use enforcement
// goes through the approval store.
type GateController struct {
	secret []byte
	ttl    time.Duration
	store  ApprovalStore
	logger *slog.Logger
	clock  func() time.Time
}

// NewGateController creates a gate controller.
func NewGateController(opts GateControllerOptions) (*GateController, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Config.ApprovalSecret == "" {
		return nil, fmt.Errorf("approval secret is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	ttl := opts.Config.ApprovalTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &GateController{
		secret: []byte(opts.Config.ApprovalSecret),
		ttl:    ttl,
		store:  opts.Store,
		logger: opts.Logger,
		clock:  opts.Clock,
	}, nil
}

// Issue creates a signed approval token for a run suspended at a gate.
func (g *GateController) Issue(runID, gateName string) (string, error) {
	token := ApprovalToken{
		RunID:     runID,
		GateName:  gateName,
		Nonce:     uuid.NewString(),
		ExpiresAt: g.clock().Add(g.ttl),
	}
	payload, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("failed to encode approval token: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	g.logger.Info("approval token issued",
		"run_id", runID, "gate", gateName, "expires_at", token.ExpiresAt)
	return encoded + "." + g.sign(payload), nil
}

// Approve validates a token's signature, binding, expiry, and single-use,
// then returns the resume payload the executor feeds into Resume. A second
// call with the same token fails with ErrTokenAlreadyUsed and changes
// nothing.
//
// Consumption is one-way: the nonce is claimed before the resume is
// attempted, and stays claimed even if the executor then rejects the resume.
// The claim is the serialization point for concurrent approvals carrying the
// same token; graphs are linear, so a run never returns to a gate whose
// resume was refused, and the burned token forfeits nothing.
func (g *GateController) Approve(ctx context.Context, runID, gateName, token string) (*ResumePayload, error) {
	parsed, err := g.verify(token)
	if err != nil {
		return nil, err
	}
	if parsed.RunID != runID || parsed.GateName != gateName {
		return nil, fmt.Errorf("token does not bind run %q gate %q: %w", runID, gateName, ErrTokenInvalid)
	}
	now := g.clock()
	if now.After(parsed.ExpiresAt) {
		return nil, fmt.Errorf("gate %q: %w", gateName, ErrTokenExpired)
	}
	if err := g.store.ConsumeApproval(ctx, parsed.Nonce, now); err != nil {
		return nil, err
	}
	g.logger.Info("gate approved", "run_id", runID, "gate", gateName)
	return &ResumePayload{
		Kind:     ResumeKindApproval,
		GateName: gateName,
		Values: map[string]any{
			"approved_gate_" + gateName: now.Format(time.RFC3339),
		},
	}, nil
}

// verify checks structure and signature, returning the decoded token.
func (g *GateController) verify(token string) (*ApprovalToken, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrTokenInvalid
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	if !hmac.Equal([]byte(sig), []byte(g.sign(payload))) {
		return nil, ErrTokenInvalid
	}
	var parsed ApprovalToken
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, ErrTokenInvalid
	}
	return &parsed, nil
}

func (g *GateController) sign(payload []byte) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
