package showrunner

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// Webhook header names required on every provider callback.
const (
	HeaderSignature = "X-Signature"
	HeaderRequestID = "X-Request-Id"
	HeaderTimestamp = "X-Timestamp"
)

// AckStatus describes how an inbound webhook was handled.
type AckStatus string

const (
	// AckAccepted means the callback was routed and the run resumed.
	AckAccepted AckStatus = "accepted"

	// AckDuplicate means the idempotency key was seen before but the
	// original delivery's ack has not been recorded yet. Once the original
	// outcome is known, redeliveries replay that ack verbatim instead.
	AckDuplicate AckStatus = "duplicate"

	// AckDeferred means the callback was persisted as a dead letter for
	// out-of-band handling. The provider should not retry.
	AckDeferred AckStatus = "deferred"
)

// Ack is the response returned to the provider for a webhook delivery.
type Ack struct {
	Status  AckStatus `json:"status"`
	EventID string    `json:"event_id"`
	RunID   string    `json:"run_id,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// WebhookEvent is the persisted record of an inbound provider callback.
type WebhookEvent struct {
	EventID         string    `json:"event_id"`
	IdempotencyKey  string    `json:"idempotency_key"`
	Provider        string    `json:"provider"`
	SignatureStatus string    `json:"signature_status"`
	RawPayload      []byte    `json:"raw_payload"`
	ReceivedAt      time.Time `json:"received_at"`

	// Ack fields record the outcome of the first processing so duplicate
	// deliveries can be acknowledged identically.
	AckStatus AckStatus `json:"ack_status,omitempty"`
	AckRunID  string    `json:"ack_run_id,omitempty"`
	AckDetail string    `json:"ack_detail,omitempty"`
}

// webhookPayload is the envelope provider callbacks carry: the correlation
// key identifying the waiting run plus the result values to merge into the
// run context.
type webhookPayload struct {
	CorrelationKey string         `json:"correlation_key"`
	Result         map[string]any `json:"result"`
}

// SignPayload computes the hex HMAC-SHA256 signature a provider attaches to
// a raw webhook body. Exported for provider adapters and tests.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// IngressOptions configures a webhook ingress.
type IngressOptions struct {
	Config   *Config
	Store    Store
	Executor *Executor
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Ingress authenticates, deduplicates, and routes inbound provider callbacks
// into their suspended runs. Ingress is stateless and safe to call with high
// concurrency; correctness comes from the per-run lock and the idempotency
// key uniqueness constraint, not from ingress-side serialization.
type Ingress struct {
	config   *Config
	store    Store
	executor *Executor
	logger   *slog.Logger
	clock    func() time.Time
}

// NewIngress creates a webhook ingress.
func NewIngress(opts IngressOptions) (*Ingress, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Ingress{
		config:   opts.Config,
		store:    opts.Store,
		executor: opts.Executor,
		logger:   opts.Logger,
		clock:    opts.Clock,
	}, nil
}

// Receive handles one webhook delivery. Authentication failures return an
// error and are never recorded as dead letters; routing and processing
// failures are captured as dead letters and acknowledged as deferred.
func (i *Ingress) Receive(ctx context.Context, provider string, body []byte, headers http.Header) (*Ack, error) {
	// 1. Verify the signature over the raw, unparsed body.
	secret, ok := i.config.ProviderSecret(provider)
	if !ok {
		i.logger.Warn("webhook from unconfigured provider", "provider", provider)
		return nil, fmt.Errorf("provider %q: %w", provider, ErrInvalidSignature)
	}
	signature := headers.Get(HeaderSignature)
	expected := SignPayload(secret, body)
	if signature == "" || !hmac.Equal([]byte(signature), []byte(expected)) {
		i.logger.Warn("webhook signature verification failed", "provider", provider)
		return nil, fmt.Errorf("provider %q: %w", provider, ErrInvalidSignature)
	}

	// 2. Reject timestamps outside the replay window.
	now := i.clock()
	ts, err := strconv.ParseInt(headers.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("provider %q: missing or malformed timestamp: %w", provider, ErrReplayRejected)
	}
	sent := time.Unix(ts, 0)
	if d := now.Sub(sent); d > i.config.ReplayWindow || d < -i.config.ReplayWindow {
		i.logger.Warn("webhook timestamp outside replay window",
			"provider", provider, "skew", now.Sub(sent).String())
		return nil, fmt.Errorf("provider %q: %w", provider, ErrReplayRejected)
	}

	// 3. Derive the idempotency key and collapse duplicates.
	key := headers.Get(HeaderRequestID)
	if key == "" {
		sum := blake3.Sum256(append([]byte(provider+":"), body...))
		key = hex.EncodeToString(sum[:])
	}
	event := &WebhookEvent{
		EventID:         NewEventID(),
		IdempotencyKey:  key,
		Provider:        provider,
		SignatureStatus: "verified",
		RawPayload:      body,
		ReceivedAt:      now,
	}
	existing, err := i.store.InsertEvent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("failed to persist webhook event: %w", err)
	}
	if existing != nil {
		// Idempotent-success semantics: same ack as the original processing,
		// no downstream logic. A redelivery racing the original's in-flight
		// processing has no recorded ack yet and is reported as a duplicate.
		i.logger.Info("duplicate webhook delivery collapsed",
			"provider", provider, "idempotency_key", key)
		status := existing.AckStatus
		if status == "" {
			status = AckDuplicate
		}
		return &Ack{
			Status:  status,
			EventID: existing.EventID,
			RunID:   existing.AckRunID,
			Detail:  existing.AckDetail,
		}, nil
	}

	// 4-5. Route to the waiting run, dead-lettering anything unroutable.
	ack := i.route(ctx, event)
	if err := i.store.UpdateEventAck(ctx, event.EventID, ack); err != nil {
		i.logger.Error("failed to record webhook ack", "event_id", event.EventID, "error", err)
	}
	return ack, nil
}

// route parses the payload, finds the matching run, and resumes it. All
// failures here are application-level: they become dead letters and a
// deferred ack, never a transport error back to the provider.
func (i *Ingress) route(ctx context.Context, event *WebhookEvent) *Ack {
	var payload webhookPayload
	if err := json.Unmarshal(event.RawPayload, &payload); err != nil || payload.CorrelationKey == "" {
		return i.deadLetter(ctx, event, "", "", fmt.Errorf("unparseable payload or missing correlation key"))
	}

	ck, err := i.store.FindWaiting(ctx, event.Provider, payload.CorrelationKey)
	if err != nil {
		return i.deadLetter(ctx, event, "", payload.CorrelationKey,
			fmt.Errorf("%w: provider %q correlation %q", ErrUnknownRun, event.Provider, payload.CorrelationKey))
	}

	if ck.Status == RunStatusAborted {
		// Accept the delivery so the provider stops retrying, but keep an
		// auditable no-op record.
		entry := i.newEntry(event, ck.RunID, payload.CorrelationKey, ErrRunAborted)
		now := i.clock()
		entry.ResolvedAt = &now
		if err := i.store.EnqueueDeadLetter(ctx, entry); err != nil {
			i.logger.Error("failed to record no-op dead letter", "run_id", ck.RunID, "error", err)
		}
		return &Ack{Status: AckAccepted, EventID: event.EventID, RunID: ck.RunID, Detail: "run aborted; callback recorded"}
	}

	resume := &ResumePayload{
		Kind:           ResumeKindWebhook,
		Provider:       event.Provider,
		CorrelationKey: payload.CorrelationKey,
		Values:         payload.Result,
	}
	if err := i.executor.Resume(ctx, ck.RunID, resume); err != nil {
		return i.deadLetter(ctx, event, ck.RunID, payload.CorrelationKey, err)
	}

	i.logger.Info("webhook routed",
		"provider", event.Provider,
		"run_id", ck.RunID,
		"correlation_key", payload.CorrelationKey)
	return &Ack{Status: AckAccepted, EventID: event.EventID, RunID: ck.RunID}
}

// Redeliver re-submits a dead letter through the routing path, skipping
// authentication: the payload was already verified when it first arrived.
// Implements the DLQ's redelivery target.
func (i *Ingress) Redeliver(ctx context.Context, entry *DeadLetterEntry) error {
	var payload webhookPayload
	if err := json.Unmarshal(entry.RawPayload, &payload); err != nil || payload.CorrelationKey == "" {
		return fmt.Errorf("unparseable payload or missing correlation key")
	}
	ck, err := i.store.FindWaiting(ctx, entry.Provider, payload.CorrelationKey)
	if err != nil {
		return fmt.Errorf("%w: provider %q correlation %q", ErrUnknownRun, entry.Provider, payload.CorrelationKey)
	}
	if ck.Status == RunStatusAborted {
		return ErrRunAborted
	}
	return i.executor.Resume(ctx, ck.RunID, &ResumePayload{
		Kind:           ResumeKindWebhook,
		Provider:       entry.Provider,
		CorrelationKey: payload.CorrelationKey,
		Values:         payload.Result,
	})
}

func (i *Ingress) newEntry(event *WebhookEvent, runID, correlationKey string, cause error) *DeadLetterEntry {
	now := i.clock()
	return &DeadLetterEntry{
		EntryID:        NewDeadLetterID(),
		Provider:       event.Provider,
		IdempotencyKey: event.IdempotencyKey,
		RunID:          runID,
		CorrelationKey: correlationKey,
		RawPayload:     event.RawPayload,
		Error:          ClassifyError(cause).Error(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (i *Ingress) deadLetter(ctx context.Context, event *WebhookEvent, runID, correlationKey string, cause error) *Ack {
	entry := i.newEntry(event, runID, correlationKey, cause)
	if err := i.store.EnqueueDeadLetter(ctx, entry); err != nil {
		i.logger.Error("failed to enqueue dead letter",
			"event_id", event.EventID, "error", err)
	}
	i.logger.Warn("webhook dead-lettered",
		"provider", event.Provider,
		"idempotency_key", event.IdempotencyKey,
		"cause", cause.Error())
	return &Ack{Status: AckDeferred, EventID: event.EventID, RunID: runID, Detail: cause.Error()}
}
