package outbound

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/njfio/tau/internal/channelstore"
	"github.com/njfio/tau/internal/config"
	"github.com/njfio/tau/internal/event"
	"github.com/njfio/tau/pkg/protocol"
)

// Delivery is the outcome of delivering one response.
type Delivery struct {
	Status        string `json:"status"` // sent | dry_run | delivery_failed
	ReasonCode    string `json:"reason_code"`
	ChunkCount    int    `json:"chunk_count"`
	RetryAttempts int    `json:"retry_attempts"`
	Failed        bool   `json:"failed"`
}

// Dispatcher delivers chunked responses according to the configured mode.
type Dispatcher struct {
	mode     config.OutboundMode
	maxChars int
	retry    config.RetryConfig
	client   *http.Client
	adapters map[event.Transport]Adapter
	limiters map[event.Transport]*rate.Limiter

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher builds a dispatcher for the configured outbound behavior.
func NewDispatcher(cfg config.OutboundConfig, retryCfg config.RetryConfig, adapters []Adapter) *Dispatcher {
	d := &Dispatcher{
		mode:     cfg.Mode,
		maxChars: cfg.MaxChars,
		retry:    retryCfg,
		client:   &http.Client{Timeout: time.Duration(cfg.HTTPTimeoutMs) * time.Millisecond},
		adapters: make(map[event.Transport]Adapter),
		limiters: make(map[event.Transport]*rate.Limiter),
		sleep:    sleepCtx,
	}
	for _, a := range adapters {
		d.adapters[a.Transport()] = a
		if cfg.RateLimitRPS > 0 {
			d.limiters[a.Transport()] = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1)
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Deliver sends text as a reply to e, appending receipts and failure
// records to the channel store log. extra fields (command payloads, access
// decisions) are merged into each receipt payload. The returned Delivery
// is also what the telemetry emitter summarizes.
func (d *Dispatcher) Deliver(ctx context.Context, e event.InboundEvent, text string, store *channelstore.Store, nowMs uint64, extra map[string]any) (*Delivery, error) {
	switch d.mode {
	case config.OutboundDryRun:
		return d.deliverDryRun(e, text, store, nowMs, extra)
	case config.OutboundChannelStore:
		return d.deliverChannelStore(e, text, store, nowMs, extra)
	case config.OutboundProvider:
		return d.deliverProvider(ctx, e, text, store, nowMs, extra)
	default:
		return nil, fmt.Errorf("unknown outbound mode %q", d.mode)
	}
}

// mergeExtra copies extra fields into a receipt payload without letting
// them override the receipt's own keys.
func mergeExtra(payload, extra map[string]any) map[string]any {
	for k, v := range extra {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}
	return payload
}

func (d *Dispatcher) deliverDryRun(e event.InboundEvent, text string, store *channelstore.Store, nowMs uint64, extra map[string]any) (*Delivery, error) {
	chunks := ChunkText(text, d.maxChars)
	for i := range chunks {
		entry := channelstore.LogEntry{
			TimestampMs: nowMs,
			Direction:   channelstore.DirectionOutbound,
			EventKey:    e.Key(),
			Source:      "dispatcher",
			Payload: mergeExtra(map[string]any{
				"status":      protocol.OutboundStatusDryRun,
				"chunk_index": i,
				"chunk_count": len(chunks),
			}, extra),
		}
		if err := store.AppendLogEntry(entry); err != nil {
			return nil, err
		}
	}
	return &Delivery{Status: protocol.OutboundStatusDryRun, ReasonCode: protocol.DeliveryDryRun, ChunkCount: len(chunks)}, nil
}

func (d *Dispatcher) deliverChannelStore(e event.InboundEvent, text string, store *channelstore.Store, nowMs uint64, extra map[string]any) (*Delivery, error) {
	body := text
	chunkCount := 1
	if e.Transport == event.TransportGithub && len([]rune(text)) > githubCommentCap {
		rec, err := store.WriteTextArtifact("", "comment-overflow", channelstore.VisibilityPublic, 0, "md", text, nowMs)
		if err != nil {
			return nil, err
		}
		runes := []rune(text)
		body = string(runes[:githubCommentCap]) +
			fmt.Sprintf("\n\n_Full response stored as artifact %s._", rec.ID)
	}
	entry := channelstore.LogEntry{
		TimestampMs: nowMs,
		Direction:   channelstore.DirectionOutbound,
		EventKey:    e.Key(),
		Source:      "channel_store",
		Payload: mergeExtra(map[string]any{
			"status":      protocol.OutboundStatusSent,
			"text":        body,
			"chunk_count": chunkCount,
		}, extra),
	}
	if err := store.AppendLogEntry(entry); err != nil {
		return nil, err
	}
	return &Delivery{Status: protocol.OutboundStatusSent, ReasonCode: protocol.DeliveryOK, ChunkCount: chunkCount}, nil
}

func (d *Dispatcher) deliverProvider(ctx context.Context, e event.InboundEvent, text string, store *channelstore.Store, nowMs uint64, extra map[string]any) (*Delivery, error) {
	adapter, ok := d.adapters[e.Transport]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for transport %q", e.Transport)
	}

	chunks := ChunkText(text, d.maxChars)
	delivery := &Delivery{Status: protocol.OutboundStatusSent, ReasonCode: protocol.DeliveryOK, ChunkCount: len(chunks)}

	for i, chunk := range chunks {
		retries, err := d.postChunk(ctx, adapter, e, chunk, i, len(chunks), store, nowMs)
		delivery.RetryAttempts += retries
		if err != nil {
			delivery.Status = protocol.OutboundStatusFailed
			delivery.ReasonCode = err.reason
			delivery.Failed = true
			return delivery, nil
		}
		receipt := channelstore.LogEntry{
			TimestampMs: nowMs,
			Direction:   channelstore.DirectionOutbound,
			EventKey:    e.Key(),
			Source:      "dispatcher",
			Payload: mergeExtra(map[string]any{
				"status":      protocol.OutboundStatusSent,
				"chunk_index": i,
				"chunk_count": len(chunks),
			}, extra),
		}
		if appendErr := store.AppendLogEntry(receipt); appendErr != nil {
			return nil, appendErr
		}
	}
	return delivery, nil
}

// deliveryError carries the terminal reason for a failed chunk.
type deliveryError struct {
	reason string
}

func (e *deliveryError) Error() string { return e.reason }

// postChunk POSTs one chunk with the retry schedule. It returns the retry
// count consumed and a terminal error when delivery failed. A
// delivery_failed log entry with full diagnostics is appended on
// exhaustion or terminal rejection.
func (d *Dispatcher) postChunk(ctx context.Context, adapter Adapter, e event.InboundEvent, chunk string, chunkIndex, chunkCount int, store *channelstore.Store, nowMs uint64) (int, *deliveryError) {
	endpoint := adapter.Endpoint(e)
	body, err := adapter.BuildBody(e, chunk)
	if err != nil {
		return 0, d.recordFailure(e, store, nowMs, protocol.DeliveryProviderRejected, false, chunkIndex, chunkCount, endpoint, 0, "")
	}

	retries := 0
	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		if lim := d.limiters[e.Transport]; lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return retries, d.recordFailure(e, store, nowMs, protocol.DeliveryProviderUnavailable, true, chunkIndex, chunkCount, endpoint, 0, string(body))
			}
		}

		status, respBody, reqErr := d.post(ctx, endpoint, adapter.Headers(), body)
		var cls Classification
		if reqErr != nil {
			cls = Classification{Outcome: RetryableError, ReasonCode: protocol.DeliveryProviderUnavailable}
			slog.Debug("outbound request error", "transport", e.Transport, "attempt", attempt, "error", reqErr)
		} else {
			cls = adapter.Classify(status, respBody)
		}

		switch cls.Outcome {
		case Sent:
			return retries, nil
		case TerminalError:
			return retries, d.recordFailure(e, store, nowMs, cls.ReasonCode, false, chunkIndex, chunkCount, endpoint, status, string(body))
		case RetryableError:
			if attempt == d.retry.MaxAttempts {
				return retries, d.recordFailure(e, store, nowMs, protocol.DeliveryRetryExhausted, true, chunkIndex, chunkCount, endpoint, status, string(body))
			}
			retries++
			delay := RetryDelay(d.retry.BaseDelayMs, d.retry.JitterMs, attempt, e.Key())
			if err := d.sleep(ctx, delay); err != nil {
				return retries, d.recordFailure(e, store, nowMs, protocol.DeliveryProviderUnavailable, true, chunkIndex, chunkCount, endpoint, status, string(body))
			}
		}
	}
	return retries, d.recordFailure(e, store, nowMs, protocol.DeliveryRetryExhausted, true, chunkIndex, chunkCount, endpoint, 0, string(body))
}

func (d *Dispatcher) post(ctx context.Context, endpoint string, headers map[string]string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode, respBody, nil
}

func (d *Dispatcher) recordFailure(e event.InboundEvent, store *channelstore.Store, nowMs uint64, reason string, retryable bool, chunkIndex, chunkCount int, endpoint string, httpStatus int, requestBody string) *deliveryError {
	entry := channelstore.LogEntry{
		TimestampMs: nowMs,
		Direction:   channelstore.DirectionOutbound,
		EventKey:    e.Key(),
		Source:      "dispatcher",
		Payload: map[string]any{
			"status":       protocol.OutboundStatusFailed,
			"reason_code":  reason,
			"retryable":    retryable,
			"chunk_index":  chunkIndex,
			"chunk_count":  chunkCount,
			"endpoint":     endpoint,
			"http_status":  httpStatus,
			"request_body": requestBody,
		},
	}
	if err := store.AppendLogEntry(entry); err != nil {
		slog.Error("failed to record delivery failure", "event_key", e.Key(), "error", err)
	}
	return &deliveryError{reason: reason}
}
