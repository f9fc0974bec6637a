package attest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/withObsrvr/flood-impact-runner/internal/logging"
)

// HTTPEmitter posts chained events to an endpoint and keeps a local backup.
type HTTPEmitter struct {
	endpoint string
	client   *http.Client
	chain    *ChainTracker
	backup   *FileBackup
	retries  int
	delay    time.Duration
	log      *slog.Logger
}

// NewHTTPEmitter creates an emitter posting to cfg.Endpoint.
func NewHTTPEmitter(cfg Config) (*HTTPEmitter, error) {
	chain, err := NewChainTracker(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}
	return &HTTPEmitter{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		chain:    chain,
		backup:   NewFileBackup(cfg.Dir),
		retries:  3,
		delay:    time.Second,
		log:      logging.Component("attest"),
	}, nil
}

// Emit links evt into its chain, backs it up and posts it. The chain head
// only advances once the endpoint accepts the event.
func (e *HTTPEmitter) Emit(ctx context.Context, evt *Event) error {
	key := evt.Run.ChainKey()
	prev, err := e.chain.GetHead(key)
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return fmt.Errorf("get chain head: %w", err)
	}
	stamp(evt, time.Now())
	evt.SetChainHashes(prev)

	if err := e.backup.Save(evt); err != nil {
		e.log.Warn("attestation backup failed", "error", err)
	}

	if err := e.postWithRetry(ctx, evt); err != nil {
		return fmt.Errorf("emit attestation: %w", err)
	}

	if err := e.chain.SetHead(key, evt.Chain.EventHash); err != nil {
		e.log.Warn("failed to update chain head", "chain", key, "error", err)
	}
	e.log.Info("attested run",
		"run_id", evt.Run.RunID,
		"chain", key,
		"event_hash", evt.Chain.EventHash,
		"endpoint", e.endpoint,
	)
	return nil
}

func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *Event) error {
	var lastErr error
	delay := e.delay

	for attempt := 1; attempt <= e.retries; attempt++ {
		err := e.post(ctx, evt)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < e.retries {
			e.log.Warn("attestation post failed, retrying",
				"attempt", attempt,
				"max_attempts", e.retries,
				"delay", delay,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", e.retries, lastErr)
}

func (e *HTTPEmitter) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
}

// Close releases resources.
func (e *HTTPEmitter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
