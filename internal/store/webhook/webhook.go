// Package webhook forwards audit events to an HTTP endpoint in JSON batches.
// Approval UIs subscribe to approval_requested this way.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/agentsh/execgate/pkg/types"
)

type Config struct {
	URL     string
	Headers map[string]string
	// Events are path.Match patterns on the event type; empty means all.
	Events        []string
	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration
	RetryCount    int
	RetryDelay    time.Duration
	Logger        *slog.Logger
}

// Store buffers matching events and posts them from a background goroutine,
// so a slow endpoint never delays an evaluation.
type Store struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	buf    []types.Event
	closed bool

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	for _, p := range cfg.Events {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("webhook event pattern %q: %w", p, err)
		}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	cfg.Headers = headers

	s := &Store{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

func (s *Store) matches(eventType string) bool {
	if len(s.cfg.Events) == 0 {
		return true
	}
	for _, p := range s.cfg.Events {
		if ok, _ := path.Match(p, eventType); ok {
			return true
		}
	}
	return false
}

func (s *Store) AppendEvent(_ context.Context, ev types.Event) error {
	if !s.matches(ev.Type) {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("webhook store closed")
	}
	s.buf = append(s.buf, ev)
	full := len(s.buf) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *Store) QueryEvents(_ context.Context, _ types.EventQuery) ([]types.Event, error) {
	return nil, fmt.Errorf("webhook store does not support queries")
}

func (s *Store) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		case <-s.kick:
		}
		if err := s.flushPending(); err != nil {
			s.logger.Warn("webhook delivery failed", "url", s.cfg.URL, "error", err)
		}
	}
}

func (s *Store) take() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.buf
	s.buf = nil
	return batch
}

func (s *Store) flushPending() error {
	batch := s.take()
	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout*time.Duration(s.cfg.RetryCount+1)+s.cfg.RetryDelay*time.Duration(s.cfg.RetryCount))
	defer cancel()
	return s.send(ctx, batch)
}

// Close stops the background sender and delivers what is still buffered.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return s.flushPending()
}

func (s *Store) send(ctx context.Context, batch []types.Event) error {
	b, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	var lastErr error
	for attempt := 0; attempt <= s.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			case <-time.After(s.cfg.RetryDelay):
			}
		}
		if lastErr = s.post(ctx, b); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (s *Store) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %s", resp.Status)
	}
	return nil
}
