package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/printhook/internal/config"
	"github.com/orrn/printhook/internal/core"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
)

var (
	ErrSenderStopped  = errors.New("webhook sender stopped")
	ErrTargetNotFound = errors.New("webhook target not found")
)

// EventTest is only sent by Test and never emitted by the queue.
const EventTest = "test"

type WebhookPayload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	Signature string      `json:"signature,omitempty"`
}

type JobEventData struct {
	RequestID   string `json:"requestId"`
	Type        string `json:"type"`
	State       string `json:"state"`
	Printer     string `json:"printer,omitempty"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts"`
	NativeJobID string `json:"nativeJobId,omitempty"`
	Error       string `json:"error,omitempty"`
	Duration    int64  `json:"durationMs,omitempty"`
}

type WebhookConfig struct {
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

type target struct {
	url     string
	secret  string
	timeout time.Duration
	events  map[core.Event]bool
}

// accepts reports whether t subscribed to event. No list means all events.
func (t target) accepts(event core.Event) bool {
	return len(t.events) == 0 || t.events[event]
}

type webhookTask struct {
	target  target
	payload *WebhookPayload
	attempt int
}

// HTTPStatusError is returned for non-2xx responses.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http error: %d", e.StatusCode)
}

// WebhookSender posts job events to the configured endpoints from a small
// worker pool. It implements core.EventSink.
type WebhookSender struct {
	targets     []target
	httpClient  *http.Client
	retryCount  int
	retryDelay  time.Duration
	workerCount int
	queue       chan *webhookTask
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	logger      *zap.Logger
}

func NewWebhookSender(hooks []config.WebhookConfig, cfg WebhookConfig, logger *zap.Logger) *WebhookSender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	targets := make([]target, 0, len(hooks))
	for _, h := range hooks {
		t := target{url: h.URL, secret: h.Secret, timeout: h.Timeout}
		if len(h.Events) > 0 {
			t.events = make(map[core.Event]bool, len(h.Events))
			for _, e := range h.Events {
				t.events[core.Event(e)] = true
			}
		}
		targets = append(targets, t)
	}

	return &WebhookSender{
		targets: targets,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retryCount:  cfg.RetryCount,
		retryDelay:  cfg.RetryDelay,
		workerCount: cfg.WorkerCount,
		queue:       make(chan *webhookTask, cfg.QueueSize),
		stopCh:      make(chan struct{}),
		logger:      logger.Named("webhook"),
	}
}

func (s *WebhookSender) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop abandons queued deliveries and waits for in-flight ones to return.
func (s *WebhookSender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// JobEvent never blocks; deliveries are dropped when the queue is full.
func (s *WebhookSender) JobEvent(event core.Event, job *core.Job) {
	if len(s.targets) == 0 {
		return
	}

	data := &JobEventData{
		RequestID:   job.RequestID,
		Type:        string(job.Kind),
		State:       string(job.State),
		Printer:     job.PrinterName,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
	}
	if job.Result != nil {
		data.NativeJobID = job.Result.JobID
		if job.Result.Printer != "" {
			data.Printer = job.Result.Printer
		}
	}
	if event == core.EventJobFailed || event == core.EventJobRetrying {
		data.Error = job.LastFailure()
	}
	if job.StartedAt != nil && job.FinishedAt != nil {
		data.Duration = job.FinishedAt.Sub(*job.StartedAt).Milliseconds()
	}

	s.enqueue(event, data)
}

func (s *WebhookSender) enqueue(event core.Event, data interface{}) {
	for _, t := range s.targets {
		if !t.accepts(event) {
			continue
		}

		task := &webhookTask{
			target: t,
			payload: &WebhookPayload{
				Event:     string(event),
				Timestamp: time.Now().UTC(),
				Data:      data,
			},
		}

		select {
		case s.queue <- task:
		default:
			s.logger.Warn("queue full, dropping webhook",
				zap.String("url", t.url),
				zap.String("event", string(event)),
			)
		}
	}
}

func (s *WebhookSender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case task := <-s.queue:
			if err := s.sendWithRetry(task); err != nil {
				s.logger.Error("webhook delivery failed",
					zap.Int("worker", id),
					zap.String("url", task.target.url),
					zap.String("event", task.payload.Event),
					zap.Int("attempts", task.attempt),
					zap.Error(err),
				)
			}
		}
	}
}

func (s *WebhookSender) sendWithRetry(task *webhookTask) error {
	var lastErr error
	for task.attempt < s.retryCount {
		task.attempt++

		err := s.sendRequest(task.target, task.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}

		if task.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(task.attempt-1))
			s.logger.Debug("retrying webhook",
				zap.String("url", task.target.url),
				zap.Int("attempt", task.attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)

			select {
			case <-s.stopCh:
				return ErrSenderStopped
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *WebhookSender) sendRequest(t target, payload *WebhookPayload) error {
	dataBytes, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	if t.secret != "" {
		payload.Signature = Sign(dataBytes, t.secret)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	timeout := s.httpClient.Timeout
	if t.timeout > 0 && t.timeout < timeout {
		timeout = t.timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, payload.Event)
	if payload.Signature != "" {
		req.Header.Set(SignatureHeader, payload.Signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &HTTPStatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// TargetInfo describes a configured endpoint without its secret.
type TargetInfo struct {
	Index  int      `json:"index"`
	URL    string   `json:"url"`
	Signed bool     `json:"signed"`
	Events []string `json:"events"`
}

func (s *WebhookSender) Targets() []TargetInfo {
	infos := make([]TargetInfo, 0, len(s.targets))
	for i, t := range s.targets {
		events := make([]string, 0, len(t.events))
		for e := range t.events {
			events = append(events, string(e))
		}
		sort.Strings(events)
		infos = append(infos, TargetInfo{Index: i, URL: t.url, Signed: t.secret != "", Events: events})
	}
	return infos
}

// Test delivers a single test event to the target at index, synchronously
// and without retries.
func (s *WebhookSender) Test(index int) error {
	if index < 0 || index >= len(s.targets) {
		return ErrTargetNotFound
	}
	return s.sendRequest(s.targets[index], &WebhookPayload{
		Event:     EventTest,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"test":    true,
			"message": "Test webhook from printhook",
		},
	})
}

// Sign returns the hex HMAC-SHA256 of the event data.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500
}

var _ core.EventSink = (*WebhookSender)(nil)
