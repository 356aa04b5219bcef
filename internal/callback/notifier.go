package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/linkflow/engine/internal/observability"
)

// Event names sent to the control plane.
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionCanceled  = "execution.canceled"
	EventExecutionTimedOut  = "execution.timed_out"
	EventNodeCompleted      = "node.completed"
	EventNodeFailed         = "node.failed"
)

// Payload is the callback body. Delivery is at-least-once; receivers
// deduplicate on (execution_id, event, timestamp). Timestamp is
// RFC3339 UTC; the same string is echoed in X-LinkFlow-Timestamp and
// signed, so it is part of the wire contract.
type Payload struct {
	Event       string          `json:"event"`
	Timestamp   string          `json:"timestamp"`
	WorkspaceID string          `json:"workspace_id"`
	WorkflowID  string          `json:"workflow_id"`
	ExecutionID string          `json:"execution_id"`
	RunID       string          `json:"run_id"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Config holds notifier settings.
type Config struct {
	URL        string
	Secret     string
	QueueSize  int
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

type queuedItem struct {
	payload *Payload
	attempt int
}

// Notifier sends callbacks. NotifyAsync feeds a bounded queue with a
// single background drain; when the queue is full, delivery falls back
// to the synchronous path so nothing is silently dropped.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	queue    chan *queuedItem
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewNotifier(cfg Config, logger *zap.Logger) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	n := &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
		logger: logger,
		queue:  make(chan *queuedItem, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
	n.wg.Add(1)
	go n.drain()
	return n
}

// Notify delivers synchronously, retrying up to MaxRetries with delay
// retry_delay * attempt between tries.
func (n *Notifier) Notify(ctx context.Context, p *Payload) error {
	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.cfg.RetryDelay * time.Duration(attempt-1)):
			}
		}
		if lastErr = n.send(ctx, p); lastErr == nil {
			return nil
		}
		n.logger.Warn("callback delivery failed",
			zap.String("event", p.Event),
			zap.String("execution_id", p.ExecutionID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
	}
	observability.CallbackDeliveries.WithLabelValues(p.Event, "exhausted").Inc()
	return fmt.Errorf("callback delivery exhausted after %d attempts: %w", n.cfg.MaxRetries, lastErr)
}

// NotifyAsync enqueues for background delivery; a full queue falls back
// to a synchronous send.
func (n *Notifier) NotifyAsync(p *Payload) {
	select {
	case n.queue <- &queuedItem{payload: p, attempt: 1}:
		observability.CallbackQueueDepth.Set(float64(len(n.queue)))
	default:
		n.logger.Warn("callback queue full, sending synchronously",
			zap.String("event", p.Event),
			zap.String("execution_id", p.ExecutionID))
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
		defer cancel()
		if err := n.send(ctx, p); err != nil {
			n.logger.Error("synchronous fallback delivery failed",
				zap.String("event", p.Event), zap.Error(err))
		}
	}
}

// Close stops the drain goroutine after flushing what is queued.
func (n *Notifier) Close() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	n.wg.Wait()
}

func (n *Notifier) drain() {
	defer n.wg.Done()
	for {
		select {
		case item := <-n.queue:
			n.deliverQueued(item)
		case <-n.stopCh:
			// Flush remaining items before exiting.
			for {
				select {
				case item := <-n.queue:
					n.deliverQueued(item)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) deliverQueued(item *queuedItem) {
	observability.CallbackQueueDepth.Set(float64(len(n.queue)))

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
	err := n.send(ctx, item.payload)
	cancel()
	if err == nil {
		return
	}

	n.logger.Warn("async callback delivery failed",
		zap.String("event", item.payload.Event),
		zap.String("execution_id", item.payload.ExecutionID),
		zap.Int("attempt", item.attempt),
		zap.Error(err))

	if item.attempt >= n.cfg.MaxRetries {
		observability.CallbackDeliveries.WithLabelValues(item.payload.Event, "exhausted").Inc()
		return
	}

	item.attempt++
	delay := n.cfg.RetryDelay * time.Duration(item.attempt)
	time.AfterFunc(delay, func() {
		select {
		case n.queue <- item:
		default:
			n.logger.Error("callback retry dropped, queue full",
				zap.String("event", item.payload.Event),
				zap.String("execution_id", item.payload.ExecutionID))
		}
	})
}

func (n *Notifier) send(ctx context.Context, p *Payload) error {
	if p.Timestamp == "" {
		p.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-LinkFlow-Event", p.Event)
	req.Header.Set("X-LinkFlow-Timestamp", p.Timestamp)
	if n.cfg.Secret != "" {
		req.Header.Set("X-LinkFlow-Signature", Sign(n.cfg.Secret, p.Timestamp, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		observability.CallbackDeliveries.WithLabelValues(p.Event, "error").Inc()
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		observability.CallbackDeliveries.WithLabelValues(p.Event, "error").Inc()
		return fmt.Errorf("callback endpoint returned %d: %s", resp.StatusCode, snippet)
	}

	observability.CallbackDeliveries.WithLabelValues(p.Event, "ok").Inc()
	return nil
}
