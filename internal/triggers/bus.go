// Package triggers delivers document-created events to handlers and runs jobs
// on a fixed schedule.
package triggers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/melowod/internal/apperrors"
	"github.com/MarcoPoloResearchLab/melowod/internal/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// EventWodResultCreated fires once per created workout result.
	EventWodResultCreated = "wod_result.created"
	// EventUserCreated fires once per newly mapped user.
	EventUserCreated = "user.created"

	defaultWorkers       = 4
	defaultMaxDeliveries = 5
	defaultQueueSize     = 256
	defaultRedelivery    = 500 * time.Millisecond
)

var (
	// ErrBusClosed is returned by Publish after Shutdown.
	ErrBusClosed = errors.New("triggers: bus closed")
	// ErrQueueFull is returned when the delivery queue cannot accept an event.
	ErrQueueFull = errors.New("triggers: queue full")

	noOpLogger = zap.NewNop()

	redeliverableCodes = []apperrors.Code{
		apperrors.CodeNetwork,
		apperrors.CodeDeadlineExceeded,
		apperrors.CodeUnavailable,
		apperrors.CodeAborted,
		apperrors.CodeInternal,
	}
)

// Event is one document-created notification. Delivery counts from 1 and grows
// on every redelivery of the same event to the same handler.
type Event struct {
	ID        string
	Type      string
	Path      string
	Payload   any
	CreatedAt time.Time
	Delivery  int
}

// Handler processes an event. Handlers must be idempotent per Event.ID since an
// event may be delivered more than once.
type Handler func(ctx context.Context, event Event) error

// BusConfig wires a Bus.
type BusConfig struct {
	Workers       int
	MaxDeliveries int
	QueueSize     int
	// RedeliveryDelay is the wait before the second delivery; it doubles afterwards.
	RedeliveryDelay time.Duration
	Sleep           func(ctx context.Context, d time.Duration) error
	Clock           func() time.Time
	Logger          *zap.Logger
}

type subscription struct {
	name    string
	handler Handler
}

type delivery struct {
	event Event
	sub   subscription
}

// Bus is an in-process at-least-once event bus. Every subscriber of an event
// type receives each published event of that type on a bounded worker pool.
type Bus struct {
	policy retry.Policy
	clock  func() time.Time
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string][]subscription
	closed   bool

	queue   chan delivery
	workers int
	wg      sync.WaitGroup
	start   sync.Once
	stop    sync.Once
	ctx     context.Context
	cancel  context.CancelFunc

	statsMu    sync.Mutex
	delivered  int
	deadLetter int
}

// NewBus constructs a Bus. Call Start to launch the workers.
func NewBus(cfg BusConfig) *Bus {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	maxDeliveries := cfg.MaxDeliveries
	if maxDeliveries <= 0 {
		maxDeliveries = defaultMaxDeliveries
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	redelivery := cfg.RedeliveryDelay
	if redelivery == 0 {
		redelivery = defaultRedelivery
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		policy: retry.NewPolicy(retry.Options{
			MaxAttempts:    maxDeliveries,
			Delay:          redelivery,
			BackoffFactor:  2,
			RetryableCodes: redeliverableCodes,
			Sleep:          cfg.Sleep,
		}),
		clock:    clock,
		logger:   logger,
		handlers: make(map[string][]subscription),
		queue:    make(chan delivery, queueSize),
		workers:  workers,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Subscribe registers handler under name for eventType.
func (b *Bus) Subscribe(eventType, name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], subscription{name: name, handler: handler})
}

// Start launches the worker pool. Extra calls are no-ops.
func (b *Bus) Start() {
	b.start.Do(func() {
		for index := 0; index < b.workers; index++ {
			b.wg.Add(1)
			go b.worker(index)
		}
		b.logger.Info("trigger bus started", zap.Int("workers", b.workers))
	})
}

// NewEventID issues a time-ordered event identifier.
func NewEventID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Publish enqueues a new event for every subscriber of eventType and returns it.
func (b *Bus) Publish(eventType, path string, payload any) (Event, error) {
	id, err := NewEventID()
	if err != nil {
		return Event{}, err
	}
	event := Event{ID: id, Type: eventType, Path: path, Payload: payload, CreatedAt: b.clock().UTC()}
	return event, b.PublishEvent(event)
}

// PublishEvent enqueues an already identified event. Publishing the same event
// twice delivers it twice.
func (b *Bus) PublishEvent(event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, sub := range b.handlers[event.Type] {
		select {
		case b.queue <- delivery{event: event, sub: sub}:
		default:
			b.logger.Warn("trigger queue full",
				zap.String("event_id", event.ID),
				zap.String("handler", sub.name))
			return ErrQueueFull
		}
	}
	return nil
}

// Stats returns the number of successful deliveries and of events given up on.
func (b *Bus) Stats() (delivered, deadLettered int) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.delivered, b.deadLetter
}

// Shutdown stops accepting events, drains the queue and waits for the workers.
func (b *Bus) Shutdown() error {
	b.stop.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.queue)
		b.mu.Unlock()
		b.Start()
		b.wg.Wait()
		b.cancel()
		b.logger.Info("trigger bus stopped")
	})
	return nil
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()
	for item := range b.queue {
		b.deliver(id, item)
	}
}

func (b *Bus) deliver(workerID int, item delivery) {
	attempt := 0
	err := b.policy.Do(b.ctx, func(ctx context.Context) error {
		attempt++
		event := item.event
		event.Delivery = attempt
		err := item.sub.handler(ctx, event)
		if err != nil {
			b.logger.Warn("trigger delivery failed",
				zap.Int("worker_id", workerID),
				zap.String("event_id", event.ID),
				zap.String("handler", item.sub.name),
				zap.Int("delivery", attempt),
				zap.Error(err))
		}
		return err
	})

	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	if err != nil {
		b.deadLetter++
		b.logger.Error("trigger event dropped",
			zap.String("event_id", item.event.ID),
			zap.String("event_type", item.event.Type),
			zap.String("handler", item.sub.name),
			zap.Int("deliveries", attempt),
			zap.Error(err))
		return
	}
	b.delivered++
}
