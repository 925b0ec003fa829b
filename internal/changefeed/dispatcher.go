// Package changefeed pushes document-change notifications to live subscribers.
package changefeed

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 16

// Change describes a new version of the document stored at Path.
type Change struct {
	Path      string
	Data      []byte
	Timestamp time.Time
}

// Dispatcher fans out changes to the subscribers of each document path.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	// watchers tracks the goroutines tying subscriptions to their contexts.
	watchers sync.WaitGroup
}

type subscriber struct {
	id     int64
	stream chan Change
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.stream)
		close(s.done)
	})
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a listener for path. The stream is closed when ctx is done
// or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, path string) (<-chan Change, func()) {
	if path == "" {
		ch := make(chan Change)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Change, d.bufferSize),
		done:   make(chan struct{}),
	}
	d.register(path, sub)
	cleanup := func() {
		d.unregister(path, sub.id)
	}
	d.watchers.Add(1)
	go func() {
		defer d.watchers.Done()
		select {
		case <-ctx.Done():
			cleanup()
		case <-sub.done:
		}
	}()
	return sub.stream, cleanup
}

// Publish delivers change to every subscriber of change.Path. Slow subscribers
// with a full buffer miss the change.
func (d *Dispatcher) Publish(change Change) {
	if change.Path == "" {
		return
	}
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers[change.Path] {
		select {
		case sub.stream <- change:
		default:
		}
	}
}

// SubscriberCount returns the number of live subscribers for path.
func (d *Dispatcher) SubscriberCount(path string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[path])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(path string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[path]; !ok {
		d.subscribers[path] = make(map[int64]*subscriber)
	}
	d.subscribers[path][sub.id] = sub
}

func (d *Dispatcher) unregister(path string, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.subscribers[path]
	if subs == nil {
		return
	}
	if sub, ok := subs[id]; ok {
		sub.close()
		delete(subs, id)
	}
	if len(subs) == 0 {
		delete(d.subscribers, path)
	}
}
