// Package cache keeps TTL-bound copies of store documents in a bounded memory tier
// backed by a badger persistent tier, with pattern invalidation and live subscriptions.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/melowod/internal/changefeed"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultMemoryEntries = 1024
	defaultTTL           = 5 * time.Minute
	defaultVersion       = "1.0.0"
)

var (
	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("cache: closed")
	// ErrNoWatcher is returned by Subscribe when no change source is configured.
	ErrNoWatcher = errors.New("cache: live subscriptions require a watcher")
	noOpLogger   = zap.NewNop()
)

// FetchError reports that the underlying store read failed. Stale entries are
// never served in its place.
type FetchError struct {
	Key string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("cache: fetch %s: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fetcher reads the authoritative document for a key.
type Fetcher func(ctx context.Context) ([]byte, error)

// Watcher pushes document changes. *changefeed.Dispatcher satisfies it.
type Watcher interface {
	Subscribe(ctx context.Context, path string) (<-chan changefeed.Change, func())
}

// GetOptions tunes a single read.
type GetOptions struct {
	ExpiresIn       time.Duration
	ForceFetch      bool
	SkipPersistence bool
}

// SetOptions tunes a single write.
type SetOptions struct {
	ExpiresIn       time.Duration
	SkipPersistence bool
}

// Config wires a Cache.
type Config struct {
	// Path of the badger directory; empty keeps the persistent tier in memory.
	Path          string
	MemoryEntries int
	DefaultTTL    time.Duration
	Version       string
	Watcher       Watcher
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Cache is safe for concurrent use.
type Cache struct {
	memory     *lru.Cache[string, Entry]
	persistent *persistentTier
	watcher    Watcher
	defaultTTL time.Duration
	version    string
	clock      func() time.Time
	logger     *zap.Logger

	fetches    singleflight.Group
	writeLocks *keyedMutex
	inflight   *fetchGenerations

	subMu         sync.Mutex
	subscriptions map[string]*Subscription
	nextSubID     uint64

	closed atomic.Bool
}

// Subscription is a live listener registered by Subscribe.
type Subscription struct {
	id      uint64
	cancel  context.CancelFunc
	stopped atomic.Bool
	done    chan struct{}
	release func()
}

func (s *Subscription) stop() {
	s.stopped.Store(true)
	s.cancel()
}

// Done is closed once the subscription has ended, whether it was unsubscribed,
// replaced, invalidated or its context was cancelled.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Unsubscribe tears the subscription down; no callback starts after it returns.
func (s *Subscription) Unsubscribe() {
	s.release()
}

// Open builds the cache and purges persistent entries that are expired or
// belong to another app version.
func Open(cfg Config) (*Cache, error) {
	entries := cfg.MemoryEntries
	if entries <= 0 {
		entries = defaultMemoryEntries
	}
	memory, err := lru.New[string, Entry](entries)
	if err != nil {
		return nil, err
	}
	persistent, err := openPersistentTier(cfg.Path)
	if err != nil {
		return nil, err
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	version := cfg.Version
	if version == "" {
		version = defaultVersion
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	c := &Cache{
		memory:        memory,
		persistent:    persistent,
		watcher:       cfg.Watcher,
		defaultTTL:    ttl,
		version:       version,
		clock:         clock,
		logger:        logger,
		writeLocks:    newKeyedMutex(),
		inflight:      newFetchGenerations(),
		subscriptions: make(map[string]*Subscription),
	}

	purged, err := persistent.purgeStale(c.clock(), c.version)
	if err != nil {
		logger.Warn("cache purge failed", zap.Error(err))
	} else if purged > 0 {
		logger.Info("cache purged stale entries", zap.Int("count", purged))
	}
	return c, nil
}

// Close cancels subscriptions and closes the persistent tier.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancelSubscriptions(func(string) bool { return true })
	return c.persistent.close()
}

// Shutdown satisfies the composition root's shutdown hook.
func (c *Cache) Shutdown() error {
	return c.Close()
}

// Get returns the fresh entry for key or fetches, stores and returns a new one.
// Concurrent misses for one key share a single fetch.
func (c *Cache) Get(ctx context.Context, key string, fetch Fetcher, opts GetOptions) (Entry, error) {
	if c.closed.Load() {
		return Entry{}, ErrClosed
	}
	if !opts.ForceFetch {
		if entry, ok := c.lookup(key, !opts.SkipPersistence); ok {
			return entry, nil
		}
	}

	value, err, _ := c.fetches.Do(key, func() (any, error) {
		generation := c.inflight.begin(key)
		defer c.inflight.end(key)
		data, err := fetch(ctx)
		if err != nil {
			return nil, &FetchError{Key: key, Err: err}
		}
		entry, err := c.storeFetched(key, generation, data, opts.ExpiresIn, !opts.SkipPersistence)
		if err != nil {
			return nil, err
		}
		return entry, nil
	})
	if err != nil {
		c.logger.Debug("cache fetch failed", zap.String("key", key), zap.Error(err))
		return Entry{}, err
	}
	return value.(Entry), nil
}

// Set overwrites both tiers with value stamped at the current time. value must be JSON.
func (c *Cache) Set(ctx context.Context, key string, value []byte, opts SetOptions) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.store(key, value, opts.ExpiresIn, !opts.SkipPersistence)
	return err
}

// Peek returns the memory-tier entry for key without freshness checks.
func (c *Cache) Peek(key string) (Entry, bool) {
	return c.memory.Peek(key)
}

// Invalidate removes every matching key from both tiers and cancels their
// live subscriptions. It returns the number of distinct keys removed.
func (c *Cache) Invalidate(ctx context.Context, pattern Pattern) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.supersedeFetches(pattern.Match)
	removed := make(map[string]struct{})
	for _, key := range c.memory.Keys() {
		if pattern.Match(key) {
			c.memory.Remove(key)
			removed[key] = struct{}{}
		}
	}
	persisted, err := c.persistent.deleteMatching(pattern)
	if err != nil {
		return len(removed), fmt.Errorf("cache: invalidate persistent tier: %w", err)
	}
	for _, key := range persisted {
		removed[key] = struct{}{}
	}
	c.cancelSubscriptions(pattern.Match)
	return len(removed), nil
}

// Clear drops every entry and subscription.
func (c *Cache) Clear(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.supersedeFetches(func(string) bool { return true })
	c.memory.Purge()
	c.cancelSubscriptions(func(string) bool { return true })
	return c.persistent.clear()
}

// Subscribe listens for pushed changes of key. Each push refreshes both tiers and
// then invokes onChange. A previous subscription for key is torn down first.
func (c *Cache) Subscribe(ctx context.Context, key string, onChange func(Entry)) (*Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.watcher == nil {
		return nil, ErrNoWatcher
	}

	subCtx, cancel := context.WithCancel(ctx)
	c.subMu.Lock()
	if previous, ok := c.subscriptions[key]; ok {
		previous.stop()
	}
	c.nextSubID++
	sub := &Subscription{id: c.nextSubID, cancel: cancel, done: make(chan struct{})}
	sub.release = func() { c.removeSubscription(key, sub) }
	c.subscriptions[key] = sub
	c.subMu.Unlock()

	stream, cleanup := c.watcher.Subscribe(subCtx, key)
	go func() {
		defer close(sub.done)
		defer c.removeSubscription(key, sub)
		defer cleanup()
		for {
			select {
			case <-subCtx.Done():
				return
			case change, ok := <-stream:
				if !ok {
					return
				}
				if sub.stopped.Load() {
					return
				}
				entry, err := c.store(key, change.Data, 0, true)
				if err != nil {
					c.logger.Warn("cache subscription write failed", zap.String("key", key), zap.Error(err))
					continue
				}
				if sub.stopped.Load() {
					return
				}
				if onChange != nil {
					onChange(entry)
				}
			}
		}
	}()

	return sub, nil
}

// SubscriptionCount reports the number of keys with a live subscription.
func (c *Cache) SubscriptionCount() int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subscriptions)
}

func (c *Cache) lookup(key string, persistent bool) (Entry, bool) {
	now := c.clock()
	if entry, ok := c.memory.Get(key); ok {
		if entry.Fresh(now, c.version) {
			return entry, true
		}
		c.memory.Remove(key)
	}
	if !persistent {
		return Entry{}, false
	}
	entry, ok, err := c.persistent.get(key)
	if err != nil {
		c.logger.Warn("cache persistent read failed", zap.String("key", key), zap.Error(err))
		return Entry{}, false
	}
	if !ok || !entry.Fresh(now, c.version) {
		return Entry{}, false
	}
	c.memory.Add(key, entry)
	return entry, true
}

// store writes both tiers and supersedes any fetch of key still in flight.
// Writes for the same key are serialized so a pending persistent write
// completes before the next begins.
func (c *Cache) store(key string, data []byte, expiresIn time.Duration, persistent bool) (Entry, error) {
	unlock := c.writeLocks.lock(key)
	defer unlock()
	c.inflight.bump(key)
	return c.write(key, data, expiresIn, persistent)
}

// storeFetched writes a fetched document unless a Set, push or invalidation of
// key landed after the fetch began. A superseded result is returned to the
// caller but never cached; the newer entry is served instead when one is fresh.
func (c *Cache) storeFetched(key string, generation uint64, data []byte, expiresIn time.Duration, persistent bool) (Entry, error) {
	unlock := c.writeLocks.lock(key)
	defer unlock()
	if c.inflight.current(key) != generation {
		c.logger.Debug("cache dropped superseded fetch", zap.String("key", key))
		if entry, ok := c.lookup(key, persistent); ok {
			return entry, nil
		}
		return newEntry(data, c.clock(), c.ttl(expiresIn), c.version), nil
	}
	return c.write(key, data, expiresIn, persistent)
}

// supersedeFetches marks every in-flight fetch whose key matches as stale. Each
// bump takes the key's write lock so a fetch already past its check finishes
// writing before the caller removes entries.
func (c *Cache) supersedeFetches(match func(string) bool) {
	for _, key := range c.inflight.keys(match) {
		unlock := c.writeLocks.lock(key)
		c.inflight.bump(key)
		unlock()
	}
}

func (c *Cache) ttl(expiresIn time.Duration) time.Duration {
	if expiresIn <= 0 {
		return c.defaultTTL
	}
	return expiresIn
}

// write requires the key's write lock.
func (c *Cache) write(key string, data []byte, expiresIn time.Duration, persistent bool) (Entry, error) {
	entry := newEntry(data, c.clock(), c.ttl(expiresIn), c.version)
	c.memory.Add(key, entry)
	if !persistent {
		return entry, nil
	}
	if err := c.persistent.put(key, entry); err != nil {
		return Entry{}, fmt.Errorf("cache: persist %s: %w", key, err)
	}
	return entry, nil
}

func (c *Cache) cancelSubscriptions(match func(string) bool) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for key, sub := range c.subscriptions {
		if match(key) {
			sub.stop()
			delete(c.subscriptions, key)
		}
	}
}

func (c *Cache) removeSubscription(key string, sub *Subscription) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	sub.stop()
	if current, ok := c.subscriptions[key]; ok && current.id == sub.id {
		delete(c.subscriptions, key)
	}
}

// GetJSON decodes a cached document into T, fetching and encoding it on a miss.
func GetJSON[T any](ctx context.Context, c *Cache, key string, fetch func(ctx context.Context) (T, error), opts GetOptions) (T, error) {
	var zero T
	entry, err := c.Get(ctx, key, func(ctx context.Context) ([]byte, error) {
		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(value)
	}, opts)
	if err != nil {
		return zero, err
	}
	var value T
	if err := json.Unmarshal(entry.Data, &value); err != nil {
		return zero, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return value, nil
}
