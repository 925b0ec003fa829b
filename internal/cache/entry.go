package cache

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Entry is one cached document.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	ExpiresIn time.Duration   `json:"expiresIn"`
	Version   string          `json:"version"`
	Hash      string          `json:"hash"`
}

// Fresh reports whether the entry may be served at now for the given app version.
func (e Entry) Fresh(now time.Time, version string) bool {
	if e.Version != version {
		return false
	}
	return !now.After(e.Timestamp.Add(e.ExpiresIn))
}

func newEntry(data []byte, now time.Time, expiresIn time.Duration, version string) Entry {
	copied := make([]byte, len(data))
	copy(copied, data)
	return Entry{
		Data:      copied,
		Timestamp: now,
		ExpiresIn: expiresIn,
		Version:   version,
		Hash:      ContentHash(copied),
	}
}

// ContentHash fingerprints a payload for change detection.
func ContentHash(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// Pattern selects cache keys for invalidation.
type Pattern interface {
	Match(key string) bool
}

type prefixPattern string

func (p prefixPattern) Match(key string) bool {
	return strings.HasPrefix(key, string(p))
}

// Prefix matches keys starting with prefix.
func Prefix(prefix string) Pattern {
	return prefixPattern(prefix)
}

type exactPattern string

func (p exactPattern) Match(key string) bool {
	return key == string(p)
}

// Exact matches a single key.
func Exact(key string) Pattern {
	return exactPattern(key)
}

type regexpPattern struct {
	re *regexp.Regexp
}

func (p regexpPattern) Match(key string) bool {
	return p.re.MatchString(key)
}

// Regexp matches keys against re.
func Regexp(re *regexp.Regexp) Pattern {
	return regexpPattern{re: re}
}

// keyedMutex serializes work per key while leaving other keys parallel.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &refLock{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// fetchGenerations counts writes per key while a fetch of that key is in
// flight. Keys without a pending fetch are not tracked.
type fetchGenerations struct {
	mu    sync.Mutex
	state map[string]*fetchState
}

type fetchState struct {
	generation uint64
	pending    int
}

func newFetchGenerations() *fetchGenerations {
	return &fetchGenerations{state: make(map[string]*fetchState)}
}

// begin registers a fetch of key and returns the generation it started at.
func (g *fetchGenerations) begin(key string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.state[key]
	if !ok {
		state = &fetchState{}
		g.state[key] = state
	}
	state.pending++
	return state.generation
}

func (g *fetchGenerations) end(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.state[key]
	if !ok {
		return
	}
	state.pending--
	if state.pending <= 0 {
		delete(g.state, key)
	}
}

func (g *fetchGenerations) bump(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if state, ok := g.state[key]; ok {
		state.generation++
	}
}

func (g *fetchGenerations) current(key string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if state, ok := g.state[key]; ok {
		return state.generation
	}
	return 0
}

func (g *fetchGenerations) keys(match func(string) bool) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var keys []string
	for key := range g.state {
		if match(key) {
			keys = append(keys, key)
		}
	}
	return keys
}
