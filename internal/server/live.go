package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/melowod/internal/cache"
	"go.uber.org/zap"
)

const liveBufferSize = 8

// liveDocuments fans one cache subscription per document path out to every
// event stream open on that path. The cache keeps at most one subscription per
// key, so streams never subscribe on their own.
type liveDocuments struct {
	cache  *cache.Cache
	logger *zap.Logger

	mu     sync.Mutex
	feeds  map[string]*liveFeed
	nextID uint64
}

type liveFeed struct {
	subscription *cache.Subscription
	listeners    map[uint64]chan []byte
}

func newLiveDocuments(documents *cache.Cache, logger *zap.Logger) *liveDocuments {
	return &liveDocuments{cache: documents, logger: logger, feeds: make(map[string]*liveFeed)}
}

// listen returns a stream of pushed versions of path. The stream is closed when
// the underlying subscription ends, for example after the path is invalidated.
// release must be called once the caller stops reading.
func (l *liveDocuments) listen(path string) (<-chan []byte, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	feed, ok := l.feeds[path]
	if !ok {
		feed = &liveFeed{listeners: make(map[uint64]chan []byte)}
		subscription, err := l.cache.Subscribe(context.Background(), path, func(entry cache.Entry) {
			l.broadcast(path, feed, entry.Data)
		})
		if err != nil {
			return nil, nil, err
		}
		feed.subscription = subscription
		l.feeds[path] = feed
		go l.watch(path, feed)
	}

	l.nextID++
	id := l.nextID
	stream := make(chan []byte, liveBufferSize)
	feed.listeners[id] = stream

	var once sync.Once
	release := func() {
		once.Do(func() { l.release(path, feed, id) })
	}
	return stream, release, nil
}

// listeners reports how many streams are open on path.
func (l *liveDocuments) listeners(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if feed, ok := l.feeds[path]; ok {
		return len(feed.listeners)
	}
	return 0
}

func (l *liveDocuments) broadcast(path string, feed *liveFeed, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, stream := range feed.listeners {
		select {
		case stream <- data:
		default:
			l.logger.Debug("live stream lagging, change dropped",
				zap.String("path", path),
				zap.Uint64("listener", id))
		}
	}
}

func (l *liveDocuments) release(path string, feed *liveFeed, id uint64) {
	l.mu.Lock()
	stream, ok := feed.listeners[id]
	if ok {
		delete(feed.listeners, id)
		close(stream)
	}
	last := len(feed.listeners) == 0 && l.feeds[path] == feed
	if last {
		delete(l.feeds, path)
	}
	l.mu.Unlock()

	if last {
		feed.subscription.Unsubscribe()
	}
}

// watch closes every listener once the cache subscription ends on its own.
func (l *liveDocuments) watch(path string, feed *liveFeed) {
	<-feed.subscription.Done()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.feeds[path] == feed {
		delete(l.feeds, path)
	}
	for id, stream := range feed.listeners {
		delete(feed.listeners, id)
		close(stream)
	}
}
