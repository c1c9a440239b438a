// Package store owns persisted Message/Enrichment state. No component
// outside it mutates a message directly; every write funnels through the
// Feed wrapper's per-user serialization so concurrent writers cannot
// interleave into an inconsistent ranked order.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/pulsefeed/internal/feed"
)

// ErrNotFound signals a targeted mutation on a message that does not exist;
// mutations are never silent no-ops.
var ErrNotFound = errors.New("message not found")

// FeedQuery filters and pages a ranked-feed read.
type FeedQuery struct {
	Limit    int
	Offset   int
	Platform string
	Label    feed.PriorityLabel
}

// Backend is one storage engine. Implementations are registered by DSN
// scheme; sqlite is the default, postgres the alternative.
type Backend interface {
	// UpsertMessage is idempotent on the identity key: an existing row has
	// its enrichment replaced atomically and content fields merged, never
	// duplicated. Reports whether a new row was created.
	UpsertMessage(ctx context.Context, msg feed.Message, enr feed.Enrichment) (created bool, err error)
	HasMessage(ctx context.Context, id feed.Identity) (bool, error)
	GetMessage(ctx context.Context, userID, messageID string) (feed.Entry, error)

	// RankedFeed returns non-done, non-snoozed messages ordered by score
	// descending, ties broken by receipt time descending.
	RankedFeed(ctx context.Context, userID string, q FeedQuery) (entries []feed.Entry, hasMore bool, err error)
	Thread(ctx context.Context, userID, threadID string) ([]feed.Entry, error)
	ThreadStats(ctx context.Context, userID, threadID string, recentSince time.Time) (feed.ThreadStats, error)

	SetRead(ctx context.Context, userID, messageID string, read bool) error
	SetDone(ctx context.Context, userID, messageID string, done bool) error
	SetSnooze(ctx context.Context, userID, messageID string, until *time.Time) error
	// UpdateScore replaces only the score, label and computedAt of the
	// current enrichment.
	UpdateScore(ctx context.Context, userID, messageID string, enr feed.Enrichment) error

	DueSnoozes(ctx context.Context, now time.Time, limit int) ([]feed.Entry, error)
	DecayCandidates(ctx context.Context, olderThan time.Time, minScore float64, limit int) ([]feed.Entry, error)

	GetContact(ctx context.Context, userID, senderID string) (feed.SenderContext, bool, error)
	UpsertContact(ctx context.Context, sc feed.SenderContext) error

	GetCursor(ctx context.Context, userID, platform string) (feed.SyncCursor, error)
	SetCursor(ctx context.Context, cursor feed.SyncCursor) error

	Close() error
}

// BackendFactory builds a Backend from a DSN.
type BackendFactory func(dsn string) (Backend, error)

var backendRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

func RegisterBackend(scheme string, factory BackendFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	backendRegistry.mu.Lock()
	defer backendRegistry.mu.Unlock()
	backendRegistry.factories[scheme] = factory
}

// Open selects the backend by DSN scheme. A bare path opens sqlite.
func Open(dsn string) (Backend, error) {
	scheme := "sqlite"
	if i := strings.Index(dsn, "://"); i >= 0 {
		scheme = strings.ToLower(dsn[:i])
	}

	backendRegistry.mu.RLock()
	factory, ok := backendRegistry.factories[scheme]
	backendRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported store scheme %q", scheme)
	}
	return factory(dsn)
}

// KeyedMutex serializes work per string key. Entries are never evicted; the
// key space is bounded by active users and senders.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock func.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
