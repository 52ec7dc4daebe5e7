// Package provider implements the capture adapters binding one configured
// source to its document store. An adapter exposes document CRUD and emits
// a change event for every mutation, through one of two interchangeable
// strategies: interception (wrap each mutating call) or feed subscription
// (tail the store's native change log).
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/interopx/dsagent/internal/event"
	"github.com/interopx/dsagent/internal/query"
	"github.com/interopx/dsagent/internal/storage"
)

// Strategy selects the concrete capture-adapter type instantiated for
// every configured source.
type Strategy string

const (
	StrategyIntercept Strategy = "intercept"
	StrategyFeed      Strategy = "feed"
)

// ErrUnknownStrategy is a fatal configuration error.
var ErrUnknownStrategy = errors.New("unknown capture strategy")

// ErrNotReady is returned when an adapter operation runs before
// EnsureReady completed.
var ErrNotReady = errors.New("provider not ready")

var (
	strategyMu sync.RWMutex
	active     = StrategyIntercept
)

// UseStrategy registers the process-wide capture strategy. The default is
// interception.
func UseStrategy(s Strategy) error {
	switch s {
	case StrategyIntercept, StrategyFeed:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
	strategyMu.Lock()
	active = s
	strategyMu.Unlock()
	return nil
}

// ActiveStrategy returns the registered capture strategy.
func ActiveStrategy() Strategy {
	strategyMu.RLock()
	defer strategyMu.RUnlock()
	return active
}

// DataProvider is the capability set of a capture adapter. EnsureReady
// must complete before any other call; callers await it once at startup.
type DataProvider interface {
	Source() string
	EnsureReady(ctx context.Context) error
	Events() *event.Bus
	Close() error

	Find(crit query.Criteria) ([]storage.Document, error)
	FindOne(crit query.Criteria) (storage.Document, error)
	FindAll() ([]storage.Document, error)
	Create(doc storage.Document) (storage.Document, error)
	CreateMany(docs []storage.Document) ([]storage.Document, error)
	Update(crit query.Criteria, patch storage.Document) (bool, error)
	Delete(id string) (bool, error)
	FindOneAndUpdate(crit query.Criteria, patch storage.Document) (storage.Document, error)
	FindOneAndPush(crit query.Criteria, push storage.Document) (storage.Document, error)
	FindOneAndPull(crit query.Criteria, pull storage.Document) (storage.Document, error)
}

// Options configures an adapter instance.
type Options struct {
	Source     string
	URL        string
	DBName     string
	Dispatcher *event.Dispatcher

	// PollInterval tunes the feed tailer; <= 0 uses 250ms.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// New instantiates an adapter of the registered strategy type.
func New(opts Options) (DataProvider, error) {
	switch ActiveStrategy() {
	case StrategyIntercept:
		return NewInterceptProvider(opts), nil
	case StrategyFeed:
		return NewFeedProvider(opts), nil
	default:
		return nil, ErrUnknownStrategy
	}
}

// base carries the connection handling and read-path operations shared by
// both strategies. Read operations pass straight through to the store;
// they must never force evaluation or wrap results.
type base struct {
	source     string
	url        string
	dbName     string
	dispatcher *event.Dispatcher
	bus        *event.Bus
	logger     *slog.Logger

	mu    sync.Mutex
	store *storage.Store
	ready bool
}

func newBase(opts Options) base {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return base{
		source:     opts.Source,
		url:        opts.URL,
		dbName:     opts.DBName,
		dispatcher: opts.Dispatcher,
		bus:        event.NewBus(),
		logger:     logger,
	}
}

func (b *base) Source() string     { return b.source }
func (b *base) Events() *event.Bus { return b.bus }

// connect acquires the shared store connection and registers this
// adapter's bus with the dispatcher. Idempotent.
func (b *base) connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return nil
	}
	store, err := storage.Acquire(b.url, b.dbName)
	if err != nil {
		return err
	}
	b.store = store
	if b.dispatcher != nil {
		b.dispatcher.Register(b.source, b.bus)
	}
	b.ready = true
	return nil
}

func (b *base) release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return nil
	}
	if b.dispatcher != nil {
		b.dispatcher.Unregister(b.source, b.bus)
	}
	b.ready = false
	b.store = nil
	return storage.Release(b.url, b.dbName)
}

func (b *base) readyStore() (*storage.Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return nil, fmt.Errorf("%s: %w", b.source, ErrNotReady)
	}
	return b.store, nil
}

func (b *base) Find(crit query.Criteria) ([]storage.Document, error) {
	s, err := b.readyStore()
	if err != nil {
		return nil, err
	}
	return s.Find(b.source, crit)
}

func (b *base) FindOne(crit query.Criteria) (storage.Document, error) {
	s, err := b.readyStore()
	if err != nil {
		return nil, err
	}
	return s.FindOne(b.source, crit)
}

func (b *base) FindAll() ([]storage.Document, error) {
	s, err := b.readyStore()
	if err != nil {
		return nil, err
	}
	return s.FindAll(b.source)
}

// dispatch hands a change event to the process-wide dispatcher, which
// routes it back to every bus registered for this source.
func (b *base) dispatch(ch event.Change) {
	if b.dispatcher == nil {
		b.bus.Publish(context.Background(), ch)
		return
	}
	b.dispatcher.Dispatch(context.Background(), ch)
}
