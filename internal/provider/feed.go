package provider

import (
	"context"
	"sync"
	"time"

	"github.com/interopx/dsagent/internal/event"
	"github.com/interopx/dsagent/internal/query"
	"github.com/interopx/dsagent/internal/storage"
)

const defaultPollInterval = 250 * time.Millisecond

// FeedProvider subscribes to the store's native change feed: EnsureReady
// installs the change-log triggers and starts a tailer that translates
// feed records 1:1 into change events. Unlike interception, this observes
// mutations made by any process sharing the database.
type FeedProvider struct {
	base

	poll time.Duration

	tailMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	cursor int64
}

// NewFeedProvider creates a feed-subscription adapter. The adapter is
// unusable until EnsureReady completes.
func NewFeedProvider(opts Options) *FeedProvider {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &FeedProvider{base: newBase(opts), poll: poll}
}

// EnsureReady connects to the shared store, enables its change log, and
// starts the single long-lived tailer for this adapter instance. Events
// older than readiness time are not replayed.
func (p *FeedProvider) EnsureReady(ctx context.Context) error {
	if err := p.connect(); err != nil {
		return err
	}

	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	if p.cancel != nil {
		return nil
	}

	s, err := p.readyStore()
	if err != nil {
		return err
	}
	if err := s.EnableChangeLog(); err != nil {
		return err
	}
	head, err := s.LastChangeSeq()
	if err != nil {
		return err
	}
	p.cursor = head

	tailCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.tail(tailCtx)
	return nil
}

// Close stops the tailer and releases the shared connection.
func (p *FeedProvider) Close() error {
	p.tailMu.Lock()
	if p.cancel != nil {
		p.cancel()
		<-p.done
		p.cancel = nil
	}
	p.tailMu.Unlock()
	return p.release()
}

// tail polls the change log until cancelled, translating rows belonging to
// this adapter's source into change events.
func (p *FeedProvider) tail(ctx context.Context) {
	defer close(p.done)
	for {
		if ctx.Err() != nil {
			return
		}
		progressed, err := p.tailOnce()
		if err != nil {
			p.logger.Error("change feed read failed", "source", p.source, "error", err)
		}
		if progressed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.poll):
		}
	}
}

func (p *FeedProvider) tailOnce() (bool, error) {
	s, err := p.readyStore()
	if err != nil {
		return false, err
	}
	recs, err := s.ChangesSince(p.cursor, 100)
	if err != nil {
		return false, err
	}
	for _, rec := range recs {
		p.cursor = rec.Seq
		if rec.Source != p.source {
			continue
		}
		p.dispatch(translate(rec))
	}
	return len(recs) > 0, nil
}

// translate maps one change-log record to the normalized event shape.
func translate(rec storage.ChangeRecord) event.Change {
	ch := event.Change{
		Source:      rec.Source,
		DocumentKey: rec.DocID,
	}
	switch rec.Op {
	case storage.OpInsert:
		ch.Type = event.TypeInsert
		ch.FullDocument = rec.NewDoc
	case storage.OpUpdate:
		ch.Type = event.TypeUpdate
		ch.FullDocument = rec.NewDoc
		updated, removed := rec.UpdatedFields()
		ch.UpdateDescription = &event.UpdateDescription{
			UpdatedFields: updated,
			RemovedFields: removed,
		}
	case storage.OpDelete:
		ch.Type = event.TypeDelete
	}
	return ch
}

// Mutating operations pass through to the store untouched; the feed
// triggers record them and the tailer emits the events.

func (p *FeedProvider) Create(doc storage.Document) (storage.Document, error) {
	s, err := p.readyStore()
	if err != nil {
		return nil, err
	}
	return s.Insert(p.source, doc)
}

func (p *FeedProvider) CreateMany(docs []storage.Document) ([]storage.Document, error) {
	s, err := p.readyStore()
	if err != nil {
		return nil, err
	}
	return s.InsertMany(p.source, docs)
}

func (p *FeedProvider) Update(crit query.Criteria, patch storage.Document) (bool, error) {
	s, err := p.readyStore()
	if err != nil {
		return false, err
	}
	ids, err := s.Update(p.source, crit, patch)
	return len(ids) > 0, err
}

func (p *FeedProvider) Delete(id string) (bool, error) {
	s, err := p.readyStore()
	if err != nil {
		return false, err
	}
	return s.Delete(p.source, id)
}

func (p *FeedProvider) FindOneAndUpdate(crit query.Criteria, patch storage.Document) (storage.Document, error) {
	s, err := p.readyStore()
	if err != nil {
		return nil, err
	}
	return s.FindOneAndUpdate(p.source, crit, patch)
}

func (p *FeedProvider) FindOneAndPush(crit query.Criteria, push storage.Document) (storage.Document, error) {
	s, err := p.readyStore()
	if err != nil {
		return nil, err
	}
	return s.FindOneAndPush(p.source, crit, push)
}

func (p *FeedProvider) FindOneAndPull(crit query.Criteria, pull storage.Document) (storage.Document, error) {
	s, err := p.readyStore()
	if err != nil {
		return nil, err
	}
	return s.FindOneAndPull(p.source, crit, pull)
}

var _ DataProvider = (*FeedProvider)(nil)
var _ DataProvider = (*InterceptProvider)(nil)
