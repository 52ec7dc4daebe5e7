package provider

import (
	"context"

	"github.com/interopx/dsagent/internal/event"
	"github.com/interopx/dsagent/internal/query"
	"github.com/interopx/dsagent/internal/storage"
)

// InterceptProvider decorates the store's mutating operations: after the
// underlying call resolves it classifies the call and synthesizes the same
// change event the feed strategy would have produced. It only observes
// mutations made through this adapter instance.
type InterceptProvider struct {
	base
}

// NewInterceptProvider creates an interception-strategy adapter. The
// adapter is unusable until EnsureReady completes.
func NewInterceptProvider(opts Options) *InterceptProvider {
	return &InterceptProvider{base: newBase(opts)}
}

// EnsureReady connects to the shared store and registers with the
// dispatcher.
func (p *InterceptProvider) EnsureReady(_ context.Context) error {
	return p.connect()
}

// Close releases the shared connection.
func (p *InterceptProvider) Close() error {
	return p.release()
}

// Create inserts doc and emits one insert event.
func (p *InterceptProvider) Create(doc storage.Document) (storage.Document, error) {
	s, err := p.readyStore()
	if err != nil {
		return nil, err
	}
	stored, err := s.Insert(p.source, doc)
	if err != nil {
		return nil, err
	}
	p.dispatch(event.Change{
		Source:       p.source,
		Type:         event.TypeInsert,
		DocumentKey:  stored.ID(),
		FullDocument: stored,
	})
	return stored, nil
}

// CreateMany inserts the batch, fanning out one insert event per document.
func (p *InterceptProvider) CreateMany(docs []storage.Document) ([]storage.Document, error) {
	s, err := p.readyStore()
	if err != nil {
		return nil, err
	}
	stored, err := s.InsertMany(p.source, docs)
	for _, d := range stored {
		p.dispatch(event.Change{
			Source:       p.source,
			Type:         event.TypeInsert,
			DocumentKey:  d.ID(),
			FullDocument: d,
		})
	}
	return stored, err
}

// Update patches every matching document, emitting one update event per
// touched document carrying the patch as its update description.
func (p *InterceptProvider) Update(crit query.Criteria, patch storage.Document) (bool, error) {
	s, err := p.readyStore()
	if err != nil {
		return false, err
	}
	ids, err := s.Update(p.source, crit, patch)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		p.dispatch(event.Change{
			Source:            p.source,
			Type:              event.TypeUpdate,
			DocumentKey:       id,
			UpdateDescription: &event.UpdateDescription{UpdatedFields: patch},
		})
	}
	return len(ids) > 0, nil
}

// Delete removes the document and emits a delete event when something was
// actually removed.
func (p *InterceptProvider) Delete(id string) (bool, error) {
	s, err := p.readyStore()
	if err != nil {
		return false, err
	}
	ok, err := s.Delete(p.source, id)
	if err != nil {
		return false, err
	}
	if ok {
		p.dispatch(event.Change{
			Source:      p.source,
			Type:        event.TypeDelete,
			DocumentKey: id,
		})
	}
	return ok, nil
}

// FindOneAndUpdate patches the first matching document, emitting an update
// event with the resulting document and the patch as update description.
func (p *InterceptProvider) FindOneAndUpdate(crit query.Criteria, patch storage.Document) (storage.Document, error) {
	s, err := p.readyStore()
	if err != nil {
		return nil, err
	}
	doc, err := s.FindOneAndUpdate(p.source, crit, patch)
	if err != nil {
		return nil, err
	}
	p.dispatchUpdated(doc, patch)
	return doc, nil
}

// FindOneAndPush appends to array fields of the first matching document.
func (p *InterceptProvider) FindOneAndPush(crit query.Criteria, push storage.Document) (storage.Document, error) {
	s, err := p.readyStore()
	if err != nil {
		return nil, err
	}
	doc, err := s.FindOneAndPush(p.source, crit, push)
	if err != nil {
		return nil, err
	}
	p.dispatchUpdated(doc, push)
	return doc, nil
}

// FindOneAndPull removes from array fields of the first matching document.
func (p *InterceptProvider) FindOneAndPull(crit query.Criteria, pull storage.Document) (storage.Document, error) {
	s, err := p.readyStore()
	if err != nil {
		return nil, err
	}
	doc, err := s.FindOneAndPull(p.source, crit, pull)
	if err != nil {
		return nil, err
	}
	p.dispatchUpdated(doc, pull)
	return doc, nil
}

func (p *InterceptProvider) dispatchUpdated(doc storage.Document, patch storage.Document) {
	p.dispatch(event.Change{
		Source:            p.source,
		Type:              event.TypeUpdate,
		DocumentKey:       doc.ID(),
		FullDocument:      doc,
		UpdateDescription: &event.UpdateDescription{UpdatedFields: patch},
	})
}
