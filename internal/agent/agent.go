// Package agent implements the reactive agents that keep participant
// profiles synchronized with mutations in the configured document sources.
// The base Agent owns the capture adapters and the generic profile CRUD;
// the contract and consent agents add source-specific event handling.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/interopx/dsagent/internal/config"
	"github.com/interopx/dsagent/internal/event"
	"github.com/interopx/dsagent/internal/profile"
	"github.com/interopx/dsagent/internal/provider"
	"github.com/interopx/dsagent/internal/query"
)

// Handlers receives the three change-event streams of every watched
// provider. Implemented by the concrete agents.
type Handlers interface {
	HandleInsert(ctx context.Context, ch event.Change)
	HandleUpdate(ctx context.Context, ch event.Change)
	HandleDelete(ctx context.Context, ch event.Change)
}

// Binding pairs a configured source with its capture adapter.
type Binding struct {
	Source       string
	Provider     provider.DataProvider
	WatchChanges bool
}

// Agent owns a set of named capture adapters and the generic profile
// operations built on top of the one hosting the profiles source.
type Agent struct {
	cfg        *config.Config
	dispatcher *event.Dispatcher
	logger     *slog.Logger

	mu             sync.RWMutex
	bindings       []*Binding
	bySource       map[string]*Binding
	profilesSource string
}

// NewAgent constructs an agent from the configuration document at the
// fixed config path. The path must have been set before the first agent
// is constructed; its absence is fatal.
func NewAgent(dispatcher *event.Dispatcher, logger *slog.Logger) (*Agent, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, &Error{Code: CodeConfiguration, Message: "loading agent configuration", Err: err}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if dispatcher == nil {
		dispatcher = event.NewDispatcher()
	}

	profilesSource := profile.Source
	if ps, ok := cfg.ProfilesSource(); ok {
		profilesSource = ps.Source
	}

	return &Agent{
		cfg:            cfg,
		dispatcher:     dispatcher,
		logger:         logger,
		bySource:       make(map[string]*Binding),
		profilesSource: profilesSource,
	}, nil
}

// Config returns the loaded configuration document.
func (a *Agent) Config() *config.Config { return a.cfg }

// AddDataProviders registers adapter bindings. An empty list is rejected.
func (a *Agent) AddDataProviders(bindings ...Binding) error {
	if len(bindings) == 0 {
		return &Error{Code: CodeConfiguration, Message: "no data providers given"}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range bindings {
		b := bindings[i]
		a.bindings = append(a.bindings, &b)
		a.bySource[b.Source] = &b
	}
	return nil
}

// DataProvider returns the adapter bound to source.
func (a *Agent) DataProvider(source string) (provider.DataProvider, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.bySource[source]
	if !ok {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("no data provider for source %q", source)}
	}
	return b.Provider, nil
}

// AddDefaultProviders instantiates one adapter per configured source,
// using the registered capture strategy, and awaits readiness. A source
// whose adapter fails to initialize is skipped with a log line, never an
// error: the remaining sources keep working.
func (a *Agent) AddDefaultProviders(ctx context.Context) error {
	type prepared struct {
		binding Binding
		err     error
	}

	results := make([]prepared, len(a.cfg.DataProviderConfig))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, pc := range a.cfg.DataProviderConfig {
		i, pc := i, pc
		g.Go(func() error {
			p, err := provider.New(provider.Options{
				Source:     pc.Source,
				URL:        pc.URL,
				DBName:     pc.DBName,
				Dispatcher: a.dispatcher,
				Logger:     a.logger,
			})
			if err != nil {
				results[i] = prepared{err: err}
				return nil
			}
			if err := p.EnsureReady(gctx); err != nil {
				results[i] = prepared{err: err}
				return nil
			}
			results[i] = prepared{binding: Binding{
				Source:       pc.Source,
				Provider:     p,
				WatchChanges: pc.Watch(),
			}}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var ready []Binding
	for i, r := range results {
		if r.err != nil {
			a.logger.Error("skipping data provider",
				"source", a.cfg.DataProviderConfig[i].Source, "error", r.err)
			continue
		}
		ready = append(ready, r.binding)
	}
	if len(ready) == 0 {
		return &Error{Code: CodeConfiguration, Message: "no data provider initialized"}
	}
	return a.AddDataProviders(ready...)
}

// SetupProviderEventHandlers subscribes h to the three event streams of
// every binding not explicitly excluded from watching.
func (a *Agent) SetupProviderEventHandlers(h Handlers) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, b := range a.bindings {
		if !b.WatchChanges {
			continue
		}
		bus := b.Provider.Events()
		bus.Subscribe(event.TopicDataInserted, a.guarded(h.HandleInsert))
		bus.Subscribe(event.TopicDataUpdated, a.guarded(h.HandleUpdate))
		bus.Subscribe(event.TopicDataDeleted, a.guarded(h.HandleDelete))
	}
}

// guarded keeps a failing handler from ever leaving the subscription: the
// event is skipped, the agent lives on.
func (a *Agent) guarded(h event.Handler) event.Handler {
	return func(ctx context.Context, ch event.Change) {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("event handler failed, skipping event",
					"source", ch.Source, "type", ch.Type, "panic", r)
			}
		}()
		h(ctx, ch)
	}
}

// Bindings returns the registered bindings in registration order.
func (a *Agent) Bindings() []*Binding {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*Binding(nil), a.bindings...)
}

// Close releases every adapter.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, b := range a.bindings {
		if err := b.Provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.bindings = nil
	a.bySource = make(map[string]*Binding)
	return firstErr
}

// --- Generic profile operations ---

// profilesProvider returns the adapter hosting the profiles source.
func (a *Agent) profilesProvider() (provider.DataProvider, error) {
	return a.DataProvider(a.profilesSource)
}

// FindProfiles returns every profile in the given source matching the
// criteria.
func (a *Agent) FindProfiles(source string, crit query.Criteria) ([]*profile.Profile, error) {
	p, err := a.DataProvider(source)
	if err != nil {
		return nil, err
	}
	docs, err := p.Find(crit)
	if err != nil {
		return nil, wrapStorage("searching profiles", err)
	}
	out := make([]*profile.Profile, 0, len(docs))
	for _, d := range docs {
		pr, err := profile.FromDocument(d)
		if err != nil {
			a.logger.Warn("skipping undecodable profile document", "source", source, "id", d.ID(), "error", err)
			continue
		}
		out = append(out, pr)
	}
	return out, nil
}

// FindProfileByURI returns the profile with the given uri, or a not_found
// coded error.
func (a *Agent) FindProfileByURI(uri string) (*profile.Profile, error) {
	p, err := a.profilesProvider()
	if err != nil {
		return nil, err
	}
	doc, err := p.FindOne(query.NewCriteria("uri", uri))
	if err != nil {
		return nil, wrapStorage(fmt.Sprintf("loading profile %q", uri), err)
	}
	return profile.FromDocument(doc)
}

// SaveProfile persists the profile back to the profiles source, replacing
// the stored aggregate state. There is no optimistic concurrency check;
// concurrent saves of the same profile are last-writer-wins.
func (a *Agent) SaveProfile(p *profile.Profile) error {
	prov, err := a.profilesProvider()
	if err != nil {
		return err
	}
	doc, err := p.Document()
	if err != nil {
		return &Error{Code: CodeStorage, Message: "encoding profile", Err: err}
	}
	if _, err := prov.FindOneAndUpdate(query.NewCriteria("uri", p.URI), doc); err != nil {
		return wrapStorage(fmt.Sprintf("saving profile %q", p.URI), err)
	}
	return nil
}

// CreateProfileForParticipant creates a minimal profile for a participant
// seen for the first time.
func (a *Agent) CreateProfileForParticipant(participantID string) (*profile.Profile, error) {
	prov, err := a.profilesProvider()
	if err != nil {
		return nil, err
	}
	p := profile.New(participantID)
	doc, err := p.Document()
	if err != nil {
		return nil, &Error{Code: CodeStorage, Message: "encoding profile", Err: err}
	}
	stored, err := prov.Create(doc)
	if err != nil {
		return nil, wrapStorage(fmt.Sprintf("creating profile %q", participantID), err)
	}
	p.ID = stored.ID()
	a.logger.Info("created profile", "uri", participantID)
	return p, nil
}

// DeleteProfileByURI removes the profile with the given uri. Unknown uris
// are a no-op.
func (a *Agent) DeleteProfileByURI(uri string) error {
	prov, err := a.profilesProvider()
	if err != nil {
		return err
	}
	doc, err := prov.FindOne(query.NewCriteria("uri", uri))
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return wrapStorage(fmt.Sprintf("loading profile %q", uri), err)
	}
	if _, err := prov.Delete(doc.ID()); err != nil {
		return wrapStorage(fmt.Sprintf("deleting profile %q", uri), err)
	}
	return nil
}

// GetRecommendations returns the profile's recommendation accumulators.
func (a *Agent) GetRecommendations(p *profile.Profile) []profile.Aggregate {
	return p.Recommendations
}

// GetMatchings returns the profile's matching accumulators.
func (a *Agent) GetMatchings(p *profile.Profile) []profile.Aggregate {
	return p.Matching
}
