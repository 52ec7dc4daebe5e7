package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/interopx/dsagent/internal/event"
	"github.com/interopx/dsagent/internal/lookup"
	"github.com/interopx/dsagent/internal/negotiation"
	"github.com/interopx/dsagent/internal/recommend"
	"github.com/interopx/dsagent/internal/storage"
)

// App is the application context: exactly one instance of each service
// and agent, constructed here and passed by handle to everything that
// needs them. Agents are prepared lazily on first retrieval; an
// unprepared agent is never observable to callers.
type App struct {
	Recommendations *recommend.RecommendationService
	Matchings       *recommend.MatchingService
	Negotiation     *negotiation.Service
	Lookups         *lookup.Client

	dispatcher *event.Dispatcher
	logger     *slog.Logger

	mu       sync.Mutex
	contract *ContractAgent
	consent  *ConsentAgent
}

// NewApp wires the stateless services. Agents are built on demand.
func NewApp(logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		Recommendations: recommend.NewRecommendationService(logger),
		Matchings:       recommend.NewMatchingService(logger),
		Negotiation:     negotiation.NewService(logger),
		Lookups:         lookup.New(nil),
		dispatcher:      event.NewDispatcher(),
		logger:          logger,
	}
}

// Dispatcher returns the process-wide change-event dispatcher.
func (a *App) Dispatcher() *event.Dispatcher { return a.dispatcher }

// ContractAgent returns the prepared contract agent, constructing and
// preparing it on first use. Construction or preparation failures
// propagate and leave no half-built agent behind.
func (a *App) ContractAgent(ctx context.Context) (*ContractAgent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.contract != nil {
		return a.contract, nil
	}

	ca, err := NewContractAgent(a.dispatcher, a.Recommendations, a.Matchings, a.logger)
	if err != nil {
		return nil, err
	}
	if err := ca.Prepare(ctx); err != nil {
		ca.Close()
		return nil, err
	}
	a.contract = ca
	return ca, nil
}

// RebuildContractAgent discards the current contract agent and prepares a
// fresh one.
func (a *App) RebuildContractAgent(ctx context.Context) (*ContractAgent, error) {
	a.mu.Lock()
	if a.contract != nil {
		a.contract.Close()
		a.contract = nil
	}
	a.mu.Unlock()
	return a.ContractAgent(ctx)
}

// ConsentAgent returns the prepared consent agent, constructing and
// preparing it on first use.
func (a *App) ConsentAgent(ctx context.Context) (*ConsentAgent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.consent != nil {
		return a.consent, nil
	}

	ca, err := NewConsentAgent(a.dispatcher, a.Lookups, a.logger)
	if err != nil {
		return nil, err
	}
	if err := ca.Prepare(ctx); err != nil {
		ca.Close()
		return nil, err
	}
	a.consent = ca
	return ca, nil
}

// RebuildConsentAgent discards the current consent agent and prepares a
// fresh one.
func (a *App) RebuildConsentAgent(ctx context.Context) (*ConsentAgent, error) {
	a.mu.Lock()
	if a.consent != nil {
		a.consent.Close()
		a.consent = nil
	}
	a.mu.Unlock()
	return a.ConsentAgent(ctx)
}

// Close shuts down both agents and every shared store connection.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.contract != nil {
		a.contract.Close()
		a.contract = nil
	}
	if a.consent != nil {
		a.consent.Close()
		a.consent = nil
	}
	return storage.CloseAll()
}
