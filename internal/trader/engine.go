package trader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"delta-copy-trader/internal/config"
	"delta-copy-trader/internal/delta"
	"delta-copy-trader/internal/lease"
	"delta-copy-trader/internal/models"
	"delta-copy-trader/internal/sizing"

	"go.uber.org/zap"
)

// AccountSource reads master accounts and their followers.
type AccountSource interface {
	SelectActiveBrokerAccounts(ctx context.Context) ([]models.BrokerAccount, error)
	SelectActiveFollowers(ctx context.Context, masterID string) ([]models.Follower, error)
	TouchVerified(ctx context.Context, accountID string, at time.Time) error
}

// Ledger records follower order attempts.
type Ledger interface {
	Begin(ctx context.Context, rec *models.CopyTrade)
	Resolve(ctx context.Context, rec *models.CopyTrade, out models.Outcome)
	HasExecuted(ctx context.Context, eventID, followerID string) (bool, error)
}

// Brokers returns a Delta client for a set of credentials.
type Brokers interface {
	Client(creds delta.Credentials) delta.RestClientInterface
}

// Instruments resolves symbols to products.
type Instruments interface {
	Resolve(ctx context.Context, symbol string) (delta.Product, error)
}

// MarginEstimator returns the margin one contract of p needs at price.
type MarginEstimator func(p delta.Product, price float64) float64

// Options tunes the engine.
type Options struct {
	PollInterval           time.Duration
	CycleTimeout           time.Duration
	AccountRefreshInterval time.Duration
	DetectionWindow        time.Duration
	Workers                int
	Retry                  RetryPolicy
	BalanceAsset           string
	MarginEstimator        MarginEstimator
}

// OptionsFromConfig maps the engine and sizing settings onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PollInterval:           cfg.Engine.PollInterval,
		CycleTimeout:           cfg.Engine.CycleTimeout,
		AccountRefreshInterval: cfg.Engine.AccountRefreshInterval,
		DetectionWindow:        cfg.Engine.DetectionWindow,
		Workers:                cfg.Engine.Workers,
		Retry: RetryPolicy{
			MaxAttempts: cfg.Engine.RetryAttempts,
			BaseDelay:   cfg.Engine.RetryBaseDelay,
			MaxDelay:    cfg.Engine.RetryMaxDelay,
		},
		BalanceAsset:    cfg.Sizing.BalanceAsset,
		MarginEstimator: ProductMargin(cfg.Sizing.FallbackMarginPerContract),
	}
}

// ProductMargin estimates margin from the product's contract value and
// initial margin, using fallback when either is unknown.
func ProductMargin(fallback float64) MarginEstimator {
	return func(p delta.Product, price float64) float64 {
		if p.ContractValue > 0 && p.InitialMarginPct > 0 && price > 0 {
			return price * p.ContractValue * p.InitialMarginPct / 100
		}
		return fallback
	}
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = time.Minute
	}
	if o.AccountRefreshInterval <= 0 {
		o.AccountRefreshInterval = time.Minute
	}
	if o.DetectionWindow <= 0 {
		o.DetectionWindow = 20 * time.Minute
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.Retry.MaxAttempts < 1 {
		o.Retry.MaxAttempts = 1
	}
	if o.BalanceAsset == "" {
		o.BalanceAsset = "USD"
	}
	if o.MarginEstimator == nil {
		o.MarginEstimator = ProductMargin(0)
	}
	return o
}

// Deps are the collaborators shared by every account loop.
type Deps struct {
	Accounts    AccountSource
	Ledger      Ledger
	Brokers     Brokers
	Instruments Instruments
	Policy      *sizing.Policy
	Lease       lease.Lease
}

// Engine supervises one AccountLoop per active master account and keeps the
// set of loops in step with the datastore.
type Engine struct {
	logger    *zap.Logger
	opts      Options
	deps      Deps
	StartTime time.Time

	mu    sync.RWMutex
	loops map[string]*runningLoop
}

type runningLoop struct {
	loop   *AccountLoop
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a new copy-trade engine.
func NewEngine(logger *zap.Logger, opts Options, deps Deps) *Engine {
	if deps.Lease == nil {
		deps.Lease = lease.Nop{}
	}
	if deps.Policy == nil {
		deps.Policy = sizing.NewPolicy(false)
	}
	return &Engine{
		logger:    logger,
		opts:      opts.withDefaults(),
		deps:      deps,
		StartTime: time.Now(),
		loops:     make(map[string]*runningLoop),
	}
}

// Run starts the account loops and refreshes them until ctx is cancelled. It
// returns after every loop has finished its in-flight cycle. A failure to load
// accounts at startup is returned.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Starting copy-trade engine",
		zap.Duration("poll_interval", e.opts.PollInterval),
		zap.Int("workers", e.opts.Workers),
	)

	accounts, err := e.deps.Accounts.SelectActiveBrokerAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load broker accounts: %w", err)
	}
	e.reconcile(ctx, accounts)

	ticker := time.NewTicker(e.opts.AccountRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Stopping copy-trade engine...")
			e.stopAll()
			return nil
		case <-ticker.C:
			accounts, err := e.deps.Accounts.SelectActiveBrokerAccounts(ctx)
			if err != nil {
				e.logger.Warn("Account refresh failed, keeping current loops", zap.Error(err))
				continue
			}
			e.reconcile(ctx, accounts)
		}
	}
}

// Health returns the state of every running loop ordered by account name.
func (e *Engine) Health() []Health {
	e.mu.RLock()
	out := make([]Health, 0, len(e.loops))
	for _, rl := range e.loops {
		out = append(out, rl.loop.Health())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountName != out[j].AccountName {
			return out[i].AccountName < out[j].AccountName
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out
}

// reconcile stops loops for accounts that went away or changed credentials,
// then starts loops for accounts without one.
func (e *Engine) reconcile(ctx context.Context, accounts []models.BrokerAccount) {
	wanted := make(map[string]models.BrokerAccount, len(accounts))
	for _, a := range accounts {
		if !a.HasCredentials() {
			e.logger.Debug("Broker account has no credentials", zap.String("account_id", a.ID))
			continue
		}
		wanted[a.ID] = a
	}

	e.mu.Lock()
	var stopping []*runningLoop
	for id, rl := range e.loops {
		a, ok := wanted[id]
		if !ok || a.APIKey != rl.loop.account.APIKey || a.APISecret != rl.loop.account.APISecret {
			stopping = append(stopping, rl)
			delete(e.loops, id)
		}
	}
	e.mu.Unlock()

	for _, rl := range stopping {
		e.logger.Info("Stopping account loop", zap.String("account_id", rl.loop.account.ID))
		rl.cancel()
		<-rl.done
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, a := range wanted {
		if _, ok := e.loops[id]; ok {
			continue
		}
		e.loops[id] = e.start(ctx, a)
	}
}

func (e *Engine) start(ctx context.Context, account models.BrokerAccount) *runningLoop {
	loopCtx, cancel := context.WithCancel(ctx)
	rl := &runningLoop{
		loop:   NewAccountLoop(account, e.opts, e.deps, e.logger),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(rl.done)
		rl.loop.Run(loopCtx)
	}()
	return rl
}

func (e *Engine) stopAll() {
	e.mu.Lock()
	loops := make([]*runningLoop, 0, len(e.loops))
	for id, rl := range e.loops {
		loops = append(loops, rl)
		delete(e.loops, id)
	}
	e.mu.Unlock()

	for _, rl := range loops {
		rl.cancel()
	}
	for _, rl := range loops {
		<-rl.done
	}
}
