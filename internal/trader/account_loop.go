package trader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"delta-copy-trader/internal/delta"
	"delta-copy-trader/internal/models"
	"delta-copy-trader/internal/sizing"
	"delta-copy-trader/internal/snapshot"
	"delta-copy-trader/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// eventNamespace scopes the deterministic ids of master events.
var eventNamespace = uuid.MustParse("8b0c3f57-4f3e-4c52-9d1e-6a2f1e7c9a10")

// masterEvent is one change on the master to be mirrored to every follower.
type masterEvent struct {
	ID        string
	Kind      sizing.EventKind
	Symbol    string
	ProductID int64
	// Side of the master change.
	Side string
	// Size is the absolute contract change.
	Size float64
	// MasterHeld is the absolute master size before the change.
	MasterHeld float64
	Price      float64
	// Baseline marks an open inferred on the first cycle. The follower may
	// already hold it from before a restart.
	Baseline bool

	product    delta.Product
	productErr error
}

// AccountLoop polls one master account and mirrors its position changes.
// The previous snapshot is owned by the loop's goroutine.
type AccountLoop struct {
	account models.BrokerAccount
	opts    Options
	deps    Deps
	logger  *zap.Logger
	now     func() time.Time

	previous snapshot.Snapshot
	health   *healthTracker
}

func NewAccountLoop(account models.BrokerAccount, opts Options, deps Deps, logger *zap.Logger) *AccountLoop {
	return &AccountLoop{
		account: account,
		opts:    opts.withDefaults(),
		deps:    deps,
		logger:  logger.With(zap.String("account_id", account.ID), zap.String("account", account.AccountName)),
		now:     time.Now,
		health:  newHealthTracker(account.ID, account.AccountName),
	}
}

func (l *AccountLoop) Health() Health { return l.health.snapshot() }

func (l *AccountLoop) credentials() delta.Credentials {
	return delta.Credentials{APIKey: l.account.APIKey, APISecret: l.account.APISecret}
}

// Run polls until ctx is cancelled. A cycle in flight when ctx is cancelled
// runs to completion under its own deadline.
func (l *AccountLoop) Run(ctx context.Context) {
	l.logger.Info("Account loop started", zap.Duration("interval", l.opts.PollInterval))
	defer l.release()

	l.verify(ctx)

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.health.setState(StateStopped)
			l.logger.Info("Account loop stopped")
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *AccountLoop) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.CycleTimeout)
	defer cancel()
	if err := l.RunCycle(cycleCtx); err != nil {
		l.logger.Warn("Poll cycle failed", zap.Error(err))
	}
}

// verify checks the master credentials once and records success.
func (l *AccountLoop) verify(ctx context.Context) {
	client := l.deps.Brokers.Client(l.credentials())
	if _, err := client.GetBalances(ctx); err != nil {
		l.health.verified(false)
		l.logger.Error("Master credentials check failed", zap.String("kind", delta.KindOf(err).String()), zap.Error(err))
		return
	}
	l.health.verified(true)
	if err := l.deps.Accounts.TouchVerified(ctx, l.account.ID, l.now()); err != nil {
		l.logger.Warn("Failed to record credential check", zap.Error(err))
	}
}

func (l *AccountLoop) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.deps.Lease.Release(ctx, l.account.ID); err != nil {
		l.logger.Warn("Failed to release lease", zap.Error(err))
	}
}

// RunCycle performs one poll: load followers, fetch the master snapshot, diff
// it against the previous one and mirror the changes. The snapshot only
// advances when the master fetch succeeds.
func (l *AccountLoop) RunCycle(ctx context.Context) error {
	start := l.now()
	log := l.logger.With(zap.String("cycle_id", uuid.NewString()))

	held, err := l.deps.Lease.TryAcquire(ctx, l.account.ID)
	switch {
	case err != nil:
		log.Warn("Lease check failed, polling anyway", zap.Error(err))
	case !held:
		log.Debug("Account leased by another instance, skipping cycle")
		return nil
	}

	l.health.begin(start)

	followers, err := l.deps.Accounts.SelectActiveFollowers(ctx, l.account.ID)
	if err != nil {
		kind := "datastore_error"
		if errors.Is(err, store.ErrUnavailable) {
			kind = "datastore_unavailable"
		}
		l.health.fail(kind, err)
		return fmt.Errorf("load followers: %w", err)
	}

	master := l.deps.Brokers.Client(l.credentials())
	positions, _, err := retryCall(ctx, l.opts.Retry, log, "get master positions", master.GetPositions)
	if err != nil {
		l.health.fail(delta.KindOf(err).String(), err)
		return fmt.Errorf("fetch master positions: %w", err)
	}
	current := snapshot.FromPositions(positions)

	l.health.setState(StateDiffing)
	var events []masterEvent
	if l.previous == nil {
		events = l.bootstrap(ctx, log, master, current)
	} else {
		events = l.eventsFromDelta(snapshot.Diff(l.previous, current))
	}

	if len(events) > 0 {
		log.Info("Master changes detected", zap.Int("events", len(events)), zap.Int("followers", len(followers)))
		if len(followers) > 0 {
			l.health.setState(StateDispatching)
			l.resolveProducts(ctx, log, events)
			l.dispatch(ctx, log, followers, events)
		}
	}

	l.previous = current
	l.health.succeed(l.now(), len(events))
	log.Debug("Poll cycle complete", zap.Duration("took", l.now().Sub(start)), zap.Int("positions", len(current)))
	return nil
}

// bootstrap takes the first snapshot as the baseline. Positions the master
// traded within the detection window are mirrored as opens.
func (l *AccountLoop) bootstrap(ctx context.Context, log *zap.Logger, master delta.RestClientInterface, current snapshot.Snapshot) []masterEvent {
	if len(current) == 0 {
		log.Info("Baseline snapshot taken", zap.Int("positions", 0))
		return nil
	}

	window := l.opts.DetectionWindow
	recent := make(map[string]bool)

	fills, _, err := retryCall(ctx, l.opts.Retry, log, "get master fills", func(ctx context.Context) ([]delta.Fill, error) {
		return master.GetRecentFills(ctx, window)
	})
	if err != nil {
		log.Warn("Could not read recent fills", zap.Error(err))
	}
	for _, f := range fills {
		recent[f.Symbol] = true
	}

	orders, _, err := retryCall(ctx, l.opts.Retry, log, "get master orders", func(ctx context.Context) ([]delta.Order, error) {
		return master.GetRecentOrders(ctx, window)
	})
	if err != nil {
		log.Warn("Could not read recent orders", zap.Error(err))
	}
	for _, o := range orders {
		if o.State == "closed" {
			recent[o.Symbol] = true
		}
	}

	var events []masterEvent
	for _, sym := range current.Symbols() {
		if recent[sym] {
			ev := l.newEvent(sizing.EventOpen, sym, snapshot.Position{}, current[sym])
			ev.Baseline = true
			events = append(events, ev)
		}
	}
	log.Info("Baseline snapshot taken", zap.Int("positions", len(current)), zap.Int("recently_opened", len(events)))
	return events
}

// eventsFromDelta orders events closes first, then resizes, then opens. A
// flip becomes a close followed by an open.
func (l *AccountLoop) eventsFromDelta(d snapshot.Delta) []masterEvent {
	var closes, resizes, opens []masterEvent

	for _, c := range d.Closed {
		closes = append(closes, l.newEvent(sizing.EventClose, c.Symbol, c.Last, snapshot.Position{}))
	}
	for _, r := range d.Resized {
		switch {
		case r.Flipped():
			closes = append(closes, l.newEvent(sizing.EventClose, r.Symbol, r.Old, r.New))
			opens = append(opens, l.newEvent(sizing.EventOpen, r.Symbol, r.Old, r.New))
		case r.Increased():
			resizes = append(resizes, l.newEvent(sizing.EventIncrease, r.Symbol, r.Old, r.New))
		default:
			resizes = append(resizes, l.newEvent(sizing.EventReduce, r.Symbol, r.Old, r.New))
		}
	}
	for _, o := range d.Opened {
		opens = append(opens, l.newEvent(sizing.EventOpen, o.Symbol, snapshot.Position{}, o.Position))
	}

	events := make([]masterEvent, 0, len(closes)+len(resizes)+len(opens))
	events = append(events, closes...)
	events = append(events, resizes...)
	return append(events, opens...)
}

func (l *AccountLoop) newEvent(kind sizing.EventKind, symbol string, old, cur snapshot.Position) masterEvent {
	key := fmt.Sprintf("%s|%s|%s|%g@%g|%g@%g", l.account.ID, symbol, kind, old.Size, old.EntryPrice, cur.Size, cur.EntryPrice)
	ev := masterEvent{
		ID:     uuid.NewSHA1(eventNamespace, []byte(key)).String(),
		Kind:   kind,
		Symbol: symbol,
	}

	switch kind {
	case sizing.EventOpen:
		ev.ProductID, ev.Price = cur.ProductID, cur.EntryPrice
		ev.Side = entrySide(cur.Size)
		ev.Size = math.Abs(cur.Size)
	case sizing.EventClose:
		ev.ProductID, ev.Price = old.ProductID, old.EntryPrice
		ev.Side = entrySide(-old.Size)
		ev.Size = math.Abs(old.Size)
		ev.MasterHeld = math.Abs(old.Size)
	case sizing.EventIncrease:
		ev.ProductID, ev.Price = cur.ProductID, cur.EntryPrice
		ev.Side = entrySide(cur.Size)
		ev.Size = math.Abs(cur.Size) - math.Abs(old.Size)
		ev.MasterHeld = math.Abs(old.Size)
	case sizing.EventReduce:
		ev.ProductID, ev.Price = cur.ProductID, cur.EntryPrice
		ev.Side = entrySide(-old.Size)
		ev.Size = math.Abs(old.Size) - math.Abs(cur.Size)
		ev.MasterHeld = math.Abs(old.Size)
	}
	return ev
}

// entrySide is the order side that builds a position of the given sign.
func entrySide(size float64) string {
	if size > 0 {
		return delta.OrderSideBuy
	}
	return delta.OrderSideSell
}

func (l *AccountLoop) resolveProducts(ctx context.Context, log *zap.Logger, events []masterEvent) {
	for i := range events {
		ev := &events[i]
		p, _, err := retryCall(ctx, l.opts.Retry, log, "resolve product", func(ctx context.Context) (delta.Product, error) {
			return l.deps.Instruments.Resolve(ctx, ev.Symbol)
		})
		if err != nil {
			log.Warn("Could not resolve product", zap.String("symbol", ev.Symbol), zap.Error(err))
			ev.productErr = err
			continue
		}
		ev.product = p
		if ev.ProductID == 0 {
			ev.ProductID = p.ID
		}
	}
}

// dispatch runs one task per follower, at most Workers at a time. Events are
// handled in order within a follower; a failing follower never affects another.
func (l *AccountLoop) dispatch(ctx context.Context, log *zap.Logger, followers []models.Follower, events []masterEvent) {
	g := new(errgroup.Group)
	g.SetLimit(l.opts.Workers)
	for _, f := range followers {
		f := f
		g.Go(func() error {
			newFollowerTask(l, f, log).run(ctx, events)
			return nil
		})
	}
	_ = g.Wait()
}
