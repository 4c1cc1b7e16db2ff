package trader

import (
	"context"
	"strings"

	"delta-copy-trader/internal/delta"
	"delta-copy-trader/internal/models"
	"delta-copy-trader/internal/sizing"

	"go.uber.org/zap"
)

// followerTask mirrors one cycle's events to one follower, in order.
type followerTask struct {
	loop     *AccountLoop
	follower models.Follower
	client   delta.RestClientInterface
	logger   *zap.Logger

	// balance is fetched on first use and reduced by each executed order.
	balance *float64
}

func newFollowerTask(loop *AccountLoop, f models.Follower, logger *zap.Logger) *followerTask {
	return &followerTask{
		loop:     loop,
		follower: f,
		client:   loop.deps.Brokers.Client(delta.Credentials{APIKey: f.APIKey, APISecret: f.APISecret}),
		logger:   logger.With(zap.String("follower_id", f.ID), zap.String("follower", f.FollowerName)),
	}
}

func (t *followerTask) run(ctx context.Context, events []masterEvent) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Follower task panicked", zap.Any("panic", r))
		}
	}()

	for i, ev := range events {
		if ctx.Err() != nil {
			t.logger.Warn("Cycle deadline reached, events not mirrored", zap.Int("remaining", len(events)-i))
			return
		}
		t.mirror(ctx, ev)
	}
}

func (t *followerTask) mirror(ctx context.Context, ev masterEvent) {
	log := t.logger.With(
		zap.String("event_id", ev.ID),
		zap.String("symbol", ev.Symbol),
		zap.String("event", string(ev.Kind)),
	)

	done, err := t.loop.deps.Ledger.HasExecuted(ctx, ev.ID, t.follower.ID)
	if err != nil {
		log.Error("Idempotency check failed, skipping event", zap.Error(err))
		return
	}
	if done {
		log.Info("Event already mirrored for follower")
		return
	}

	in := sizing.Input{
		Kind:           ev.Kind,
		Side:           ev.Side,
		MasterSize:     ev.Size,
		MasterHeld:     ev.MasterHeld,
		ReferencePrice: ev.Price,
		ContractValue:  ev.product.ContractValue,
		Follower:       t.follower,
	}

	if ev.Kind.Exposing() {
		if ev.productErr != nil {
			t.reject(ctx, ev, ev.productErr)
			return
		}
		balance, err := t.availableBalance(ctx, log)
		if err != nil {
			log.Error("Failed to fetch follower balance", zap.String("kind", delta.KindOf(err).String()), zap.Error(err))
			return
		}
		in.AvailableBalance = balance
		in.MarginPerContract = t.loop.opts.MarginEstimator(ev.product, ev.Price)
	}
	if !ev.Kind.Exposing() || ev.Baseline {
		held, err := t.heldSize(ctx, log, ev.ProductID)
		if err != nil {
			log.Error("Failed to fetch follower position", zap.String("kind", delta.KindOf(err).String()), zap.Error(err))
			return
		}
		in.FollowerHeld = held
	}

	d := t.loop.deps.Policy.Decide(in)
	if !d.Place {
		log.Info("Follower order skipped",
			zap.String("reason", string(d.Reason)),
			zap.Float64("balance", in.AvailableBalance),
			zap.Float64("held", in.FollowerHeld),
		)
		return
	}

	t.place(ctx, log, ev, d, in.MarginPerContract)
}

func (t *followerTask) place(ctx context.Context, log *zap.Logger, ev masterEvent, d sizing.Decision, marginPerContract float64) {
	rec := t.newRecord(ev)
	rec.Side = d.Side
	rec.RequestedSize = d.Size
	rec.ReduceOnly = d.ReduceOnly
	t.loop.deps.Ledger.Begin(ctx, rec)

	log = log.With(zap.String("record_id", rec.ID), zap.String("side", d.Side), zap.Int64("size", d.Size))
	if d.RoundedUp || d.Clamped {
		log.Info("Follower size adjusted", zap.Float64("nominal", d.Nominal), zap.Bool("rounded_up", d.RoundedUp), zap.Bool("clamped", d.Clamped))
	}

	req := delta.OrderRequest{
		ProductID:     ev.ProductID,
		Size:          d.Size,
		Side:          d.Side,
		ReduceOnly:    d.ReduceOnly,
		ClientOrderID: strings.ReplaceAll(rec.ID, "-", ""),
	}
	res, attempts, err := retryCall(ctx, t.loop.opts.Retry, log, "place order", func(ctx context.Context) (*delta.OrderResult, error) {
		return t.client.PlaceOrder(ctx, req)
	})

	out := models.Outcome{Attempts: attempts, At: t.loop.now()}
	if err != nil {
		out.Status = models.StatusFailed
		out.ErrorKind = recordKind(err)
		out.ErrorMessage = err.Error()
		log.Error("Follower order failed", zap.String("kind", out.ErrorKind), zap.Int("attempts", attempts), zap.Error(err))
	} else {
		out.Status = models.StatusExecuted
		out.BrokerOrderID = res.OrderID
		if ev.Kind.Exposing() && t.balance != nil {
			*t.balance -= float64(d.Size) * marginPerContract
		}
		log.Info("Follower order executed", zap.String("order_id", res.OrderID), zap.Int("attempts", attempts))
	}
	t.loop.deps.Ledger.Resolve(ctx, rec, out)
}

// reject records an event that could not be turned into an order.
func (t *followerTask) reject(ctx context.Context, ev masterEvent, cause error) {
	rec := t.newRecord(ev)
	rec.Side = ev.Side
	t.loop.deps.Ledger.Begin(ctx, rec)
	t.loop.deps.Ledger.Resolve(ctx, rec, models.Outcome{
		Status:       models.StatusFailed,
		ErrorKind:    recordKind(cause),
		ErrorMessage: cause.Error(),
		At:           t.loop.now(),
	})
	t.logger.Warn("Follower event rejected",
		zap.String("event_id", ev.ID),
		zap.String("symbol", ev.Symbol),
		zap.String("kind", rec.ErrorKind),
	)
}

func (t *followerTask) newRecord(ev masterEvent) *models.CopyTrade {
	rec := &models.CopyTrade{
		MasterEventID:  ev.ID,
		FollowerID:     t.follower.ID,
		MasterBrokerID: t.loop.account.ID,
		Action:         string(ev.Kind),
		Symbol:         ev.Symbol,
		ProductID:      ev.ProductID,
		RequestedPrice: ev.Price,
	}
	if !ev.Kind.Exposing() {
		at := t.loop.now()
		rec.ExitTime = &at
	}
	return rec
}

func (t *followerTask) heldSize(ctx context.Context, log *zap.Logger, productID int64) (float64, error) {
	pos, _, err := retryCall(ctx, t.loop.opts.Retry, log, "get follower position", func(ctx context.Context) (delta.Position, error) {
		return t.client.GetPosition(ctx, productID)
	})
	return pos.Size, err
}

func (t *followerTask) availableBalance(ctx context.Context, log *zap.Logger) (float64, error) {
	if t.balance != nil {
		return *t.balance, nil
	}
	balances, _, err := retryCall(ctx, t.loop.opts.Retry, log, "get follower balance", t.client.GetBalances)
	if err != nil {
		return 0, err
	}
	b := balances[t.loop.opts.BalanceAsset]
	t.balance = &b
	return b, nil
}

// recordKind is the error kind stored on a failed record. Timeouts are
// reported as network errors.
func recordKind(err error) string {
	k := delta.KindOf(err)
	if k == delta.KindTimeout {
		k = delta.KindNetwork
	}
	return k.String()
}
