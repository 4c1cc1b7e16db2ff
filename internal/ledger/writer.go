// Package ledger writes copy trade records. Writes happen inline; a write that
// fails is handed to a background queue and retried with backoff so the
// trading path never blocks on the datastore.
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"delta-copy-trader/internal/models"
	"delta-copy-trader/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Repository is the persistence the writer needs.
type Repository interface {
	InsertCopyTradeRecord(ctx context.Context, rec *models.CopyTrade) error
	UpdateCopyTradeRecord(ctx context.Context, id string, out models.Outcome) error
	HasExecuted(ctx context.Context, eventID, followerID string, since time.Time) (bool, error)
}

type Options struct {
	QueueSize    int
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	WriteTimeout time.Duration
	// Window bounds how far back an executed event counts as already mirrored.
	Window time.Duration
}

func DefaultOptions() Options {
	return Options{
		QueueSize:    1024,
		MaxAttempts:  5,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		WriteTimeout: 5 * time.Second,
		Window:       20 * time.Minute,
	}
}

type jobKind int

const (
	jobInsert jobKind = iota
	jobUpdate
)

type job struct {
	kind    jobKind
	record  models.CopyTrade
	outcome models.Outcome
}

type executedKey struct {
	eventID    string
	followerID string
}

// Writer records copy trades. It is safe for concurrent use.
type Writer struct {
	repo   Repository
	logger *zap.Logger
	opts   Options
	now    func() time.Time

	queue chan job
	done  chan struct{}

	mu sync.Mutex
	// queuedInserts holds ids whose insert is waiting in the queue; their
	// update must follow it there.
	queuedInserts map[string]struct{}
	executed      map[executedKey]time.Time
	closed        bool
}

// NewWriter starts the background retry worker. Call Close to drain it.
func NewWriter(repo Repository, logger *zap.Logger, opts Options) *Writer {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.Window <= 0 {
		opts.Window = def.Window
	}

	w := &Writer{
		repo:          repo,
		logger:        logger,
		opts:          opts,
		now:           time.Now,
		queue:         make(chan job, opts.QueueSize),
		done:          make(chan struct{}),
		queuedInserts: make(map[string]struct{}),
		executed:      make(map[executedKey]time.Time),
	}
	go w.run()
	return w
}

// Begin stores rec as pending. It assigns an id and entry time when missing.
func (w *Writer) Begin(ctx context.Context, rec *models.CopyTrade) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Status = models.StatusPending
	if rec.EntryTime == nil {
		at := w.now()
		rec.EntryTime = &at
	}

	if err := w.insert(ctx, rec); err != nil {
		w.logger.Warn("Copy trade insert failed, queued for retry", zap.String("record_id", rec.ID), zap.Error(err))
		w.mu.Lock()
		w.queuedInserts[rec.ID] = struct{}{}
		w.mu.Unlock()
		w.enqueue(job{kind: jobInsert, record: *rec})
	}
}

// Resolve applies the terminal outcome to rec, in memory and in the store.
func (w *Writer) Resolve(ctx context.Context, rec *models.CopyTrade, out models.Outcome) {
	if out.At.IsZero() {
		out.At = w.now()
	}
	rec.Apply(out)
	if out.Status == models.StatusExecuted {
		w.remember(rec.MasterEventID, rec.FollowerID)
	}

	w.mu.Lock()
	_, insertQueued := w.queuedInserts[rec.ID]
	w.mu.Unlock()
	if insertQueued {
		w.enqueue(job{kind: jobUpdate, record: *rec, outcome: out})
		return
	}

	if err := w.update(ctx, rec.ID, out); err != nil {
		if errors.Is(err, store.ErrRecordFinal) {
			w.logger.Warn("Copy trade already final", zap.String("record_id", rec.ID))
			return
		}
		w.logger.Warn("Copy trade update failed, queued for retry", zap.String("record_id", rec.ID), zap.Error(err))
		w.enqueue(job{kind: jobUpdate, record: *rec, outcome: out})
	}
}

// HasExecuted reports whether the follower already mirrored the event within
// the configured window.
func (w *Writer) HasExecuted(ctx context.Context, eventID, followerID string) (bool, error) {
	w.mu.Lock()
	at, ok := w.executed[executedKey{eventID, followerID}]
	w.mu.Unlock()
	since := w.now().Add(-w.opts.Window)
	if ok && at.After(since) {
		return true, nil
	}
	return w.repo.HasExecuted(ctx, eventID, followerID, since)
}

// Close stops accepting retries and waits for queued writes to finish or ctx
// to expire. Records still queued when ctx expires are logged.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) remember(eventID, followerID string) {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.executed[executedKey{eventID, followerID}] = now
	for k, at := range w.executed {
		if now.Sub(at) > w.opts.Window {
			delete(w.executed, k)
		}
	}
}

func (w *Writer) enqueue(j job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.lost(j, errors.New("writer closed"))
		return
	}
	select {
	case w.queue <- j:
	default:
		w.lost(j, errors.New("retry queue full"))
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for j := range w.queue {
		w.retry(j)
	}
}

func (w *Writer) retry(j job) {
	defer func() {
		w.mu.Lock()
		delete(w.queuedInserts, j.record.ID)
		w.mu.Unlock()
	}()

	delay := w.opts.BaseDelay
	var err error
	for attempt := 1; attempt <= w.opts.MaxAttempts; attempt++ {
		time.Sleep(delay)
		if err = w.apply(j); err == nil {
			return
		}
		if errors.Is(err, store.ErrRecordFinal) {
			w.logger.Warn("Copy trade already final", zap.String("record_id", j.record.ID))
			return
		}
		w.logger.Warn("Copy trade write retry failed",
			zap.String("record_id", j.record.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if delay *= 2; delay > w.opts.MaxDelay {
			delay = w.opts.MaxDelay
		}
	}
	w.lost(j, err)
}

func (w *Writer) apply(j job) error {
	ctx := context.Background()
	if j.kind == jobInsert {
		rec := j.record
		return w.insert(ctx, &rec)
	}
	return w.update(ctx, j.record.ID, j.outcome)
}

func (w *Writer) insert(ctx context.Context, rec *models.CopyTrade) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.WriteTimeout)
	defer cancel()
	return w.repo.InsertCopyTradeRecord(ctx, rec)
}

func (w *Writer) update(ctx context.Context, id string, out models.Outcome) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.WriteTimeout)
	defer cancel()
	return w.repo.UpdateCopyTradeRecord(ctx, id, out)
}

// lost logs every field of a record that could not be persisted so it can be
// reconciled by hand.
func (w *Writer) lost(j job, err error) {
	r := j.record
	fields := []zap.Field{
		zap.String("record_id", r.ID),
		zap.String("master_event_id", r.MasterEventID),
		zap.String("master_broker_id", r.MasterBrokerID),
		zap.String("follower_id", r.FollowerID),
		zap.String("action", r.Action),
		zap.String("symbol", r.Symbol),
		zap.Int64("product_id", r.ProductID),
		zap.String("side", r.Side),
		zap.Int64("requested_size", r.RequestedSize),
		zap.Float64("requested_price", r.RequestedPrice),
		zap.Bool("reduce_only", r.ReduceOnly),
		zap.String("status", string(r.Status)),
		zap.String("broker_order_id", r.BrokerOrderID),
		zap.String("error_kind", r.ErrorKind),
		zap.String("error_message", r.ErrorMessage),
		zap.Int("attempts", r.Attempts),
		zap.Error(err),
	}
	if r.EntryTime != nil {
		fields = append(fields, zap.Time("entry_time", *r.EntryTime))
	}
	w.logger.Error("Copy trade record not persisted", fields...)
}
