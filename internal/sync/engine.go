// Package sync reconciles the local store with the caisse-sync backend:
// queued mutations are pushed in order, server state is pulled and merged.
package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/Kadem9/caissefacile/internal/db"
	"github.com/Kadem9/caissefacile/internal/models"
	"github.com/Kadem9/caissefacile/internal/syncclient"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultPageSize       = 500
	attemptWriteTimeout   = 5 * time.Second
)

// ErrAlreadyRunning is returned by Run when a worker is already active.
var ErrAlreadyRunning = errors.New("sync engine already running")

// Options tune an Engine. Zero values pick defaults.
type Options struct {
	// RequestTimeout bounds each submit and each fetch.
	RequestTimeout time.Duration
	// PageSize is the fetch limit per pull request.
	PageSize int
	// Interval is the timer period used by Run. Zero disables the timer.
	Interval time.Duration
	// OnResult is called after every finished cycle.
	OnResult func(Result)
	// SkipWhenBusy makes a cycle give up with db.ErrSyncBusy when another
	// process holds the sync lock, instead of waiting for it.
	SkipWhenBusy bool
}

// Engine runs sync cycles. At most one cycle or phase runs at a time;
// requests arriving meanwhile are coalesced into the next cycle.
type Engine struct {
	store    *db.DB
	backend  Backend
	monitor  *Monitor
	resolver *Resolver
	opts     Options

	mu      stdsync.Mutex
	pending *Task

	wake       chan struct{}
	sem        chan struct{}
	unlockSync func() // set while sem is held
	running    atomic.Bool
	inCycle    atomic.Bool
}

// NewEngine wires an engine. monitor may be nil, in which case the backend
// is assumed reachable.
func NewEngine(store *db.DB, backend Backend, monitor *Monitor, resolver *Resolver, opts Options) *Engine {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if resolver == nil {
		resolver = NewResolver(store)
	}
	e := &Engine{
		store:    store,
		backend:  backend,
		monitor:  monitor,
		resolver: resolver,
		opts:     opts,
		wake:     make(chan struct{}, 1),
		sem:      make(chan struct{}, 1),
	}
	if monitor != nil {
		monitor.OnChange(func(online bool) {
			if online && !e.inCycle.Load() {
				e.Trigger(ReasonReconnect)
			}
		})
	}
	return e
}

// IsOnline reports the monitor's last known state.
func (e *Engine) IsOnline() bool {
	return e.monitor == nil || e.monitor.IsOnline()
}

// Trigger requests a sync cycle without blocking. If a requested cycle has
// not started yet, the caller joins it.
func (e *Engine) Trigger(reason Reason) *Task {
	e.mu.Lock()
	t := e.pending
	if t == nil {
		t = newTask(reason)
		e.pending = t
	}
	e.mu.Unlock()

	if e.running.Load() {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	} else {
		go e.drain(context.Background())
	}
	return t
}

// SyncAll requests a cycle and waits for it.
func (e *Engine) SyncAll(ctx context.Context) (Result, error) {
	return e.Trigger(ReasonManual).Wait(ctx)
}

// Run serves triggers and the interval timer until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	var tick <-chan time.Time
	if e.opts.Interval > 0 {
		ticker := time.NewTicker(e.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	e.Trigger(ReasonStartup)
	for {
		select {
		case <-ctx.Done():
			e.abandonPending(ctx.Err())
			return ctx.Err()
		case <-e.wake:
			e.drain(ctx)
		case <-tick:
			e.Trigger(ReasonTimer)
		}
	}
}

func (e *Engine) abandonPending(err error) {
	e.mu.Lock()
	t := e.pending
	e.pending = nil
	e.mu.Unlock()
	if t != nil {
		t.finish(Result{Reason: t.reason}, err)
	}
}

// drain runs the pending task, if any, once the engine is idle.
func (e *Engine) drain(ctx context.Context) {
	if err := e.acquire(ctx); err != nil {
		if errors.Is(err, db.ErrSyncBusy) {
			e.abandonPending(err)
		}
		return
	}
	defer e.release()

	e.mu.Lock()
	t := e.pending
	e.pending = nil
	e.mu.Unlock()
	if t == nil {
		return
	}

	res, err := e.runCycle(ctx, t.reason)
	if err != nil {
		slog.Error("sync: cycle failed", "reason", t.reason, "err", err)
	}
	t.finish(res, err)
	if e.opts.OnResult != nil {
		e.opts.OnResult(res)
	}
}

// acquire serializes cycles: first within this process, then across
// processes sharing the store through its sync lock.
func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	unlock, err := e.store.LockSync(ctx, !e.opts.SkipWhenBusy)
	if err != nil {
		<-e.sem
		return err
	}
	e.unlockSync = unlock
	return nil
}

func (e *Engine) release() {
	e.unlockSync()
	e.unlockSync = nil
	<-e.sem
}

// reachable probes the backend when the monitor last saw it offline.
func (e *Engine) reachable(ctx context.Context) bool {
	if e.monitor == nil || e.monitor.IsOnline() {
		return true
	}
	return e.monitor.CheckConnection(ctx)
}

func (e *Engine) runCycle(ctx context.Context, reason Reason) (Result, error) {
	e.inCycle.Store(true)
	defer e.inCycle.Store(false)

	res := Result{Reason: reason, StartedAt: e.store.Now()}
	if !e.reachable(ctx) {
		res.Skipped = true
		res.FinishedAt = e.store.Now()
		slog.Debug("sync: offline, cycle skipped", "reason", reason)
		return res, nil
	}

	if err := e.push(ctx, &res); err != nil {
		return res, err
	}
	if err := e.pull(ctx, &res); err != nil {
		return res, err
	}

	res.FinishedAt = e.store.Now()
	slog.Info("sync: cycle done",
		"reason", reason,
		"pushed", res.Pushed,
		"push_failures", len(res.Failures),
		"pulled", res.Pulled,
		"inserted", res.Merge.Inserted,
		"updated", res.Merge.Updated,
		"removed", res.Merge.Removed,
		"conflicts", res.Merge.Conflicts,
		"pull_err", res.PullErr,
	)
	return res, nil
}

// RunOnce runs a full cycle in the caller's goroutine, bounded by ctx.
// It waits for any cycle already in progress.
func (e *Engine) RunOnce(ctx context.Context, reason Reason) (Result, error) {
	if err := e.acquire(ctx); err != nil {
		return Result{Reason: reason}, err
	}
	defer e.release()
	return e.runCycle(ctx, reason)
}

// Push runs only the push phase.
func (e *Engine) Push(ctx context.Context) (Result, error) {
	return e.phase(ctx, ReasonManual, e.push)
}

// Pull runs only the pull phase.
func (e *Engine) Pull(ctx context.Context) (Result, error) {
	return e.phase(ctx, ReasonManual, e.pull)
}

func (e *Engine) phase(ctx context.Context, reason Reason, fn func(context.Context, *Result) error) (Result, error) {
	if err := e.acquire(ctx); err != nil {
		return Result{Reason: reason}, err
	}
	defer e.release()
	e.inCycle.Store(true)
	defer e.inCycle.Store(false)

	res := Result{Reason: reason, StartedAt: e.store.Now()}
	if !e.reachable(ctx) {
		res.Skipped = true
		res.FinishedAt = e.store.Now()
		return res, nil
	}
	err := fn(ctx, &res)
	res.FinishedAt = e.store.Now()
	return res, err
}

// push submits queued mutations in enqueue order. A failed item blocks the
// rest of its entity type for this cycle; other types keep going. An item
// referencing a record whose create is still queued waits for it, so the
// backend never stores a ref without a server id.
func (e *Engine) push(ctx context.Context, res *Result) error {
	items, err := e.store.Pending(ctx)
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}

	blocked := make(map[models.EntityType]bool)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if blocked[item.EntityType] {
			continue
		}

		if err := e.store.PrepareForPush(ctx, item.Payload); err != nil {
			return err
		}
		waiting, err := e.unsentRef(ctx, item.Payload)
		if err != nil {
			return err
		}
		if waiting != nil {
			blocked[item.EntityType] = true
			res.Deferred++
			slog.Debug("sync: push deferred",
				"type", item.EntityType, "local_id", item.LocalID,
				"waits_for", waiting.Type, "ref_local_id", waiting.LocalID)
			continue
		}

		ack, err := e.submit(ctx, item)
		if err != nil {
			var localErr *localError
			if errors.As(err, &localErr) {
				return localErr.err
			}
			blocked[item.EntityType] = true
			rejected := syncclient.IsRejected(err)
			res.Failures = append(res.Failures, PushFailure{
				ItemID:     item.ID,
				EntityType: item.EntityType,
				LocalID:    item.LocalID,
				Rejected:   rejected,
				Err:        err,
			})
			if rejected {
				slog.Warn("sync: mutation rejected",
					"type", item.EntityType, "local_id", item.LocalID,
					"op", item.Op, "attempts", item.Attempts+1, "err", err)
			} else {
				slog.Debug("sync: push failed", "type", item.EntityType, "local_id", item.LocalID, "err", err)
			}
			if err := e.recordAttempt(ctx, item.ID, err); err != nil {
				return err
			}
			continue
		}

		if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			_, err := e.resolver.ApplyAckTx(ctx, tx, item, ack)
			return err
		}); err != nil {
			return fmt.Errorf("apply ack for %s/%d: %w", item.EntityType, item.LocalID, err)
		}
		res.Pushed++
	}
	return nil
}

// unsentRef returns the first ref of ent that still lacks a server id while
// its target's create is queued.
func (e *Engine) unsentRef(ctx context.Context, ent models.Entity) (*models.Ref, error) {
	for _, ref := range models.RefsOf(ent) {
		if ref.ServerID != nil || ref.LocalID == 0 {
			continue
		}
		queued, err := e.store.CreateQueued(ctx, ref.Type, ref.LocalID)
		if err != nil {
			return nil, err
		}
		if queued {
			return ref, nil
		}
	}
	return nil, nil
}

// recordAttempt notes a failed push. It outlives the cycle's ctx so a
// timeout that cut the submit short is still counted.
func (e *Engine) recordAttempt(ctx context.Context, id int64, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), attemptWriteTimeout)
	defer cancel()
	return e.store.RecordAttempt(ctx, id, cause)
}

// localError marks a store failure inside submit so push can return it.
type localError struct{ err error }

func (l *localError) Error() string { return l.err.Error() }

func (e *Engine) submit(ctx context.Context, item db.QueueItem) (*syncclient.RecordResponse, error) {
	raw, err := json.Marshal(item.Payload)
	if err != nil {
		return nil, &localError{fmt.Errorf("marshal %s/%d: %w", item.EntityType, item.LocalID, err)}
	}

	req := &syncclient.SubmitRequest{
		MutationID: item.MutationID,
		DeviceID:   e.store.DeviceID(),
		Op:         item.Op,
		LocalID:    item.LocalID,
		ServerID:   item.Payload.Base().ServerID,
		Record:     raw,
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()
	return e.backend.Submit(reqCtx, item.EntityType, req)
}

type fetched struct {
	kind    models.EntityType
	records []syncclient.RecordResponse
}

// pull fetches every type from its cursor and merges the lot in one
// transaction. Any fetch failure leaves the store and cursors untouched.
func (e *Engine) pull(ctx context.Context, res *Result) error {
	var batches []fetched
	cursors := make(map[models.EntityType]int64, len(models.EntityTypes))

	for _, kind := range models.EntityTypes {
		since, err := e.store.PullCursor(ctx, kind)
		if err != nil {
			return fmt.Errorf("read cursor %s: %w", kind, err)
		}
		recs, cursor, err := e.fetchAll(ctx, kind, since)
		if err != nil {
			res.PullErr = err
			slog.Debug("sync: pull failed", "type", kind, "err", err)
			return nil
		}
		batches = append(batches, fetched{kind: kind, records: recs})
		cursors[kind] = cursor
	}

	var stats MergeStats
	pulled := 0
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		stats = MergeStats{}
		pulled = 0
		for _, b := range batches {
			for i := range b.records {
				out, err := e.resolver.MergeTx(ctx, tx, b.kind, &b.records[i])
				if err != nil {
					return fmt.Errorf("merge %s server_id=%d: %w", b.kind, b.records[i].ServerID, err)
				}
				stats.add(out)
				pulled++
			}
		}
		return db.AdvancePullTx(ctx, tx, cursors, e.store.Now())
	})
	if err != nil {
		return err
	}
	res.Pulled += pulled
	res.Merge = stats
	return nil
}

// fetchAll pages through kind from since. Records are decoded up front so a
// malformed page fails the pull before anything is applied.
func (e *Engine) fetchAll(ctx context.Context, kind models.EntityType, since int64) ([]syncclient.RecordResponse, int64, error) {
	var all []syncclient.RecordResponse
	cursor := since
	for {
		reqCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
		resp, err := e.backend.Fetch(reqCtx, kind, cursor, e.opts.PageSize)
		cancel()
		if err != nil {
			return nil, since, fmt.Errorf("fetch %s: %w", kind, err)
		}
		for i := range resp.Records {
			if _, err := decodeRemote(kind, &resp.Records[i]); err != nil {
				return nil, since, fmt.Errorf("fetch %s: server_id=%d: %w", kind, resp.Records[i].ServerID, err)
			}
		}
		all = append(all, resp.Records...)

		if resp.Cursor <= cursor || !resp.HasMore || len(resp.Records) == 0 {
			if resp.Cursor > cursor {
				cursor = resp.Cursor
			}
			return all, cursor, nil
		}
		cursor = resp.Cursor
	}
}
