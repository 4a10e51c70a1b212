// Package twophase implements the preview/confirm protocol for mutating
// operations. A preview computes the effect of a write and parks it as a
// pending plan; only a confirm carrying the matching plan hash within the
// expiry window executes it. Anything else is a stale plan.
package twophase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"go.uber.org/zap"

	"curator/internal/catalog"
	"curator/internal/command"
	"curator/internal/types"
)

// plan is one parked write. A session holds at most one; a new preview
// replaces it.
type plan struct {
	sessionID string
	hash      string
	interp    types.Interpretation
	cmd       command.Mutator
	status    types.PlanStatus
	createdAt time.Time
	expiresAt time.Time
}

// ExpiryFunc is notified when a plan expires without confirmation.
type ExpiryFunc func(sessionID, planHash string)

// Executor coordinates previews and confirms across sessions.
type Executor struct {
	dispatcher *command.Dispatcher
	catalog    *catalog.Provider
	window     time.Duration
	log        *zap.Logger
	onExpire   ExpiryFunc

	mu    sync.Mutex
	plans map[string]*plan

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewExecutor builds an executor with the given confirmation window.
func NewExecutor(dispatcher *command.Dispatcher, provider *catalog.Provider, window time.Duration, log *zap.Logger) *Executor {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		dispatcher: dispatcher,
		catalog:    provider,
		window:     window,
		log:        log.Named("twophase"),
		plans:      make(map[string]*plan),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// SetOnExpire registers a callback for plan expiry. Call before
// StartSweeper.
func (e *Executor) SetOnExpire(fn ExpiryFunc) { e.onExpire = fn }

// SetWindow applies a reloaded confirmation window to subsequent
// previews. Pending plans keep the expiry they were parked with.
func (e *Executor) SetWindow(window time.Duration) {
	if window <= 0 {
		return
	}
	e.mu.Lock()
	e.window = window
	e.mu.Unlock()
}

// PlanHash derives the stable hash binding a confirm to its preview. It
// covers the operation, target type and full parameter set, so any drift
// between what was previewed and what is confirmed changes the hash.
func PlanHash(interp types.Interpretation) (string, error) {
	h, err := hashstructure.Hash(map[string]any{
		"operation":  string(interp.Operation),
		"target":     interp.TargetType,
		"parameters": interp.Parameters,
	}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("failed to hash plan: %w", err)
	}
	return fmt.Sprintf("%016x", h), nil
}

// Preview validates the write, computes its effect without applying it,
// and parks it as the session's pending plan. Any previous pending plan
// for the session is discarded.
func (e *Executor) Preview(ctx context.Context, sessionID string, mode types.Mode, interp types.Interpretation) (types.PreviewResult, error) {
	cmd, err := e.dispatcher.Resolve(mode, interp.Operation)
	if err != nil {
		return types.PreviewResult{}, err
	}
	mut, ok := cmd.(command.Mutator)
	if !ok {
		return types.PreviewResult{}, types.E(types.KindValidationFailed,
			"operation %q does not require confirmation", interp.Operation)
	}

	if err := mut.Validate(ctx, interp); err != nil {
		return types.PreviewResult{}, err
	}

	preview, err := mut.Preview(ctx, interp)
	if err != nil {
		return types.PreviewResult{}, err
	}

	hash, err := PlanHash(interp)
	if err != nil {
		return types.PreviewResult{}, types.WrapE(types.KindInternal, err, "could not derive plan hash")
	}

	now := time.Now()
	e.mu.Lock()
	preview.PlanHash = hash
	preview.CreatedAt = now
	preview.ExpiresAt = now.Add(e.window)
	e.plans[sessionID] = &plan{
		sessionID: sessionID,
		hash:      hash,
		interp:    interp,
		cmd:       mut,
		status:    types.PlanPreviewed,
		createdAt: now,
		expiresAt: preview.ExpiresAt,
	}
	e.mu.Unlock()

	e.log.Debug("plan previewed",
		zap.String("session", sessionID),
		zap.String("hash", hash),
		zap.String("operation", string(interp.Operation)),
		zap.Int("affected", preview.AffectedCount))
	return preview, nil
}

// Confirm executes the session's pending plan if planHash matches and the
// window has not elapsed. The plan is consumed whether execution succeeds
// or fails; a failed write is never silently retried.
func (e *Executor) Confirm(ctx context.Context, sessionID, planHash string) (types.Result, error) {
	e.mu.Lock()
	p, ok := e.plans[sessionID]
	if !ok {
		e.mu.Unlock()
		return types.Result{}, types.E(types.KindStalePlan,
			"no pending preview for this session; request a new preview")
	}
	if time.Now().After(p.expiresAt) {
		delete(e.plans, sessionID)
		e.mu.Unlock()
		e.notifyExpire(p)
		return types.Result{}, types.E(types.KindStalePlan,
			"the preview expired at %s; request a new preview", p.expiresAt.Format(time.RFC3339))
	}
	if p.hash != planHash {
		e.mu.Unlock()
		return types.Result{}, types.E(types.KindStalePlan,
			"the confirmation does not match the pending preview; request a new preview")
	}
	delete(e.plans, sessionID)
	e.mu.Unlock()

	// The catalog may have changed between preview and confirm; the write
	// must hold against the current state, not the previewed one.
	if err := p.cmd.Validate(ctx, p.interp); err != nil {
		p.status = types.PlanRejected
		return types.Result{}, err
	}

	result, err := p.cmd.Execute(ctx, p.interp)
	if err != nil {
		p.status = types.PlanRejected
		return types.Result{}, err
	}
	p.status = types.PlanConfirmed

	if e.catalog != nil {
		e.catalog.InvalidateType(p.cmd.InvalidatedType(p.interp))
	}

	e.log.Info("plan confirmed",
		zap.String("session", sessionID),
		zap.String("hash", planHash),
		zap.String("operation", string(p.interp.Operation)))
	return result, nil
}

// Reject discards the session's pending plan, if any.
func (e *Executor) Reject(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.plans[sessionID]
	if !ok {
		return false
	}
	p.status = types.PlanRejected
	delete(e.plans, sessionID)
	return true
}

// Pending returns the session's pending plan hash and expiry, if one
// exists and has not lapsed.
func (e *Executor) Pending(sessionID string) (string, time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.plans[sessionID]
	if !ok || time.Now().After(p.expiresAt) {
		return "", time.Time{}, false
	}
	return p.hash, p.expiresAt, true
}

func (e *Executor) notifyExpire(p *plan) {
	p.status = types.PlanExpired
	if e.onExpire != nil {
		e.onExpire(p.sessionID, p.hash)
	}
	e.log.Debug("plan expired", zap.String("session", p.sessionID), zap.String("hash", p.hash))
}

// StartSweeper drops expired plans in the background so expiry fires even
// when no confirm arrives to observe it lazily.
func (e *Executor) StartSweeper(interval time.Duration) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		defer close(e.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.sweep()
			}
		}
	}()
}

func (e *Executor) sweep() {
	now := time.Now()
	var expired []*plan
	e.mu.Lock()
	for id, p := range e.plans {
		if now.After(p.expiresAt) {
			expired = append(expired, p)
			delete(e.plans, id)
		}
	}
	e.mu.Unlock()
	for _, p := range expired {
		e.notifyExpire(p)
	}
}

// StopSweeper stops the background sweep and waits for it to exit.
func (e *Executor) StopSweeper() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	close(e.stopCh)
	<-e.doneCh
}
