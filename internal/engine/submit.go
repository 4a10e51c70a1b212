package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"curator/internal/command"
	"curator/internal/logging"
	"curator/internal/plan"
	"curator/internal/types"
)

// prepare runs the shared front half of every entry point: sanitize the
// raw utterance, then interpret what survives. The returned request id
// ties the audit events of one request together.
func (e *Engine) prepare(ctx context.Context, sessionID, text string, history []types.ConversationTurn) (types.Interpretation, string, error) {
	requestID := uuid.NewString()

	verdict := e.sanitizer.Sanitize(text)
	e.audit.Record(logging.AuditEvent{
		EventType: logging.AuditSanitizeVerdict,
		SessionID: sessionID,
		RequestID: requestID,
		Action:    verdict.Risk.String(),
		Success:   !verdict.Rejected(),
		Fields:    map[string]any{"patterns": verdict.MatchedPatterns},
	})
	if verdict.Rejected() {
		e.audit.Record(logging.AuditEvent{
			EventType: logging.AuditSanitizeReject,
			SessionID: sessionID,
			RequestID: requestID,
			Success:   false,
		})
		// Deliberately generic: the message must not teach the attacker
		// which pattern fired.
		return types.Interpretation{}, requestID,
			types.E(types.KindSanitizationRejected, "the request could not be processed")
	}

	start := time.Now()
	interp, err := e.interpreter.Interpret(ctx, verdict.CleanedText, history)
	if err != nil {
		return types.Interpretation{}, requestID, err
	}

	ev := logging.AuditEvent{
		EventType:  logging.AuditInterpretation,
		SessionID:  sessionID,
		RequestID:  requestID,
		Target:     interp.TargetType,
		Action:     string(interp.Operation),
		Success:    true,
		DurationMs: time.Since(start).Milliseconds(),
		Fields:     map[string]any{"confidence": interp.Confidence},
	}
	if interp.Operation == types.OpClarify {
		ev.EventType = logging.AuditClarify
	}
	e.audit.Record(ev)
	return interp, requestID, nil
}

func (e *Engine) dispatch(ctx context.Context, sessionID, requestID string, mode types.Mode, interp types.Interpretation) (types.Result, error) {
	start := time.Now()
	result, err := e.dispatcher.Dispatch(ctx, mode, interp)

	ev := logging.AuditEvent{
		EventType:  logging.AuditDispatch,
		SessionID:  sessionID,
		RequestID:  requestID,
		Target:     interp.TargetType,
		Action:     string(interp.Operation),
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		ev.Error = err.Error()
		if types.IsKind(err, types.KindModeNotAllowed) || types.IsKind(err, types.KindUnknownOperation) {
			ev.EventType = logging.AuditDispatchDenied
		}
	}
	e.audit.Record(ev)
	return result, err
}

// SubmitReadQuery interprets and executes a read-only request. Mutating
// interpretations are denied by mode, never silently downgraded.
func (e *Engine) SubmitReadQuery(ctx context.Context, text string, history []types.ConversationTurn) (types.Result, error) {
	interp, requestID, err := e.prepare(ctx, "", text, history)
	if err != nil {
		return types.Result{}, err
	}
	return e.dispatch(ctx, "", requestID, types.ModeRead, interp)
}

// SubmitWritePreview interprets a request in write mode. Reads execute
// immediately; writes come back as a preview that must be confirmed with
// ConfirmWrite before anything changes.
func (e *Engine) SubmitWritePreview(ctx context.Context, sessionID, text string, history []types.ConversationTurn) (types.Result, error) {
	interp, requestID, err := e.prepare(ctx, sessionID, text, history)
	if err != nil {
		return types.Result{}, err
	}

	if !interp.Operation.Mutating() {
		return e.dispatch(ctx, sessionID, requestID, types.ModeWrite, interp)
	}

	start := time.Now()
	preview, err := e.writes.Preview(ctx, sessionID, types.ModeWrite, interp)
	ev := logging.AuditEvent{
		EventType:  logging.AuditPreview,
		SessionID:  sessionID,
		RequestID:  requestID,
		Target:     interp.TargetType,
		Action:     string(interp.Operation),
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		ev.Error = err.Error()
		e.audit.Record(ev)
		return types.Result{}, err
	}
	ev.Fields = map[string]any{
		"plan_hash": preview.PlanHash,
		"affected":  preview.AffectedCount,
	}
	e.audit.Record(ev)

	return types.Result{
		Status:  types.StatusPreview,
		Message: preview.Message,
		Preview: &preview,
	}, nil
}

// ConfirmWrite executes the session's pending plan if planHash still
// matches a live preview.
func (e *Engine) ConfirmWrite(ctx context.Context, sessionID, planHash string) (types.Result, error) {
	start := time.Now()
	result, err := e.writes.Confirm(ctx, sessionID, planHash)

	ev := logging.AuditEvent{
		EventType:  logging.AuditConfirm,
		SessionID:  sessionID,
		Action:     planHash,
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		ev.Error = err.Error()
		if types.IsKind(err, types.KindStalePlan) {
			ev.EventType = logging.AuditConfirmReject
		}
	}
	e.audit.Record(ev)
	if err != nil {
		return types.Result{}, err
	}
	e.audit.Record(logging.AuditEvent{
		EventType: logging.AuditCacheInvalidate,
		SessionID: sessionID,
		Action:    planHash,
		Success:   true,
	})
	return result, nil
}

// RejectWrite discards the session's pending preview without executing.
func (e *Engine) RejectWrite(sessionID string) bool {
	ok := e.writes.Reject(sessionID)
	if ok {
		e.audit.Record(logging.AuditEvent{
			EventType: logging.AuditConfirmReject,
			SessionID: sessionID,
			Action:    "user_reject",
			Success:   true,
		})
	}
	return ok
}

// RunBatch interprets a request that must resolve to a batch operation
// and runs it, or dry-runs it for inspection. Partial failure is reported
// in the result; the error then carries the partial-failure kind.
func (e *Engine) RunBatch(ctx context.Context, text string, history []types.ConversationTurn, dryRun bool) (types.Result, error) {
	interp, requestID, err := e.prepare(ctx, "", text, history)
	if err != nil {
		return types.Result{}, err
	}

	switch interp.Operation {
	case types.OpClarify, types.OpUnsupported:
		return e.dispatch(ctx, "", requestID, types.ModeWrite, interp)
	case types.OpBatch:
	default:
		return types.Result{}, types.E(types.KindValidationFailed,
			"that resolved to a single %s operation; submit it normally", interp.Operation)
	}

	start := time.Now()
	res, runErr := e.batches.Run(ctx, types.ModeWrite, interp, dryRun)
	e.audit.Record(logging.AuditEvent{
		EventType:  logging.AuditBatchSummary,
		RequestID:  requestID,
		Action:     string(types.OpBatch),
		Success:    runErr == nil,
		DurationMs: time.Since(start).Milliseconds(),
		Fields: map[string]any{
			"dry_run":   dryRun,
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
			"skipped":   res.Skipped,
		},
	})
	if runErr != nil && !types.IsKind(runErr, types.KindPartialBatchFailure) {
		return types.Result{}, runErr
	}

	status := types.StatusOK
	msg := fmt.Sprintf("Batch finished: %d succeeded.", res.Succeeded)
	if res.Failed > 0 || res.Skipped > 0 {
		status = types.StatusError
		msg = fmt.Sprintf("Batch finished: %d succeeded, %d failed, %d skipped.",
			res.Succeeded, res.Failed, res.Skipped)
	}
	if dryRun {
		msg = "Dry run only, nothing was changed. " + msg
	}
	return types.Result{Status: status, Message: msg, Batch: &res}, runErr
}

// OpenPlan starts a plan-mode streaming session.
func (e *Engine) OpenPlan(ctx context.Context) *plan.Session {
	s := e.plans.Open(ctx)
	e.audit.Record(logging.AuditEvent{
		EventType: logging.AuditSessionStart,
		SessionID: s.ID,
		Success:   true,
	})
	return s
}

// StreamPlan submits one utterance to a plan session. Events stream on
// the session's channel; the turn runs until done or cancelled.
func (e *Engine) StreamPlan(sessionID, text string) error {
	s, ok := e.plans.Get(sessionID)
	if !ok {
		return types.E(types.KindValidationFailed, "no plan session %s", sessionID)
	}
	if err := s.Begin(); err != nil {
		return err
	}
	go e.runPlanTurn(s, text)
	return nil
}

// CancelPlan aborts the session's in-flight turn, interrupting any model
// call in progress.
func (e *Engine) CancelPlan(sessionID string) bool {
	s, ok := e.plans.Get(sessionID)
	if !ok {
		return false
	}
	s.Cancel()
	e.audit.Record(logging.AuditEvent{
		EventType: logging.AuditSessionCancel,
		SessionID: sessionID,
		Success:   true,
	})
	return true
}

// ClosePlan ends the session and closes its event stream.
func (e *Engine) ClosePlan(sessionID string) bool {
	ok := e.plans.Close(sessionID)
	if ok {
		e.audit.Record(logging.AuditEvent{
			EventType: logging.AuditSessionEnd,
			SessionID: sessionID,
			Success:   true,
		})
	}
	return ok
}

// runPlanTurn executes one plan-mode turn. Reads execute for real;
// writes stop at their preview. Nothing in this path mutates the store.
func (e *Engine) runPlanTurn(s *plan.Session, text string) {
	defer s.End()
	ctx := s.Context()

	interp, requestID, err := e.prepare(ctx, s.ID, text, s.History())
	if err != nil {
		s.Emit(plan.Event{Type: plan.EventError, Message: userMessage(err)})
		return
	}
	s.AppendHistory("user", text)
	s.Emit(plan.Event{Type: plan.EventInterpretation, Interpretation: &interp})

	switch {
	case interp.Operation == types.OpClarify || interp.Operation == types.OpUnsupported:
		s.AppendHistory("assistant", interp.Message)
		s.Emit(plan.Event{Type: plan.EventMessage, Message: interp.Message})

	case interp.Operation.Mutating():
		e.planPreview(ctx, s, requestID, interp)

	default:
		result, err := e.dispatch(ctx, s.ID, requestID, types.ModePlan, interp)
		if err != nil {
			s.Emit(plan.Event{Type: plan.EventError, Message: userMessage(err)})
			return
		}
		s.AppendHistory("assistant", result.Message)
		s.Emit(plan.Event{
			Type:    plan.EventMessage,
			Message: result.Message,
			Records: result.Records,
		})
	}
}

// planPreview shows what a write would do without parking a confirmable
// plan: plan mode has no confirm path at all.
func (e *Engine) planPreview(ctx context.Context, s *plan.Session, requestID string, interp types.Interpretation) {
	cmd, ok := e.dispatcher.Registry().Get(string(interp.Operation))
	if !ok {
		s.Emit(plan.Event{Type: plan.EventError,
			Message: fmt.Sprintf("unknown operation %q", interp.Operation)})
		return
	}
	mut, ok := cmd.(command.Mutator)
	if !ok {
		s.Emit(plan.Event{Type: plan.EventError,
			Message: fmt.Sprintf("operation %q cannot be planned", interp.Operation)})
		return
	}

	if err := mut.Validate(ctx, interp); err != nil {
		s.Emit(plan.Event{Type: plan.EventError, Message: userMessage(err)})
		return
	}
	preview, err := mut.Preview(ctx, interp)
	if err != nil {
		s.Emit(plan.Event{Type: plan.EventError, Message: userMessage(err)})
		return
	}

	e.audit.Record(logging.AuditEvent{
		EventType: logging.AuditPreview,
		SessionID: s.ID,
		RequestID: requestID,
		Target:    interp.TargetType,
		Action:    string(interp.Operation),
		Success:   true,
		Fields:    map[string]any{"plan_mode": true, "affected": preview.AffectedCount},
	})

	msg := preview.Message + " (plan mode: nothing was applied)"
	s.AppendHistory("assistant", msg)
	s.Emit(plan.Event{Type: plan.EventPreview, Message: msg, Preview: &preview})
}

// userMessage strips wrapping detail down to what the user should see.
func userMessage(err error) string {
	var terr *types.Error
	if errors.As(err, &terr) {
		return terr.Message
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "the turn was cancelled"
	}
	return err.Error()
}
