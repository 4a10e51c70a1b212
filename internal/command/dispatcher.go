package command

import (
	"context"

	"go.uber.org/zap"

	"curator/internal/types"
)

// Dispatcher routes interpretations to registered commands, enforcing
// mode gating. Lookup failures and mode denials are distinct error kinds
// so callers can tell "no such operation" from "not in this mode".
type Dispatcher struct {
	registry *Registry
	log      *zap.Logger
}

// NewDispatcher wires a dispatcher over the registry.
func NewDispatcher(registry *Registry, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{registry: registry, log: log.Named("dispatch")}
}

// Registry exposes the underlying registry for operation listing.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch validates and executes the interpretation under the session
// mode. Clarify and unsupported interpretations short-circuit to a user
// message without touching the registry.
func (d *Dispatcher) Dispatch(ctx context.Context, mode types.Mode, interp types.Interpretation) (types.Result, error) {
	switch interp.Operation {
	case types.OpClarify:
		return types.Result{Status: types.StatusClarify, Message: interp.Message}, nil
	case types.OpUnsupported:
		msg := interp.Message
		if msg == "" {
			msg = "That request is outside what I can do with the data store."
		}
		return types.Result{Status: types.StatusClarify, Message: msg}, nil
	}

	cmd, err := d.Resolve(mode, interp.Operation)
	if err != nil {
		return types.Result{}, err
	}

	if err := cmd.Validate(ctx, interp); err != nil {
		return types.Result{}, err
	}

	d.log.Debug("dispatching",
		zap.String("operation", string(interp.Operation)),
		zap.String("target_type", interp.TargetType),
		zap.String("mode", mode.String()))
	return cmd.Execute(ctx, interp)
}

// Resolve looks up the command and checks mode permission, in that order.
// An unknown operation is reported as unknown even when the mode would
// also have denied it.
func (d *Dispatcher) Resolve(mode types.Mode, op types.OperationKind) (Command, error) {
	cmd, ok := d.registry.Get(string(op))
	if !ok {
		return nil, types.E(types.KindUnknownOperation, "unknown operation %q", op)
	}
	if !mode.Allows(cmd.RequiredMode()) {
		return nil, types.E(types.KindModeNotAllowed,
			"operation %q requires %s mode, session is in %s mode",
			op, cmd.RequiredMode(), mode)
	}
	return cmd, nil
}
