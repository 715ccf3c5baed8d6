// Package executor runs authorized intents against the record store.
// The handler map is total over the action catalog: a catalog entry
// without a handler (or a handler without a catalog entry) fails the
// startup self-check, so "unknown action" can never surface at execution
// time. Writes run at most once; reads get a small bounded retry.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"erppilot/internal/catalog"
	"erppilot/internal/logging"
	"erppilot/internal/rbac"
	"erppilot/internal/repository"
	"erppilot/internal/types"
)

const (
	maxReadAttempts = 3
	retryBackoff    = 100 * time.Millisecond
)

type handlerFunc func(ctx context.Context, userID string, intent *types.Intent) (*types.Outcome, error)

// Executor dispatches intents to action handlers.
type Executor struct {
	repo     repository.RecordRepository
	users    *rbac.SQLSource
	cat      *catalog.Catalog
	handlers map[types.ActionName]handlerFunc
}

// New builds the executor and runs the completeness self-check. An
// incomplete handler map is a programming error and refuses to start.
func New(repo repository.RecordRepository, users *rbac.SQLSource, cat *catalog.Catalog) (*Executor, error) {
	e := &Executor{
		repo:  repo,
		users: users,
		cat:   cat,
	}
	e.handlers = map[types.ActionName]handlerFunc{
		types.ActionCreateSalesOrder:       e.createSalesOrder,
		types.ActionListCustomers:          e.listCustomers,
		types.ActionGetCustomerInfo:        e.getCustomerInfo,
		types.ActionCreateCustomer:         e.createCustomer,
		types.ActionCreateItem:             e.createItem,
		types.ActionGetStockLevel:          e.getStockLevel,
		types.ActionUpdateItemPrice:        e.updateItemPrice,
		types.ActionGetSalesReport:         e.getSalesReport,
		types.ActionGetOutstandingInvoices: e.getOutstandingInvoices,
		types.ActionCreateWarehouse:        e.createWarehouse,
		types.ActionCreateUser:             e.createUser,
		types.ActionGeneralQuery:           e.generalQuery,
	}

	if err := e.selfCheck(); err != nil {
		return nil, err
	}

	logging.Get(logging.CategoryBoot).Info("executor ready: %d handlers", len(e.handlers))
	return e, nil
}

// selfCheck verifies the handler map covers the catalog exactly.
func (e *Executor) selfCheck() error {
	for _, name := range e.cat.Names() {
		if _, ok := e.handlers[name]; !ok {
			return fmt.Errorf("catalog action %q has no handler", name)
		}
	}
	for name := range e.handlers {
		if _, ok := e.cat.Lookup(name); !ok {
			return fmt.Errorf("handler %q has no catalog entry", name)
		}
	}
	return nil
}

// Execute runs one intent for the given user and always returns an
// Outcome, exactly one per call. The user id scopes record reads to rows
// that user may see. Read-tier actions are retried up to maxReadAttempts
// on transient failures; write-tier actions run once and surface
// whatever happened.
func (e *Executor) Execute(ctx context.Context, userID string, intent *types.Intent) *types.Outcome {
	def, ok := e.cat.Lookup(intent.Action)
	if !ok {
		// Unreachable after the self-check unless the guard was bypassed.
		return failure(types.ErrUnknownAction, fmt.Sprintf("action %q is not available", intent.Action))
	}
	handler := e.handlers[intent.Action]

	timer := logging.StartTimer(logging.CategoryExecutor, string(intent.Action))
	defer timer.StopWithThreshold(2 * time.Second)

	if def.RiskTier == types.TierRead {
		return e.executeRead(ctx, userID, intent, handler)
	}
	return e.executeWrite(ctx, userID, intent, handler)
}

func (e *Executor) executeRead(ctx context.Context, userID string, intent *types.Intent, handler handlerFunc) *types.Outcome {
	var lastErr error
	for attempt := 1; attempt <= maxReadAttempts; attempt++ {
		outcome, err := handler(ctx, userID, intent)
		if err == nil {
			return outcome
		}
		lastErr = err
		if !isTransient(err) || ctx.Err() != nil {
			break
		}
		logging.Executor("read %s attempt %d failed, retrying: %v", intent.Action, attempt, err)
		select {
		case <-ctx.Done():
			return failure(types.ErrTimeout, "request cancelled")
		case <-time.After(retryBackoff * time.Duration(attempt)):
		}
	}
	return e.mapError(intent, lastErr)
}

func (e *Executor) executeWrite(ctx context.Context, userID string, intent *types.Intent, handler handlerFunc) *types.Outcome {
	// One attempt only. A failed write may or may not have landed; the
	// user re-issues after checking, we never fire it again ourselves.
	outcome, err := handler(ctx, userID, intent)
	if err != nil {
		return e.mapError(intent, err)
	}
	return outcome
}

// mapError translates storage errors into user-safe outcomes.
func (e *Executor) mapError(intent *types.Intent, err error) *types.Outcome {
	switch {
	case err == nil:
		return failure(types.ErrInternal, "action failed")
	case errors.Is(err, repository.ErrNotFound):
		return failure(types.ErrInvalidParameters, err.Error())
	case errors.Is(err, repository.ErrExists):
		return failure(types.ErrConflict, err.Error())
	case errors.Is(err, repository.ErrConflict):
		return failure(types.ErrConflict, "the record changed while this request ran; please retry")
	case errors.Is(err, context.DeadlineExceeded):
		return failure(types.ErrTimeout, "the action timed out")
	default:
		logging.Executor("action %s failed: %v", intent.Action, err)
		return failure(types.ErrInternal, "the action could not be completed")
	}
}

// isTransient reports whether a read failure is worth retrying. Domain
// errors are final; only infrastructure failures qualify.
func isTransient(err error) bool {
	if errors.Is(err, repository.ErrNotFound) ||
		errors.Is(err, repository.ErrExists) ||
		errors.Is(err, repository.ErrConflict) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func success(message string, payload map[string]interface{}) *types.Outcome {
	return &types.Outcome{
		Status:  types.OutcomeSuccess,
		Message: message,
		Payload: payload,
	}
}

func failure(kind types.ErrorKind, message string) *types.Outcome {
	return &types.Outcome{
		Status:    types.OutcomeFailure,
		ErrorKind: kind,
		Message:   message,
	}
}
