package router

import (
	"errors"
	"fmt"
)

// Table names used in errors, logs and snapshots.
const (
	TableAgent      = "agent"
	TableConnection = "connection"
	TableDefault    = "default"
)

var (
	// ErrNoRoute matches every NoRouteError.
	ErrNoRoute = errors.New("no route found")

	// ErrDeliveryFailed matches every DeliveryError.
	ErrDeliveryFailed = errors.New("delivery failed")

	ErrNoDefaultHandler    = errors.New("router requires a default handler")
	ErrRestoreNeedsSigner  = errors.New("restoration requires a signing identity")
	ErrRestoreNeedsFactory = errors.New("restoration requires a restorer")
)

// NoRouteError reports that no live route exists for an identity. For
// agent routes it means restoration was attempted and did not produce
// one; Err then holds the reason (storage.ErrNotFound or a
// *RestorationError).
type NoRouteError struct {
	Table    string
	Identity string
	Stale    bool // a terminated handler was bound to the identity (RestoreAgentRoute only)
	Err      error
}

func (e *NoRouteError) Error() string {
	msg := fmt.Sprintf("no %s route found for %s", e.Table, e.Identity)
	if e.Stale {
		msg += " (stale route)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NoRouteError) Unwrap() error { return e.Err }

func (e *NoRouteError) Is(target error) bool { return target == ErrNoRoute }

// DeliveryError reports that the handler bound to an identity failed or
// could not be reached. A terminated agent handler that could not be
// restored is reported this way, with Err wrapping ErrHandlerTerminated
// and the restoration failure.
type DeliveryError struct {
	Table    string
	Identity string
	Err      error
}

func (e *DeliveryError) Error() string {
	if e.Identity == "" {
		return fmt.Sprintf("%s delivery failed: %v", e.Table, e.Err)
	}
	return fmt.Sprintf("%s delivery to %s failed: %v", e.Table, e.Identity, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDeliveryFailed }

// RestorationStage names the step of the restoration procedure that failed.
type RestorationStage string

const (
	StageSign        RestorationStage = "sign"
	StageQuery       RestorationStage = "query"
	StageValidate    RestorationStage = "validate"
	StageReconstruct RestorationStage = "reconstruct"
	StageAbandoned   RestorationStage = "abandoned"
)

// RestorationError reports a failure of the durable store query or the
// reconstruction factory. Callers see it wrapped in a NoRouteError.
type RestorationError struct {
	Identity string
	Stage    RestorationStage
	Err      error
}

func (e *RestorationError) Error() string {
	return fmt.Sprintf("restoration of %s failed at %s: %v", e.Identity, e.Stage, e.Err)
}

func (e *RestorationError) Unwrap() error { return e.Err }
