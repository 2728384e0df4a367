package models

import "fmt"

// Stage is a named point in the order pipeline
type Stage string

const (
	StagePending             Stage = "Pending"
	StageQueuedForProcessing Stage = "QueuedForProcessing"
	StageValidatingOrder     Stage = "ValidatingOrder"
	StageCheckingStock       Stage = "CheckingStock"
	StageProcessingPayment   Stage = "ProcessingPayment"
	StageUpdatingInventory   Stage = "UpdatingInventory"
	StageCompleted           Stage = "Completed"
	StageError               Stage = "Error"
)

// stageOrder is the only legal forward progression.
var stageOrder = []Stage{
	StagePending,
	StageQueuedForProcessing,
	StageValidatingOrder,
	StageCheckingStock,
	StageProcessingPayment,
	StageUpdatingInventory,
	StageCompleted,
}

// ParseStage validates a stage name
func ParseStage(s string) (Stage, error) {
	for _, st := range stageOrder {
		if string(st) == s {
			return st, nil
		}
	}
	if s == string(StageError) {
		return StageError, nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// IsTerminal reports whether no further transitions occur
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageError
}

// Next returns the successor stage, or false for terminal stages
func (s Stage) Next() (Stage, bool) {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to Stage) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StageError {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}

// Status is the coarse public projection of Stage used by external consumers
type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusError      Status = "Error"
)

// Public projects the internal stage onto the four-state public status
func (s Stage) Public() Status {
	switch s {
	case StagePending:
		return StatusPending
	case StageCompleted:
		return StatusCompleted
	case StageError:
		return StatusError
	default:
		return StatusProcessing
	}
}

// StagesForStatus expands a public status back into the internal stages it covers
func StagesForStatus(status Status) []Stage {
	switch status {
	case StatusPending:
		return []Stage{StagePending}
	case StatusCompleted:
		return []Stage{StageCompleted}
	case StatusError:
		return []Stage{StageError}
	case StatusProcessing:
		return []Stage{
			StageQueuedForProcessing,
			StageValidatingOrder,
			StageCheckingStock,
			StageProcessingPayment,
			StageUpdatingInventory,
		}
	}
	return nil
}

// FailureReason records why an order reached Error
type FailureReason string

const (
	FailureNone                   FailureReason = ""
	FailureInvalidOrder           FailureReason = "InvalidOrder"
	FailureInsufficientStock      FailureReason = "InsufficientStock"
	FailureInsufficientBudget     FailureReason = "InsufficientBudget"
	FailurePaymentFailure         FailureReason = "PaymentFailure"
	FailureInventoryUpdateFailure FailureReason = "InventoryUpdateFailure"
	FailureStageTimeout           FailureReason = "StageTimeout"
	FailureCancelled              FailureReason = "Cancelled"
)
