package clone

import "fmt"

// Stage identifies how far a Transaction has progressed. Stages only
// increase along the happy path; StageFailed is absorbing.
type Stage int

const (
	// StageFailed is entered when snapshot creation or block commit
	// fails. No operation may run on a failed transaction.
	StageFailed Stage = -1

	// StageUninitialized is the zero stage of a fresh transaction.
	StageUninitialized Stage = 0

	// StageInitialized means the domain name and configuration have
	// been read from the hypervisor.
	StageInitialized Stage = 1

	// StagePrepared means the snapshot descriptor is built. The disk
	// set and snapshot flags are frozen from here on.
	StagePrepared Stage = 2

	// StageBegun means the external snapshot exists on the hypervisor.
	StageBegun Stage = 3

	// StageCommitting means the block-commit loop is running.
	StageCommitting Stage = 4

	// StageFinished means every delta has been merged back.
	StageFinished Stage = 5
)

func (s Stage) String() string {
	switch s {
	case StageFailed:
		return "FAILED"
	case StageUninitialized:
		return "UNINITIALIZED"
	case StageInitialized:
		return "INITIALIZED"
	case StagePrepared:
		return "PREPARED"
	case StageBegun:
		return "BEGUN"
	case StageCommitting:
		return "COMMITTING"
	case StageFinished:
		return "FINISHED"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// StageError reports an operation invoked outside its required stage.
// It is always a caller bug, never a transient condition.
type StageError struct {
	// Min and Max bound the stages the operation accepts. For
	// operations requiring one exact stage, Min == Max.
	Min, Max Stage

	// Actual is the stage the transaction was in.
	Actual Stage
}

func (e *StageError) Error() string {
	if e.Min == e.Max {
		return fmt.Sprintf("transaction stage is %s, %s required", e.Actual, e.Min)
	}
	return fmt.Sprintf("transaction stage is %s, between %s and %s required", e.Actual, e.Min, e.Max)
}

// requireStage fails unless the transaction is exactly at want.
func (t *Transaction) requireStage(want Stage) error {
	if t.stage != want {
		return &StageError{Min: want, Max: want, Actual: t.stage}
	}
	return nil
}

// requireStageBetween fails unless min <= stage <= max.
func (t *Transaction) requireStageBetween(min, max Stage) error {
	if t.stage < min || t.stage > max {
		return &StageError{Min: min, Max: max, Actual: t.stage}
	}
	return nil
}

func (t *Transaction) setStage(s Stage) {
	t.stage = s
	t.log.Debug("stage_changed", "domain", t.domain, "stage", s.String())
}
