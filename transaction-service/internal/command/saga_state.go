package command

import (
	"github.com/mulehunter/backend/shared/config"
	"github.com/mulehunter/backend/shared/models"
	"github.com/mulehunter/backend/transaction-service/internal/notification"
	"github.com/mulehunter/backend/transaction-service/internal/scoring"
)

// State is a step of the intake saga. Progression is forward only.
type State string

const (
	StateReceived          State = "RECEIVED"
	StatePersisted         State = "PERSISTED"
	StateFeaturesUpdated   State = "FEATURES_UPDATED"
	StateScoredOrSkipped   State = "SCORED_OR_SKIPPED"
	StateNotifiedOrSkipped State = "NOTIFIED_OR_SKIPPED"
	StateFinalized         State = "FINALIZED"
	StateRejected          State = "REJECTED"
)

// outcomeInsertFailed labels sagas that never reached PERSISTED because the
// store refused the row.
const outcomeInsertFailed = "INSERT_FAILED"

// transitions lists the legal successors of each state. The two best-effort
// steps swap places under the notify_first policy.
func transitions(stepOrder string) map[State][]State {
	t := map[State][]State{
		StateReceived:  {StatePersisted, StateRejected},
		StatePersisted: {StateFeaturesUpdated, StateRejected},
	}
	if stepOrder == config.StepOrderNotifyFirst {
		t[StateFeaturesUpdated] = []State{StateNotifiedOrSkipped}
		t[StateNotifiedOrSkipped] = []State{StateScoredOrSkipped}
		t[StateScoredOrSkipped] = []State{StateFinalized}
	} else {
		t[StateFeaturesUpdated] = []State{StateScoredOrSkipped}
		t[StateScoredOrSkipped] = []State{StateNotifiedOrSkipped}
		t[StateNotifiedOrSkipped] = []State{StateFinalized}
	}
	return t
}

// Execution records what happened to one transaction.
type Execution struct {
	Transaction *models.Transaction
	State       State
	Trail       []State
	Score       scoring.Result
	Delivery    notification.Delivery
	// Err is the reason for a REJECTED outcome after persistence, or a
	// non-fatal finalize failure.
	Err error

	allowed map[State][]State
}

func newExecution(stepOrder string) *Execution {
	return &Execution{
		State:   StateReceived,
		Trail:   []State{StateReceived},
		Score:   scoring.Unavailable("not attempted"),
		allowed: transitions(stepOrder),
	}
}

// advance moves to next. An illegal move is a programming error.
func (e *Execution) advance(next State) {
	for _, s := range e.allowed[e.State] {
		if s == next {
			e.State = next
			e.Trail = append(e.Trail, next)
			return
		}
	}
	panic("saga: illegal transition " + string(e.State) + " -> " + string(next))
}
