package controller

import "fmt"

// State is the controller's position within a cycle.
type State int32

const (
	Idle State = iota
	Detecting
	Classifying
	Searching
	Adapting
	Validating
	Applying
	Measuring
	Documenting
)

var stateNames = [...]string{
	Idle:        "IDLE",
	Detecting:   "DETECTING",
	Classifying: "CLASSIFYING",
	Searching:   "SEARCHING",
	Adapting:    "ADAPTING",
	Validating:  "VALIDATING",
	Applying:    "APPLYING",
	Measuring:   "MEASURING",
	Documenting: "DOCUMENTING",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Outcome is how a cycle ended.
type Outcome int

const (
	NoIssue Outcome = iota
	NotAutoFixable
	ManualRequired
	ValidationRejected
	Applied
	Reverted
	Failed
)

func (o Outcome) String() string {
	switch o {
	case NoIssue:
		return "no_issue"
	case NotAutoFixable:
		return "not_auto_fixable"
	case ManualRequired:
		return "manual_required"
	case ValidationRejected:
		return "validation_rejected"
	case Applied:
		return "applied"
	case Reverted:
		return "reverted"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}
