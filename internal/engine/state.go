package engine

import "dayroutine/internal/model"

type Phase string

const (
	// PhaseStarting waits for the subject identity.
	PhaseStarting Phase = "starting"
	// PhaseLoading waits for the first snapshot of the active date.
	PhaseLoading Phase = "loading"
	PhaseReady   Phase = "ready"
	// PhaseError means no usable schedule: identity or the subscription failed.
	PhaseError Phase = "error"
)

// State is an immutable view of the engine published after every change.
type State struct {
	Phase   Phase  `json:"phase"`
	Subject string `json:"subject,omitempty"`
	Date    string `json:"date,omitempty"`

	Activities []model.Activity `json:"activities"`

	// Unconfirmed is set while a freshly created document has not been
	// stored yet, and stays set if storing it failed.
	Unconfirmed bool `json:"unconfirmed"`

	Reset            ResetState `json:"reset"`
	PendingResetDate string     `json:"pendingResetDate,omitempty"`

	FollowingToday bool `json:"followingToday"`

	// Err is the most recent failure, cleared by the next user action.
	Err *Error `json:"error,omitempty"`
}

// Groups returns the activities grouped by section for display.
func (s State) Groups() []model.SectionGroup {
	return model.GroupBySection(s.Activities)
}

// Completed counts checked activities.
func (s State) Completed() int {
	n := 0
	for _, a := range s.Activities {
		if a.Completed {
			n++
		}
	}
	return n
}

// Activity looks up an activity by id.
func (s State) Activity(id string) (model.Activity, bool) {
	if i := model.IndexOf(s.Activities, id); i >= 0 {
		return s.Activities[i], true
	}
	return model.Activity{}, false
}

func (s State) clone() State {
	s.Activities = model.CloneActivities(s.Activities)
	if s.Activities == nil {
		s.Activities = []model.Activity{}
	}
	return s
}
