package dicom

// Event is the name of the trigger that fires a state transition. Events
// are explicit so the scheduler's transition table stays a plain switch
// rather than a generic FSM abstraction.
type Event string

const (
	EventInstanceArrived   Event = "instance_arrived"
	EventQuiescenceElapsed Event = "quiescence_elapsed"
	EventSchedulerPickup   Event = "scheduler_pickup"
	EventAnonymizeRequired Event = "anonymize_required"
	EventAnonymizeOK       Event = "anonymize_ok"
	EventAnonymizeError    Event = "anonymize_error"
	EventReviewRequired    Event = "review_required"
	EventNoReviewRequired  Event = "no_review_required"
	EventApprove           Event = "approve"
	EventReject            Event = "reject"
	EventAllSuccess        Event = "all_success"
	EventPartialSuccess    Event = "partial_success"
	EventAllFailed         Event = "all_failed"
	EventUserRetry         Event = "user_retry"
	EventRetrySucceeded    Event = "retry_succeeded"
)

// transitions enumerates every valid (from, event) -> to edge in §4.9's
// state machine. Unlisted (from, event) pairs are invalid.
var transitions = map[StudyState]map[Event]StudyState{
	StateReceiving: {
		EventInstanceArrived:   StateReceiving,
		EventQuiescenceElapsed: StateCompletedIncoming,
	},
	StateCompletedIncoming: {
		EventSchedulerPickup: StateProcessing,
	},
	StateProcessing: {
		EventAnonymizeRequired: StateAnonymizing,
		EventReviewRequired:    StateAwaitingReview,
		EventNoReviewRequired:  StateForwarding,
	},
	StateAnonymizing: {
		EventAnonymizeOK:    StateProcessing,
		EventAnonymizeError: StateFailed,
	},
	StateAwaitingReview: {
		EventApprove: StateForwarding,
		EventReject:  StateRejected,
	},
	StateForwarding: {
		EventAllSuccess:     StateCompleted,
		EventPartialSuccess: StatePartial,
		EventAllFailed:      StateFailed,
	},
	StateFailed: {
		EventUserRetry: StateProcessing,
	},
	StatePartial: {
		EventRetrySucceeded: StateCompleted,
	},
}

// ValidTransition reports whether firing event on a study currently in
// state from is legal, and if so returns the resulting state.
func ValidTransition(from StudyState, event Event) (StudyState, bool) {
	edges, ok := transitions[from]
	if !ok {
		return "", false
	}
	to, ok := edges[event]
	return to, ok
}

// MustTransition applies a transition, panicking if it is invalid. Callers
// in the scheduler are expected to have already validated the event
// against the current state via ValidTransition; MustTransition exists so
// a programming error (an unreachable transition attempted) fails loudly
// rather than silently leaving the study in the wrong directory.
func MustTransition(from StudyState, event Event) StudyState {
	to, ok := ValidTransition(from, event)
	if !ok {
		panic("dicom: invalid transition " + string(from) + " on event " + string(event))
	}
	return to
}
