package domain

import "fmt"

// SubscriptionEvent names a trigger that moves a subscription between statuses.
type SubscriptionEvent string

const (
	EventCancel     SubscriptionEvent = "cancel"
	EventReactivate SubscriptionEvent = "reactivate"
	EventChangeCard SubscriptionEvent = "change_card"
	EventSuspend    SubscriptionEvent = "suspend"
	EventExpire     SubscriptionEvent = "expire"
)

type transitionKey struct {
	from  SubscriptionStatus
	event SubscriptionEvent
}

var transitions = map[transitionKey]SubscriptionStatus{
	{StatusActive, EventCancel}:                  StatusPendingCancellation,
	{StatusActive, EventChangeCard}:              StatusActive,
	{StatusActive, EventSuspend}:                 StatusSuspended,
	{StatusPendingCancellation, EventReactivate}: StatusActive,
	{StatusPendingCancellation, EventExpire}:     StatusCancelled,
}

// TransitionError reports an event fired from a status that does not accept it.
type TransitionError struct {
	From  SubscriptionStatus
	Event SubscriptionEvent
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("no transition from status '%s' for event '%s'", e.From, e.Event)
}

// Next returns the status reached by firing event from the given status.
func Next(from SubscriptionStatus, event SubscriptionEvent) (SubscriptionStatus, error) {
	to, ok := transitions[transitionKey{from: from, event: event}]
	if !ok {
		return "", &TransitionError{From: from, Event: event}
	}
	return to, nil
}

// CanFire reports whether event is accepted in the given status.
func CanFire(from SubscriptionStatus, event SubscriptionEvent) bool {
	_, ok := transitions[transitionKey{from: from, event: event}]
	return ok
}
