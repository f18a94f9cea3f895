package binding

import "time"

// Source is a binding to the queue a route relays from, along with the
// polling parameters handed to the scheduler.
type Source struct {
	*Endpoint
	// LeaseDuration is how long a dequeued but undeleted message stays hidden.
	LeaseDuration time.Duration
	// MaxEmptyPollBackoff bounds the wait between unsuccessful dequeue attempts.
	MaxEmptyPollBackoff time.Duration
}

// NewSource returns an unresolved source binding. Negative polling
// parameters are treated as zero.
func NewSource(accountSetting string, queueName string, leaseDurationMillis int, maxEmptyPollBackoffSeconds int, env Environment) *Source {
	if leaseDurationMillis < 0 {
		leaseDurationMillis = 0
	}
	if maxEmptyPollBackoffSeconds < 0 {
		maxEmptyPollBackoffSeconds = 0
	}
	return &Source{
		Endpoint:            NewEndpoint(accountSetting, queueName, env),
		LeaseDuration:       time.Duration(leaseDurationMillis) * time.Millisecond,
		MaxEmptyPollBackoff: time.Duration(maxEmptyPollBackoffSeconds) * time.Second,
	}
}

// Destination is a binding to a queue a route copies messages into.
type Destination struct {
	*Endpoint
}

// NewDestination returns an unresolved destination binding.
func NewDestination(accountSetting string, queueName string, env Environment) *Destination {
	return &Destination{Endpoint: NewEndpoint(accountSetting, queueName, env)}
}
