package eventbus

import "errors"

var (
	// ErrBrokerUnavailable is returned when the NATS connection could not
	// be established or has dropped beyond its reconnect budget.
	ErrBrokerUnavailable = errors.New("eventbus: broker unavailable")

	// ErrRequestTimeout is returned when a command or query request-reply
	// exceeds its deadline without a response, and also when no
	// responder is listening on the target subject.
	ErrRequestTimeout = errors.New("eventbus: request timed out")

	// ErrNoHandler names the absence of a responder on a subject.
	// SendCommand and Query do not return it; they report a missing
	// responder as ErrRequestTimeout.
	ErrNoHandler = errors.New("eventbus: no responder for subject")

	// ErrInvalidEvent is returned when an event cannot be published
	// because its embedded DomainEvent is missing or malformed.
	ErrInvalidEvent = errors.New("eventbus: invalid event")
)
