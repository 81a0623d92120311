package whatsapp

import "errors"

var (
	// ErrInvalidNumberFormat indicates the destination number matched
	// none of the accepted Brazilian number shapes.
	ErrInvalidNumberFormat = errors.New("whatsapp: invalid number format")

	// ErrSessionNotConnected indicates an outbound send was attempted
	// before the session reached the Connected state.
	ErrSessionNotConnected = errors.New("whatsapp: session not connected")

	// ErrUnknownInstance indicates an inbound webhook referenced an
	// instance id with no registered connection record.
	ErrUnknownInstance = errors.New("whatsapp: instance not registered")
)
