package types

import "errors"

// Sentinel errors for the bot.
var (
	// Order errors
	ErrInvalidSide      = errors.New("invalid side")
	ErrInvalidOrderSize = errors.New("invalid order size")
	ErrInvalidPrice     = errors.New("invalid price value")
	ErrMinTradeGap      = errors.New("minimum trade gap not elapsed")
	ErrClosePending     = errors.New("close already pending")
	ErrEngineStopped    = errors.New("execution engine stopped")
	ErrNotImplemented   = errors.New("not implemented")

	// Connection errors
	ErrNotConnected     = errors.New("not connected")
	ErrConnectionClosed = errors.New("connection closed")
	ErrShutdownTimeout  = errors.New("shutdown timed out")

	// Data errors
	ErrMalformedFrame = errors.New("malformed frame")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
)
