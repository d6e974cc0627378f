package buspro

import "errors"

// Domain errors for the Buspro gateway package.
var (
	// ErrPayloadTooLarge is returned when a telegram payload exceeds the
	// single-byte length field (255 bytes).
	ErrPayloadTooLarge = errors.New("buspro: payload too large")

	// ErrMalformedFrame is returned when a received datagram carries no
	// recognisable Buspro signature.
	ErrMalformedFrame = errors.New("buspro: malformed frame")

	// ErrFrameTooShort is returned when a received datagram is shorter
	// than the minimum header length.
	ErrFrameTooShort = errors.New("buspro: frame too short")

	// ErrChecksum is returned when a frame's checksum or CRC trailer does
	// not match the frame contents.
	ErrChecksum = errors.New("buspro: checksum mismatch")

	// ErrNotRunning is returned when an operation requires the transport
	// but it has not been started or has been stopped.
	ErrNotRunning = errors.New("buspro: transport not running")

	// ErrSendFailed is returned when sending exhausted its retries.
	ErrSendFailed = errors.New("buspro: send failed")

	// ErrTimeout is returned when no matching reply arrives in time.
	// A timeout after a successful send means the device did not answer;
	// whether to retry the whole request is the caller's decision.
	ErrTimeout = errors.New("buspro: request timed out")

	// ErrCancelled is returned for requests still outstanding when the
	// gateway shuts down.
	ErrCancelled = errors.New("buspro: request cancelled")

	// ErrInvalidAddress is returned when a subnet or device id is outside
	// the protocol's addressing range.
	ErrInvalidAddress = errors.New("buspro: invalid address")
)
