package bxcan

import "errors"

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	// ErrInvalidBitrate: no exact bit timing exists for the bitrate/clock pair.
	ErrInvalidBitrate = errors.New("bxcan: invalid bitrate")
	// ErrInitAckTimeout: the controller did not confirm entering init mode.
	ErrInitAckTimeout = errors.New("bxcan: init mode not acknowledged")
	// ErrLeaveInitAckTimeout: the controller did not confirm leaving init mode.
	ErrLeaveInitAckTimeout = errors.New("bxcan: leaving init mode not acknowledged")
	// ErrUnsupportedFrame: error frames and frames longer than 8 bytes.
	ErrUnsupportedFrame = errors.New("bxcan: unsupported frame")
	ErrNotStarted       = errors.New("bxcan: driver not started")
	ErrNotRunning       = errors.New("bxcan: driver not running")
)
