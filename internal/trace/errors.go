package trace

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrAlreadySetup reports Setup called on a backend that is already
	// bound to a chain.
	ErrAlreadySetup = errors.New("trace backend is already set up")
	// ErrNotSetup reports Record or Close before Setup.
	ErrNotSetup = errors.New("trace backend is not set up")
	// ErrClosed reports Record on a finalized backend.
	ErrClosed = errors.New("trace backend is closed")
	// ErrShapeMismatch reports a recorded point disagreeing with the
	// fixed shape registry.
	ErrShapeMismatch = errors.New("point shape mismatch")
	// ErrCapacity reports more draws recorded than requested at Setup.
	ErrCapacity = errors.New("trace capacity exceeded")
	// ErrChainMismatch reports aggregation over chains with disagreeing
	// variables or shapes.
	ErrChainMismatch = errors.New("chains disagree on variables or shapes")
	// ErrUnknownVariable reports a query for a variable the trace does
	// not hold.
	ErrUnknownVariable = errors.New("unknown variable")
	// ErrUnknownChain reports a selection naming a chain the aggregator
	// does not hold.
	ErrUnknownChain = errors.New("unknown chain")
	// ErrLoad reports a missing, malformed or incomplete persisted trace.
	ErrLoad = errors.New("persisted trace cannot be loaded")
)

// Error class constants for record failure classification.
const (
	RecordErrorClassShape      = "shape"
	RecordErrorClassCapacity   = "capacity"
	RecordErrorClassLifecycle  = "lifecycle"
	RecordErrorClassTimeout    = "timeout"
	RecordErrorClassContention = "contention"
	RecordErrorClassStorage    = "storage"
	RecordErrorClassUnknown    = "unknown"
)

// ClassifyRecordError maps a Record failure to one of the defined error
// classes so metrics can count failure categories rather than opaque Go
// type names.
func ClassifyRecordError(err error) string {
	if err == nil {
		return RecordErrorClassUnknown
	}

	switch {
	case errors.Is(err, ErrShapeMismatch):
		return RecordErrorClassShape
	case errors.Is(err, ErrCapacity):
		return RecordErrorClassCapacity
	case errors.Is(err, ErrClosed), errors.Is(err, ErrNotSetup), errors.Is(err, ErrAlreadySetup):
		return RecordErrorClassLifecycle
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return RecordErrorClassTimeout
	}

	// String-based classification for driver errors where type
	// information is lost through wrapping.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "sqlite_busy"), strings.Contains(msg, "database is locked"):
		return RecordErrorClassContention
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return RecordErrorClassTimeout
	case strings.Contains(msg, "sqlite"), strings.Contains(msg, "sql"), strings.Contains(msg, "i/o"), strings.Contains(msg, "no such file"):
		return RecordErrorClassStorage
	}

	return RecordErrorClassUnknown
}
