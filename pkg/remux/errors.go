package remux

import (
	"errors"
	"fmt"
)

// Phase identifies the stage of a remux run in which a failure occurred.
type Phase string

// remux phases.
const (
	PhaseProbe     Phase = "probe"
	PhaseDemux     Phase = "demux"
	PhaseMux       Phase = "mux"
	PhaseCancelled Phase = "cancelled"
)

// Error is the failure surface of a remux run. It carries the index of
// the segment that was being processed and the phase that failed.
type Error struct {
	SegmentIndex int
	Phase        Phase
	Cause        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("segment %d: %s: %v", e.SegmentIndex, e.Phase, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

var (
	// ErrNoVideoTrack is returned when the first segment has no video track.
	ErrNoVideoTrack = errors.New("no video track found in first segment")

	// ErrUnsupportedContainer is returned when a segment is not an MP4 container.
	ErrUnsupportedContainer = errors.New("unsupported container")

	// ErrNoSegments is returned when the segment list is empty.
	ErrNoSegments = errors.New("no segments provided")
)

// RebaseError is returned when an internal invariant is violated while
// rebasing timestamps. It is never corrected silently.
type RebaseError struct {
	Track  TrackKind
	LastTS int64
	TS     int64
}

// Error implements the error interface.
func (e RebaseError) Error() string {
	return fmt.Sprintf("non-monotonic timestamp on %s track: %d after %d",
		e.Track, e.TS, e.LastTS)
}

// IllegalStateError is returned when a muxer operation is attempted in
// a state that does not allow it.
type IllegalStateError struct {
	Op    string
	State MuxerState
}

// Error implements the error interface.
func (e IllegalStateError) Error() string {
	return fmt.Sprintf("%s called in state %v", e.Op, e.State)
}
