package remux

import (
	"os"

	"github.com/mp4stitch/mp4stitch/pkg/pmp4"
)

// MuxerState is the lifecycle state of a Muxer. Transitions are
// strictly forward.
type MuxerState int

// muxer states.
const (
	MuxerStateCreated MuxerState = iota
	MuxerStateTracksDeclared
	MuxerStateStarted
	MuxerStateStopped
	MuxerStateReleased
)

// String implements fmt.Stringer.
func (s MuxerState) String() string {
	switch s {
	case MuxerStateCreated:
		return "created"
	case MuxerStateTracksDeclared:
		return "tracksDeclared"
	case MuxerStateStarted:
		return "started"
	case MuxerStateStopped:
		return "stopped"
	default:
		return "released"
	}
}

// OutputTrackHandle identifies one output track of a Muxer. It is
// created before the muxer is started and is immutable afterwards.
type OutputTrackHandle struct {
	kind        TrackKind
	track       *pmp4.Track
	lastDTS     int64
	sampleCount uint64
}

// Kind returns the kind of the output track.
func (h *OutputTrackHandle) Kind() TrackKind {
	return h.kind
}

// SampleCount returns the number of samples written so far.
func (h *OutputTrackHandle) SampleCount() uint64 {
	return h.sampleCount
}

// ContainerMuxer writes samples of one or more tracks into a single
// output container.
type ContainerMuxer interface {
	AddTrack(desc *TrackDescriptor) (*OutputTrackHandle, error)
	Start() error
	WriteSample(h *OutputTrackHandle, ts int64, duration uint32, isNonSyncSample bool, payload []byte) error
	Stop() error
	Release() error
}

// Muxer writes a progressive MP4 output file. Payloads are streamed to
// disk as they are written; sample tables are flushed by Stop.
type Muxer struct {
	f       *os.File
	state   MuxerState
	handles []*OutputTrackHandle
	sw      *pmp4.StreamWriter
}

// NewMuxer creates the output file and allocates a Muxer.
func NewMuxer(path string) (*Muxer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	return &Muxer{f: f}, nil
}

// State returns the current lifecycle state.
func (m *Muxer) State() MuxerState {
	return m.state
}

// AddTrack declares an output track. All tracks must be declared
// before Start.
func (m *Muxer) AddTrack(desc *TrackDescriptor) (*OutputTrackHandle, error) {
	if m.state != MuxerStateCreated && m.state != MuxerStateTracksDeclared {
		return nil, IllegalStateError{Op: "AddTrack", State: m.state}
	}

	h := &OutputTrackHandle{
		kind: desc.Kind,
		track: &pmp4.Track{
			ID:        len(m.handles) + 1,
			TimeScale: desc.TimeScale,
			Codec:     desc.Codec,
		},
	}
	m.handles = append(m.handles, h)
	m.state = MuxerStateTracksDeclared

	return h, nil
}

// Start begins the output container, referencing all declared tracks.
func (m *Muxer) Start() error {
	if m.state != MuxerStateTracksDeclared {
		return IllegalStateError{Op: "Start", State: m.state}
	}

	tracks := make([]*pmp4.Track, len(m.handles))
	for i, h := range m.handles {
		tracks[i] = h.track
	}

	sw, err := pmp4.NewStreamWriter(m.f, tracks)
	if err != nil {
		return err
	}
	m.sw = sw
	m.state = MuxerStateStarted

	return nil
}

// WriteSample appends a sample to an output track. Samples of one
// track must arrive in non-decreasing timestamp order; the timestamp
// is expressed in the track's timescale. The payload is copied before
// returning.
func (m *Muxer) WriteSample(h *OutputTrackHandle, ts int64, duration uint32, isNonSyncSample bool, payload []byte) error {
	if m.state != MuxerStateStarted {
		return IllegalStateError{Op: "WriteSample", State: m.state}
	}

	sa := &pmp4.Sample{
		Duration:        duration,
		IsNonSyncSample: isNonSyncSample,
	}

	err := m.sw.WriteSample(h.track, sa, payload)
	if err != nil {
		return err
	}

	// the previous sample's duration is the gap to this one, so that
	// the sample table reproduces the incoming timeline exactly; the
	// last sample of each track keeps its nominal duration.
	if n := len(h.track.Samples); n >= 2 {
		h.track.Samples[n-2].Duration = uint32(ts - h.lastDTS)
	}

	h.lastDTS = ts
	h.sampleCount++

	return nil
}

// Stop flushes the sample tables, completing the container. Tracks
// that received no samples are excluded from the output.
func (m *Muxer) Stop() error {
	if m.state != MuxerStateStarted {
		return IllegalStateError{Op: "Stop", State: m.state}
	}
	m.state = MuxerStateStopped

	return m.sw.Finalize()
}

// Release closes the output file. It is idempotent and safe to call
// in any state, including after a failed Stop.
func (m *Muxer) Release() error {
	if m.state == MuxerStateReleased {
		return nil
	}
	m.state = MuxerStateReleased

	return m.f.Close()
}
