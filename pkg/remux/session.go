package remux

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/mp4stitch/mp4stitch/pkg/logger"
)

// size of the buffer shared by all payload reads and writes of a run.
// It grows when a sample is larger.
const payloadBufferSize = 1024 * 1024

// ProgressFunc is called once per completed segment, with the segment
// index and the cumulative number of samples written per track kind.
type ProgressFunc func(segmentIndex int, sampleCounts map[TrackKind]uint64)

// Session remuxes an ordered list of segment files into one output
// file. A Session performs a single run; it is not reusable.
type Session struct {
	Segments   []string
	OutputPath string
	OnProgress ProgressFunc  // optional
	Parent     logger.Writer // optional

	uuid      uuid.UUID
	buf       []byte
	rebase    map[TrackKind]int64
	handles   map[TrackKind]*OutputTrackHandle
	refScales map[TrackKind]uint32
	counts    map[TrackKind]uint64
}

// Log implements logger.Writer.
func (s *Session) Log(level logger.Level, format string, args ...interface{}) {
	if s.Parent != nil {
		s.Parent.Log(level, "[session %v] "+format, append([]interface{}{s.uuid}, args...)...)
	}
}

// Run performs the remux. It blocks until every segment has been
// processed or a failure aborts the run; cancellation of ctx is
// observed between segments only. On failure it returns a *Error and
// leaves no open handle on the output file.
func (s *Session) Run(ctx context.Context) error {
	if len(s.Segments) == 0 {
		return &Error{SegmentIndex: 0, Phase: PhaseProbe, Cause: ErrNoSegments}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.uuid = uuid.New()
	s.rebase = make(map[TrackKind]int64)
	s.handles = make(map[TrackKind]*OutputTrackHandle)
	s.refScales = make(map[TrackKind]uint32)
	s.counts = make(map[TrackKind]uint64)

	s.Log(logger.Info, "remuxing %d segments into %s", len(s.Segments), s.OutputPath)

	m, err := NewMuxer(s.OutputPath)
	if err != nil {
		return &Error{SegmentIndex: 0, Phase: PhaseMux, Cause: err}
	}

	// payload buffer shared by all segments, owned for the duration of
	// the run
	s.buf = make([]byte, payloadBufferSize)

	err = s.processSegments(ctx, m)
	if err != nil {
		m.Stop()    //nolint:errcheck
		m.Release() //nolint:errcheck

		var rerr *Error
		if errors.As(err, &rerr) && rerr.Phase == PhaseCancelled {
			os.Remove(s.OutputPath) //nolint:errcheck
		}

		s.Log(logger.Error, "remux failed: %v", err)
		return err
	}

	lastSegment := len(s.Segments) - 1

	err = m.Stop()
	if err != nil {
		m.Release() //nolint:errcheck
		return &Error{SegmentIndex: lastSegment, Phase: PhaseMux, Cause: err}
	}

	err = m.Release()
	if err != nil {
		return &Error{SegmentIndex: lastSegment, Phase: PhaseMux, Cause: err}
	}

	s.Log(logger.Info, "remux completed")
	return nil
}

func (s *Session) processSegments(ctx context.Context, m ContainerMuxer) error {
	for i, path := range s.Segments {
		select {
		case <-ctx.Done():
			return &Error{SegmentIndex: i, Phase: PhaseCancelled, Cause: ctx.Err()}
		default:
		}

		err := s.processSegment(i, path, m)
		if err != nil {
			return err
		}

		s.Log(logger.Debug, "segment %d remuxed", i)

		if s.OnProgress != nil {
			counts := make(map[TrackKind]uint64, len(s.counts))
			for k, v := range s.counts {
				counts[k] = v
			}
			s.OnProgress(i, counts)
		}
	}
	return nil
}

func (s *Session) processSegment(i int, path string, m ContainerMuxer) error {
	dmx, err := OpenDemuxer(path)
	if err != nil {
		return &Error{SegmentIndex: i, Phase: PhaseProbe, Cause: err}
	}
	defer dmx.Close()

	if i == 0 {
		err = s.declareOutputTracks(dmx, m)
		if err != nil {
			return err
		}
	}

	for _, desc := range matchSegmentTracks(dmx.Tracks(), s.handles) {
		err = s.rebaseTrack(i, dmx, desc, m)
		if err != nil {
			return err
		}
	}

	err = dmx.Close()
	if err != nil {
		return &Error{SegmentIndex: i, Phase: PhaseDemux, Cause: err}
	}

	return nil
}

func (s *Session) declareOutputTracks(dmx ContainerDemuxer, m ContainerMuxer) error {
	video, audio, err := selectReferenceTracks(dmx.Tracks())
	if err != nil {
		return &Error{SegmentIndex: 0, Phase: PhaseProbe, Cause: err}
	}

	h, err := m.AddTrack(video)
	if err != nil {
		return &Error{SegmentIndex: 0, Phase: PhaseMux, Cause: err}
	}
	s.handles[TrackKindVideo] = h
	s.refScales[TrackKindVideo] = video.TimeScale
	s.Log(logger.Debug, "reference video track: %T, timescale %d", video.Codec, video.TimeScale)

	if audio != nil {
		h, err = m.AddTrack(audio)
		if err != nil {
			return &Error{SegmentIndex: 0, Phase: PhaseMux, Cause: err}
		}
		s.handles[TrackKindAudio] = h
		s.refScales[TrackKindAudio] = audio.TimeScale
		s.Log(logger.Debug, "reference audio track: %T, timescale %d", audio.Codec, audio.TimeScale)
	}

	err = m.Start()
	if err != nil {
		return &Error{SegmentIndex: 0, Phase: PhaseMux, Cause: err}
	}

	return nil
}

// rebaseTrack drains one (segment, track) pair, shifting timestamps by
// a constant offset so the track continues seamlessly after previously
// written samples of the same kind.
func (s *Session) rebaseTrack(segIndex int, dmx ContainerDemuxer, desc *TrackDescriptor, m ContainerMuxer) error {
	handle := s.handles[desc.Kind]
	refScale := s.refScales[desc.Kind]

	cursor, err := dmx.SelectTrack(desc)
	if err != nil {
		return &Error{SegmentIndex: segIndex, Phase: PhaseDemux, Cause: err}
	}

	first := true
	var offset int64
	var lastEmitted int64
	emitted := false

	for {
		var sa *Sample
		sa, err = cursor.ReadNextSample()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return &Error{SegmentIndex: segIndex, Phase: PhaseDemux, Cause: err}
		}

		ts := scaleTimestamp(sa.PTS, desc.TimeScale, refScale)

		if first {
			offset = s.rebase[desc.Kind] - ts
			first = false
		}

		rebased := ts + offset
		if emitted && rebased < lastEmitted {
			return &Error{
				SegmentIndex: segIndex,
				Phase:        PhaseDemux,
				Cause:        RebaseError{Track: desc.Kind, LastTS: lastEmitted, TS: rebased},
			}
		}

		var payload []byte
		payload, err = sa.ReadPayload(s.buf)
		if err != nil {
			return &Error{SegmentIndex: segIndex, Phase: PhaseDemux, Cause: err}
		}
		if cap(payload) > cap(s.buf) {
			s.buf = payload
		}

		duration := uint32(scaleTimestamp(int64(sa.Duration), desc.TimeScale, refScale))

		err = m.WriteSample(handle, rebased, duration, sa.IsNonSyncSample, payload)
		if err != nil {
			return &Error{SegmentIndex: segIndex, Phase: PhaseMux, Cause: err}
		}

		lastEmitted = rebased
		emitted = true
		s.counts[desc.Kind]++
	}

	// the cumulative end advances to the last emitted timestamp; a
	// (segment, track) pair with no samples leaves it untouched.
	if emitted {
		s.rebase[desc.Kind] = lastEmitted
	}

	return nil
}

// scaleTimestamp converts ticks between timescales.
func scaleTimestamp(ts int64, from uint32, to uint32) int64 {
	if from == to {
		return ts
	}
	return ts * int64(to) / int64(from)
}
