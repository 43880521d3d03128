package remux

import (
	"fmt"
	"io"
	"os"

	gomp4 "github.com/abema/go-mp4"
	mcmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

// TrackKind is the type of a track.
type TrackKind int

// track kinds.
const (
	TrackKindVideo TrackKind = iota
	TrackKindAudio
)

// String implements fmt.Stringer.
func (k TrackKind) String() string {
	if k == TrackKindVideo {
		return "video"
	}
	return "audio"
}

// TrackDescriptor describes one track found in a segment.
type TrackDescriptor struct {
	Kind      TrackKind
	Codec     mcmp4.Codec
	TimeScale uint32

	// position of the track inside its segment
	TrackIndex int
}

// Sample is one demuxed sample. Its timestamp is segment-local, in the
// units of the originating track's timescale.
type Sample struct {
	PTS             int64
	Duration        uint32
	IsNonSyncSample bool
	PayloadSize     uint32

	// ReadPayload reads the sample payload, reusing buf when it is
	// large enough. The returned slice is valid until the next call.
	ReadPayload func(buf []byte) ([]byte, error)
}

// SampleCursor yields the samples of one track in storage order.
// It returns io.EOF after the last sample.
type SampleCursor interface {
	ReadNextSample() (*Sample, error)
}

// ContainerDemuxer provides access to the tracks and samples of one
// segment file. Close releases all per-file state; closing twice is a
// no-op.
type ContainerDemuxer interface {
	Tracks() []*TrackDescriptor
	SelectTrack(desc *TrackDescriptor) (SampleCursor, error)
	Close() error
}

// OpenDemuxer opens a segment file, probing its container layout and
// picking the demuxer that can read it.
func OpenDemuxer(path string) (ContainerDemuxer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fragmented, err := probeFragmented(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	_, err = f.Seek(0, io.SeekStart)
	if err != nil {
		f.Close()
		return nil, err
	}

	var d ContainerDemuxer
	if fragmented {
		d, err = newFMP4Demuxer(f)
	} else {
		d, err = newMP4Demuxer(f)
	}
	if err != nil {
		f.Close()
		return nil, err
	}

	return d, nil
}

// probeFragmented inspects top-level boxes to tell fragmented and
// progressive MP4s apart.
func probeFragmented(r io.ReadSeeker) (bool, error) {
	hasMoov := false
	hasMoof := false

	_, err := gomp4.ReadBoxStructure(r, func(h *gomp4.ReadHandle) (interface{}, error) {
		switch h.BoxInfo.Type.String() {
		case "moov":
			hasMoov = true

		case "moof":
			hasMoof = true
		}
		return nil, nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnsupportedContainer, err)
	}

	if !hasMoov {
		return false, ErrUnsupportedContainer
	}

	return hasMoof, nil
}

func readPayloadAt(r io.ReaderAt, off int64, size uint32, buf []byte) ([]byte, error) {
	if uint32(cap(buf)) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]

	_, err := r.ReadAt(buf, off)
	if err != nil {
		return nil, err
	}

	return buf, nil
}
