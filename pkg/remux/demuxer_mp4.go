package remux

import (
	"fmt"
	"io"
	"os"

	"github.com/mp4stitch/mp4stitch/pkg/pmp4"
)

// mp4Demuxer reads progressive MP4 segments.
type mp4Demuxer struct {
	f      *os.File
	pres   pmp4.Presentation
	descs  []*TrackDescriptor
	closed bool
}

func newMP4Demuxer(f *os.File) (*mp4Demuxer, error) {
	d := &mp4Demuxer{f: f}

	err := d.pres.Unmarshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedContainer, err)
	}

	for i, track := range d.pres.Tracks {
		kind := TrackKindAudio
		if track.Codec.IsVideo() {
			kind = TrackKindVideo
		}

		d.descs = append(d.descs, &TrackDescriptor{
			Kind:       kind,
			Codec:      track.Codec,
			TimeScale:  track.TimeScale,
			TrackIndex: i,
		})
	}

	return d, nil
}

func (d *mp4Demuxer) Tracks() []*TrackDescriptor {
	return d.descs
}

func (d *mp4Demuxer) SelectTrack(desc *TrackDescriptor) (SampleCursor, error) {
	if desc.TrackIndex < 0 || desc.TrackIndex >= len(d.pres.Tracks) {
		return nil, fmt.Errorf("invalid track index: %d", desc.TrackIndex)
	}

	track := d.pres.Tracks[desc.TrackIndex]

	return &mp4SampleCursor{
		track: track,
		dts:   int64(track.TimeOffset),
	}, nil
}

func (d *mp4Demuxer) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.f.Close()
}

type mp4SampleCursor struct {
	track *pmp4.Track
	pos   int
	dts   int64
}

func (c *mp4SampleCursor) ReadNextSample() (*Sample, error) {
	if c.pos >= len(c.track.Samples) {
		return nil, io.EOF
	}

	sa := c.track.Samples[c.pos]
	c.pos++

	pts := c.dts + int64(sa.PTSOffset)
	c.dts += int64(sa.Duration)

	return &Sample{
		PTS:             pts,
		Duration:        sa.Duration,
		IsNonSyncSample: sa.IsNonSyncSample,
		PayloadSize:     sa.PayloadSize,
		ReadPayload:     sa.ReadPayload,
	}, nil
}
