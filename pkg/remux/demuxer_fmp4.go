package remux

import (
	"fmt"
	"io"
	"os"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
)

const sampleFlagIsNonSyncSample = 1 << 16

// fmp4Demuxer reads fragmented MP4 segments. The sample tables of all
// parts are gathered once at open time; payloads are read on demand.
type fmp4Demuxer struct {
	f       *os.File
	descs   []*TrackDescriptor
	samples map[int][]fmp4SampleEntry
	closed  bool
}

type fmp4SampleEntry struct {
	pts       int64
	duration  uint32
	isNonSync bool
	size      uint32
	offset    int64
}

func newFMP4Demuxer(f *os.File) (*fmp4Demuxer, error) {
	var init fmp4.Init
	err := init.Unmarshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedContainer, err)
	}

	d := &fmp4Demuxer{
		f:       f,
		samples: make(map[int][]fmp4SampleEntry),
	}

	trackIndexByID := make(map[int]int)

	for i, track := range init.Tracks {
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
		trackIndexByID[track.ID] = i
	}

	_, err = f.Seek(0, io.SeekStart)
	if err != nil {
		return nil, err
	}

	err = d.readParts(f, trackIndexByID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedContainer, err)
	}

	return d, nil
}

func (d *fmp4Demuxer) readParts(r io.ReadSeeker, trackIndexByID map[int]int) error {
	moofOffset := uint64(0)
	var tfhd *gomp4.Tfhd
	var tfdt *gomp4.Tfdt
	curTrack := -1

	_, err := gomp4.ReadBoxStructure(r, func(h *gomp4.ReadHandle) (interface{}, error) {
		switch h.BoxInfo.Type.String() {
		case "moof":
			moofOffset = h.BoxInfo.Offset
			return h.Expand()

		case "traf":
			return h.Expand()

		case "tfhd":
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			tfhd = box.(*gomp4.Tfhd)

		case "tfdt":
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			tfdt = box.(*gomp4.Tfdt)

			if tfhd == nil {
				return nil, fmt.Errorf("tfdt box without preceding tfhd")
			}

			idx, ok := trackIndexByID[int(tfhd.TrackID)]
			if !ok {
				return nil, fmt.Errorf("invalid track ID: %v", tfhd.TrackID)
			}
			curTrack = idx

		case "trun":
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			trun := box.(*gomp4.Trun)

			if tfhd == nil || tfdt == nil {
				return nil, fmt.Errorf("trun box without preceding tfhd and tfdt")
			}

			dataOffset := moofOffset + uint64(trun.DataOffset)

			var dts int64
			if tfdt.GetVersion() == 1 {
				dts = int64(tfdt.BaseMediaDecodeTimeV1)
			} else {
				dts = int64(tfdt.BaseMediaDecodeTimeV0)
			}

			for _, e := range trun.Entries {
				var ptsOffset int32
				if trun.GetVersion() == 1 {
					ptsOffset = e.SampleCompositionTimeOffsetV1
				} else {
					ptsOffset = int32(e.SampleCompositionTimeOffsetV0)
				}

				d.samples[curTrack] = append(d.samples[curTrack], fmp4SampleEntry{
					pts:       dts + int64(ptsOffset),
					duration:  e.SampleDuration,
					isNonSync: (e.SampleFlags & sampleFlagIsNonSyncSample) != 0,
					size:      e.SampleSize,
					offset:    int64(dataOffset),
				})

				dataOffset += uint64(e.SampleSize)
				dts += int64(e.SampleDuration)
			}
		}
		return nil, nil
	})
	return err
}

func (d *fmp4Demuxer) Tracks() []*TrackDescriptor {
	return d.descs
}

func (d *fmp4Demuxer) SelectTrack(desc *TrackDescriptor) (SampleCursor, error) {
	if desc.TrackIndex < 0 || desc.TrackIndex >= len(d.descs) {
		return nil, fmt.Errorf("invalid track index: %d", desc.TrackIndex)
	}

	return &fmp4SampleCursor{
		f:       d.f,
		samples: d.samples[desc.TrackIndex],
	}, nil
}

func (d *fmp4Demuxer) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.f.Close()
}

type fmp4SampleCursor struct {
	f       io.ReaderAt
	samples []fmp4SampleEntry
	pos     int
}

func (c *fmp4SampleCursor) ReadNextSample() (*Sample, error) {
	if c.pos >= len(c.samples) {
		return nil, io.EOF
	}

	e := c.samples[c.pos]
	c.pos++

	f := c.f

	return &Sample{
		PTS:             e.pts,
		Duration:        e.duration,
		IsNonSyncSample: e.isNonSync,
		PayloadSize:     e.size,
		ReadPayload: func(buf []byte) ([]byte, error) {
			return readPayloadAt(f, e.offset, e.size, buf)
		},
	}, nil
}
