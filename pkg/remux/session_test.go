package remux

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	mcmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/stretchr/testify/require"

	"github.com/mp4stitch/mp4stitch/pkg/pmp4"
)

var testSPS = []byte{ // 1920x1080 baseline
	0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
	0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
	0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
}

var testPPS = []byte{0x08, 0x06, 0x07, 0x08}

func testVideoCodec() mcmp4.Codec {
	return &mcmp4.CodecH264{
		SPS: testSPS,
		PPS: testPPS,
	}
}

func testAudioCodec() mcmp4.Codec {
	return &mcmp4.CodecMPEG4Audio{
		Config: mpeg4audio.AudioSpecificConfig{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   48000,
			ChannelCount: 2,
		},
	}
}

func staticSample(duration uint32, nonSync bool, payload []byte) *pmp4.Sample {
	return &pmp4.Sample{
		Duration:        duration,
		IsNonSyncSample: nonSync,
		PayloadSize:     uint32(len(payload)),
		GetPayload: func() ([]byte, error) {
			return payload, nil
		},
	}
}

// sampleRun builds count samples of equal duration; the first one is a
// sync sample when markSync is set.
func sampleRun(count int, duration uint32, markSync bool) []*pmp4.Sample {
	var out []*pmp4.Sample
	for i := 0; i < count; i++ {
		nonSync := markSync && i != 0
		out = append(out, staticSample(duration, nonSync, []byte{byte(i), 1, 2, 3}))
	}
	return out
}

func writeProgressiveSegment(t *testing.T, fpath string, tracks []*pmp4.Track) {
	var buf seekablebuffer.Buffer
	p := &pmp4.Presentation{Tracks: tracks}
	err := p.Marshal(&buf)
	require.NoError(t, err)

	err = os.WriteFile(fpath, buf.Bytes(), 0o644)
	require.NoError(t, err)
}

func drainTrack(t *testing.T, d ContainerDemuxer, desc *TrackDescriptor) []*Sample {
	cursor, err := d.SelectTrack(desc)
	require.NoError(t, err)

	var out []*Sample
	for {
		var sa *Sample
		sa, err = cursor.ReadNextSample()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		out = append(out, sa)
	}
	return out
}

func findTrack(tracks []*TrackDescriptor, kind TrackKind) *TrackDescriptor {
	for _, tr := range tracks {
		if tr.Kind == kind {
			return tr
		}
	}
	return nil
}

func TestSessionSingleSegmentIdentity(t *testing.T) {
	dir := t.TempDir()
	seg := filepath.Join(dir, "seg0.mp4")
	out := filepath.Join(dir, "out.mp4")

	writeProgressiveSegment(t, seg, []*pmp4.Track{
		{
			ID:        1,
			TimeScale: 90000,
			Codec:     testVideoCodec(),
			Samples:   sampleRun(3, 90000, true),
		},
		{
			ID:        2,
			TimeScale: 48000,
			Codec:     testAudioCodec(),
			Samples:   sampleRun(2, 48000, false),
		},
	})

	err := Remux(context.Background(), []string{seg}, out)
	require.NoError(t, err)

	d, err := OpenDemuxer(out)
	require.NoError(t, err)
	defer d.Close()

	video := findTrack(d.Tracks(), TrackKindVideo)
	require.NotNil(t, video)
	videoSamples := drainTrack(t, d, video)
	require.Equal(t, 3, len(videoSamples))
	require.Equal(t, int64(2*90000), videoSamples[2].PTS)
	require.False(t, videoSamples[0].IsNonSyncSample)
	require.True(t, videoSamples[1].IsNonSyncSample)

	payload, err := videoSamples[1].ReadPayload(nil)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 1, 2, 3}, payload)

	audio := findTrack(d.Tracks(), TrackKindAudio)
	require.NotNil(t, audio)
	audioSamples := drainTrack(t, d, audio)
	require.Equal(t, 2, len(audioSamples))
	require.Equal(t, int64(48000), audioSamples[1].PTS)
}

func TestSessionConcreteScenario(t *testing.T) {
	dir := t.TempDir()
	segA := filepath.Join(dir, "a.mp4")
	segB := filepath.Join(dir, "b.mp4")
	out := filepath.Join(dir, "out.mp4")

	// segment A: video spans 0-5000ms, audio 0-4800ms
	writeProgressiveSegment(t, segA, []*pmp4.Track{
		{
			ID:        1,
			TimeScale: 90000,
			Codec:     testVideoCodec(),
			Samples:   sampleRun(6, 90000, true), // 1000ms steps
		},
		{
			ID:        2,
			TimeScale: 48000,
			Codec:     testAudioCodec(),
			Samples:   sampleRun(5, 57600, false), // 1200ms steps
		},
	})

	// segment B: video spans 0-3000ms, audio 0-3100ms
	writeProgressiveSegment(t, segB, []*pmp4.Track{
		{
			ID:        1,
			TimeScale: 90000,
			Codec:     testVideoCodec(),
			Samples:   sampleRun(4, 90000, true),
		},
		{
			ID:        2,
			TimeScale: 48000,
			Codec:     testAudioCodec(),
			Samples:   sampleRun(3, 74400, false), // 1550ms steps
		},
	})

	var progress []map[TrackKind]uint64

	s := &Session{
		Segments:   []string{segA, segB},
		OutputPath: out,
		OnProgress: func(segmentIndex int, counts map[TrackKind]uint64) {
			require.Equal(t, len(progress), segmentIndex)
			progress = append(progress, counts)
		},
	}
	err := s.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, []map[TrackKind]uint64{
		{TrackKindVideo: 6, TrackKindAudio: 5},
		{TrackKindVideo: 10, TrackKindAudio: 8},
	}, progress)

	d, err := OpenDemuxer(out)
	require.NoError(t, err)
	defer d.Close()

	// video continues at 5000ms and ends at 8000ms
	video := drainTrack(t, d, findTrack(d.Tracks(), TrackKindVideo))
	require.Equal(t, 10, len(video))
	require.Equal(t, int64(5*90000), video[5].PTS)
	require.Equal(t, int64(8*90000), video[9].PTS)

	// audio continues at 4800ms and ends at 7900ms
	audio := drainTrack(t, d, findTrack(d.Tracks(), TrackKindAudio))
	require.Equal(t, 8, len(audio))
	require.Equal(t, int64(4800*48), audio[5].PTS)
	require.Equal(t, int64(7900*48), audio[7].PTS)

	// monotonicity
	for _, samples := range [][]*Sample{video, audio} {
		for i := 1; i < len(samples); i++ {
			require.GreaterOrEqual(t, samples[i].PTS, samples[i-1].PTS)
		}
	}
}

func TestSessionMissingAudioTrack(t *testing.T) {
	dir := t.TempDir()
	seg1 := filepath.Join(dir, "seg1.mp4")
	seg2 := filepath.Join(dir, "seg2.mp4")
	seg3 := filepath.Join(dir, "seg3.mp4")
	out := filepath.Join(dir, "out.mp4")

	audioTrack := func(count int) *pmp4.Track {
		return &pmp4.Track{
			ID:        2,
			TimeScale: 48000,
			Codec:     testAudioCodec(),
			Samples:   sampleRun(count, 48000, false),
		}
	}
	videoTrack := func(count int) *pmp4.Track {
		return &pmp4.Track{
			ID:        1,
			TimeScale: 90000,
			Codec:     testVideoCodec(),
			Samples:   sampleRun(count, 90000, true),
		}
	}

	writeProgressiveSegment(t, seg1, []*pmp4.Track{videoTrack(2), audioTrack(3)})
	writeProgressiveSegment(t, seg2, []*pmp4.Track{videoTrack(2)}) // no audio
	writeProgressiveSegment(t, seg3, []*pmp4.Track{videoTrack(2), audioTrack(4)})

	err := Remux(context.Background(), []string{seg1, seg2, seg3}, out)
	require.NoError(t, err)

	d, err := OpenDemuxer(out)
	require.NoError(t, err)
	defer d.Close()

	video := drainTrack(t, d, findTrack(d.Tracks(), TrackKindVideo))
	require.Equal(t, 6, len(video))

	// audio samples come from segments 1 and 3 only, and segment 3
	// continues where segment 1 ended
	audio := drainTrack(t, d, findTrack(d.Tracks(), TrackKindAudio))
	require.Equal(t, 7, len(audio))
	require.Equal(t, int64(2*48000), audio[3].PTS)
	require.Equal(t, int64(5*48000), audio[6].PTS)
}

func TestSessionNonZeroFirstTimestamp(t *testing.T) {
	dir := t.TempDir()
	seg1 := filepath.Join(dir, "seg1.mp4")
	seg2 := filepath.Join(dir, "seg2.mp4")
	out := filepath.Join(dir, "out.mp4")

	writeProgressiveSegment(t, seg1, []*pmp4.Track{{
		ID:        1,
		TimeScale: 90000,
		Codec:     testVideoCodec(),
		Samples:   sampleRun(3, 3000, true),
	}})

	// leading edit delays the second segment's first timestamp
	writeProgressiveSegment(t, seg2, []*pmp4.Track{{
		ID:         1,
		TimeScale:  90000,
		TimeOffset: 900,
		Codec:      testVideoCodec(),
		Samples:    sampleRun(3, 3000, true),
	}})

	err := Remux(context.Background(), []string{seg1, seg2}, out)
	require.NoError(t, err)

	d, err := OpenDemuxer(out)
	require.NoError(t, err)
	defer d.Close()

	// the offset absorbs the leading edit: segment 2 starts exactly at
	// the previous cumulative end
	video := drainTrack(t, d, findTrack(d.Tracks(), TrackKindVideo))
	require.Equal(t, 6, len(video))
	require.Equal(t, int64(6000), video[2].PTS)
	require.Equal(t, int64(6000), video[3].PTS)
	require.Equal(t, int64(12000), video[5].PTS)
}

func TestSessionFailureProbe(t *testing.T) {
	dir := t.TempDir()
	seg1 := filepath.Join(dir, "seg1.mp4")
	out := filepath.Join(dir, "out.mp4")

	writeProgressiveSegment(t, seg1, []*pmp4.Track{{
		ID:        1,
		TimeScale: 90000,
		Codec:     testVideoCodec(),
		Samples:   sampleRun(2, 90000, true),
	}})

	err := Remux(context.Background(),
		[]string{seg1, filepath.Join(dir, "missing.mp4"), seg1}, out)
	require.Error(t, err)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, 1, rerr.SegmentIndex)
	require.Equal(t, PhaseProbe, rerr.Phase)

	// no handle is leaked on the output file
	f, err := os.Create(out)
	require.NoError(t, err)
	f.Close()
}

func TestSessionNoVideoTrack(t *testing.T) {
	dir := t.TempDir()
	seg := filepath.Join(dir, "seg.mp4")
	out := filepath.Join(dir, "out.mp4")

	writeProgressiveSegment(t, seg, []*pmp4.Track{{
		ID:        1,
		TimeScale: 48000,
		Codec:     testAudioCodec(),
		Samples:   sampleRun(2, 48000, false),
	}})

	err := Remux(context.Background(), []string{seg}, out)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNoVideoTrack)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, 0, rerr.SegmentIndex)
	require.Equal(t, PhaseProbe, rerr.Phase)
}

func TestSessionCancellation(t *testing.T) {
	dir := t.TempDir()
	seg := filepath.Join(dir, "seg.mp4")
	out := filepath.Join(dir, "out.mp4")

	writeProgressiveSegment(t, seg, []*pmp4.Track{{
		ID:        1,
		TimeScale: 90000,
		Codec:     testVideoCodec(),
		Samples:   sampleRun(2, 90000, true),
	}})

	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		Segments:   []string{seg, seg, seg},
		OutputPath: out,
		OnProgress: func(segmentIndex int, _ map[TrackKind]uint64) {
			if segmentIndex == 0 {
				cancel()
			}
		},
	}
	err := s.Run(ctx)
	require.Error(t, err)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, 1, rerr.SegmentIndex)
	require.Equal(t, PhaseCancelled, rerr.Phase)

	// the partial output has been deleted
	_, err = os.Stat(out)
	require.True(t, os.IsNotExist(err))
}

func TestSessionNoSegments(t *testing.T) {
	err := Remux(context.Background(), nil, filepath.Join(t.TempDir(), "out.mp4"))
	require.ErrorIs(t, err, ErrNoSegments)
}
