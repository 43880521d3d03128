package pmp4

import (
	"bytes"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	mcmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/stretchr/testify/require"
)

var testSPS = []byte{ // 1920x1080 baseline
	0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
	0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
	0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
}

var testPPS = []byte{0x08, 0x06, 0x07, 0x08}

var testVPSH265 = []byte{
	0x40, 0x01, 0x0c, 0x01, 0xff, 0xff, 0x02, 0x20,
	0x00, 0x00, 0x03, 0x00, 0xb0, 0x00, 0x00, 0x03,
	0x00, 0x00, 0x03, 0x00, 0x7b, 0x18, 0xb0, 0x24,
}

var testSPSH265 = []byte{
	0x42, 0x01, 0x01, 0x02, 0x20, 0x00, 0x00, 0x03,
	0x00, 0xb0, 0x00, 0x00, 0x03, 0x00, 0x00, 0x03,
	0x00, 0x7b, 0xa0, 0x07, 0x82, 0x00, 0x88, 0x7d,
	0xb6, 0x71, 0x8b, 0x92, 0x44, 0x80, 0x53, 0x88,
	0x88, 0x92, 0xcf, 0x24, 0xa6, 0x92, 0x72, 0xc9,
	0x12, 0x49, 0x22, 0xdc, 0x91, 0xaa, 0x48, 0xfc,
	0xa2, 0x23, 0xff, 0x00, 0x01, 0x00, 0x01, 0x6a,
	0x02, 0x02, 0x02, 0x01,
}

var testPPSH265 = []byte{
	0x44, 0x01, 0xc0, 0x25, 0x2f, 0x05, 0x32, 0x40,
}

func staticPayload(payload []byte) func() ([]byte, error) {
	return func() ([]byte, error) {
		return payload, nil
	}
}

func TestPresentationRoundTrip(t *testing.T) {
	in := &Presentation{
		Tracks: []*Track{
			{
				ID:        1,
				TimeScale: 90000,
				Codec: &mcmp4.CodecH264{
					SPS: testSPS,
					PPS: testPPS,
				},
				Samples: []*Sample{
					{
						Duration:    45000,
						PayloadSize: 4,
						GetPayload:  staticPayload([]byte{1, 2, 3, 4}),
					},
					{
						Duration:        45000,
						PTSOffset:       45000,
						IsNonSyncSample: true,
						PayloadSize:     2,
						GetPayload:      staticPayload([]byte{5, 6}),
					},
					{
						Duration:        45000,
						IsNonSyncSample: true,
						PayloadSize:     3,
						GetPayload:      staticPayload([]byte{7, 8, 9}),
					},
				},
			},
			{
				ID:         2,
				TimeScale:  44100,
				TimeOffset: 441,
				Codec: &mcmp4.CodecMPEG4Audio{
					Config: mpeg4audio.AudioSpecificConfig{
						Type:         mpeg4audio.ObjectTypeAACLC,
						SampleRate:   44100,
						ChannelCount: 2,
					},
				},
				Samples: []*Sample{
					{
						Duration:    22050,
						PayloadSize: 3,
						GetPayload:  staticPayload([]byte{10, 11, 12}),
					},
					{
						Duration:    22050,
						PayloadSize: 2,
						GetPayload:  staticPayload([]byte{13, 14}),
					},
				},
			},
		},
	}

	var buf seekablebuffer.Buffer
	err := in.Marshal(&buf)
	require.NoError(t, err)

	var out Presentation
	err = out.Unmarshal(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	require.Equal(t, len(in.Tracks), len(out.Tracks))

	for i, inTrack := range in.Tracks {
		outTrack := out.Tracks[i]
		require.Equal(t, inTrack.ID, outTrack.ID)
		require.Equal(t, inTrack.TimeScale, outTrack.TimeScale)
		require.Equal(t, inTrack.TimeOffset, outTrack.TimeOffset)
		require.Equal(t, inTrack.Codec, outTrack.Codec)
		require.Equal(t, len(inTrack.Samples), len(outTrack.Samples))

		for j, inSample := range inTrack.Samples {
			outSample := outTrack.Samples[j]
			require.Equal(t, inSample.Duration, outSample.Duration)
			require.Equal(t, inSample.PTSOffset, outSample.PTSOffset)
			require.Equal(t, inSample.IsNonSyncSample, outSample.IsNonSyncSample)
			require.Equal(t, inSample.PayloadSize, outSample.PayloadSize)

			inPayload, err := inSample.GetPayload()
			require.NoError(t, err)
			outPayload, err := outSample.GetPayload()
			require.NoError(t, err)
			require.Equal(t, inPayload, outPayload)
		}
	}
}

func TestPresentationRoundTripH265Opus(t *testing.T) {
	in := &Presentation{
		Tracks: []*Track{
			{
				ID:        1,
				TimeScale: 90000,
				Codec: &mcmp4.CodecH265{
					VPS: testVPSH265,
					SPS: testSPSH265,
					PPS: testPPSH265,
				},
				Samples: []*Sample{
					{
						Duration:    90000,
						PayloadSize: 5,
						GetPayload:  staticPayload([]byte{1, 2, 3, 4, 5}),
					},
				},
			},
			{
				ID:        2,
				TimeScale: 48000,
				Codec: &mcmp4.CodecOpus{
					ChannelCount: 2,
				},
				Samples: []*Sample{
					{
						Duration:    960,
						PayloadSize: 2,
						GetPayload:  staticPayload([]byte{6, 7}),
					},
					{
						Duration:    960,
						PayloadSize: 2,
						GetPayload:  staticPayload([]byte{8, 9}),
					},
				},
			},
		},
	}

	var buf seekablebuffer.Buffer
	err := in.Marshal(&buf)
	require.NoError(t, err)

	var out Presentation
	err = out.Unmarshal(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	require.Equal(t, len(in.Tracks), len(out.Tracks))
	require.Equal(t, in.Tracks[0].Codec, out.Tracks[0].Codec)
	require.Equal(t, in.Tracks[1].Codec, out.Tracks[1].Codec)
	require.Equal(t, len(in.Tracks[1].Samples), len(out.Tracks[1].Samples))
}

func TestUnmarshalInvalid(t *testing.T) {
	var out Presentation
	err := out.Unmarshal(bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x08, 'f', 'r', 'e', 'e'}))
	require.Error(t, err)
}

func TestReadPayloadReusesBuffer(t *testing.T) {
	in := &Presentation{
		Tracks: []*Track{{
			ID:        1,
			TimeScale: 90000,
			Codec: &mcmp4.CodecH264{
				SPS: testSPS,
				PPS: testPPS,
			},
			Samples: []*Sample{{
				Duration:    90000,
				PayloadSize: 4,
				GetPayload:  staticPayload([]byte{1, 2, 3, 4}),
			}},
		}},
	}

	var buf seekablebuffer.Buffer
	err := in.Marshal(&buf)
	require.NoError(t, err)

	var out Presentation
	err = out.Unmarshal(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	shared := make([]byte, 16)
	payload, err := out.Tracks[0].Samples[0].ReadPayload(shared)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, payload)
	require.Equal(t, []byte{1, 2, 3, 4}, shared[:4])
}
