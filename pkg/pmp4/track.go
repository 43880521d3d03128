package pmp4

import (
	"fmt"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	mcmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

// Specification: ISO 14496-1, Table 5
const (
	objectTypeIndicationAudioISO14496part3 = 0x40
)

// Specification: ISO 14496-1, Table 6
const (
	streamTypeAudioStream = 0x05
)

func allSamplesAreSync(samples []*Sample) bool {
	for _, sa := range samples {
		if sa.IsNonSyncSample {
			return false
		}
	}
	return true
}

type trackMarshalResult struct {
	stco                 *gomp4.Stco
	stcoOffset           int
	presentationDuration uint32
}

// Track is a track of a Presentation.
type Track struct {
	ID         int
	TimeScale  uint32
	TimeOffset int32
	Codec      mcmp4.Codec
	Samples    []*Sample
}

func (t *Track) marshal(w *mp4Writer) (*trackMarshalResult, error) {
	/*
		|trak|
		|    |tkhd|
		|    |edts|
		|    |    |elst|
		|    |mdia|
		|    |    |mdhd|
		|    |    |hdlr|
		|    |    |minf|
		|    |    |    |vmhd| (video)
		|    |    |    |smhd| (audio)
		|    |    |    |dinf|
		|    |    |    |    |dref|
		|    |    |    |    |    |url|
		|    |    |    |stbl|
		|    |    |    |    |stsd|
		|    |    |    |    |    |hev1| (H265)
		|    |    |    |    |    |    |hvcC|
		|    |    |    |    |    |avc1| (H264)
		|    |    |    |    |    |    |avcC|
		|    |    |    |    |    |Opus| (Opus)
		|    |    |    |    |    |    |dOps|
		|    |    |    |    |    |mp4a| (MPEG-4 audio)
		|    |    |    |    |    |    |esds|
		|    |    |    |    |stts|
		|    |    |    |    |stss|
		|    |    |    |    |ctts|
		|    |    |    |    |stsc|
		|    |    |    |    |stsz|
		|    |    |    |    |stco|
	*/

	_, err := w.writeBoxStart(&gomp4.Trak{}) // <trak>
	if err != nil {
		return nil, err
	}

	var h265SPS *h265.SPS
	var h264SPS *h264.SPS

	var width int
	var height int

	switch codec := t.Codec.(type) {
	case *mcmp4.CodecH265:
		if len(codec.VPS) == 0 || len(codec.SPS) == 0 || len(codec.PPS) == 0 {
			return nil, fmt.Errorf("H265 parameters not provided")
		}

		h265SPS = &h265.SPS{}
		err = h265SPS.Unmarshal(codec.SPS)
		if err != nil {
			return nil, fmt.Errorf("unable to parse H265 SPS: %w", err)
		}

		width = h265SPS.Width()
		height = h265SPS.Height()

	case *mcmp4.CodecH264:
		if len(codec.SPS) == 0 || len(codec.PPS) == 0 {
			return nil, fmt.Errorf("H264 parameters not provided")
		}

		h264SPS = &h264.SPS{}
		err = h264SPS.Unmarshal(codec.SPS)
		if err != nil {
			return nil, fmt.Errorf("unable to parse H264 SPS: %w", err)
		}

		width = h264SPS.Width()
		height = h264SPS.Height()
	}

	sampleDuration := uint32(0)
	for _, sa := range t.Samples {
		sampleDuration += sa.Duration
	}

	presentationDuration := uint32(((int64(sampleDuration) + int64(t.TimeOffset)) * globalTimescale) / int64(t.TimeScale))

	if t.Codec.IsVideo() {
		_, err = w.writeBox(&gomp4.Tkhd{ // <tkhd/>
			FullBox: gomp4.FullBox{
				Flags: [3]byte{0, 0, 3},
			},
			TrackID:    uint32(t.ID),
			DurationV0: presentationDuration,
			Width:      uint32(width * 65536),
			Height:     uint32(height * 65536),
			Matrix:     [9]int32{0x10000, 0, 0, 0, 0x10000, 0, 0, 0, 0x40000000},
		})
		if err != nil {
			return nil, err
		}
	} else {
		_, err = w.writeBox(&gomp4.Tkhd{ // <tkhd/>
			FullBox: gomp4.FullBox{
				Flags: [3]byte{0, 0, 3},
			},
			TrackID:        uint32(t.ID),
			DurationV0:     presentationDuration,
			AlternateGroup: 1,
			Volume:         256,
			Matrix:         [9]int32{0x10000, 0, 0, 0, 0x10000, 0, 0, 0, 0x40000000},
		})
		if err != nil {
			return nil, err
		}
	}

	_, err = w.writeBoxStart(&gomp4.Edts{}) // <edts>
	if err != nil {
		return nil, err
	}

	err = t.marshalELST(w, sampleDuration) // <elst/>
	if err != nil {
		return nil, err
	}

	err = w.writeBoxEnd() // </edts>
	if err != nil {
		return nil, err
	}

	_, err = w.writeBoxStart(&gomp4.Mdia{}) // <mdia>
	if err != nil {
		return nil, err
	}

	_, err = w.writeBox(&gomp4.Mdhd{ // <mdhd/>
		Timescale:  t.TimeScale,
		DurationV0: uint32(int64(sampleDuration) + int64(t.TimeOffset)),
		Language:   [3]byte{'u', 'n', 'd'},
	})
	if err != nil {
		return nil, err
	}

	if t.Codec.IsVideo() {
		_, err = w.writeBox(&gomp4.Hdlr{ // <hdlr/>
			HandlerType: [4]byte{'v', 'i', 'd', 'e'},
			Name:        "VideoHandler",
		})
		if err != nil {
			return nil, err
		}
	} else {
		_, err = w.writeBox(&gomp4.Hdlr{ // <hdlr/>
			HandlerType: [4]byte{'s', 'o', 'u', 'n'},
			Name:        "SoundHandler",
		})
		if err != nil {
			return nil, err
		}
	}

	_, err = w.writeBoxStart(&gomp4.Minf{}) // <minf>
	if err != nil {
		return nil, err
	}

	if t.Codec.IsVideo() {
		_, err = w.writeBox(&gomp4.Vmhd{ // <vmhd/>
			FullBox: gomp4.FullBox{
				Flags: [3]byte{0, 0, 1},
			},
		})
		if err != nil {
			return nil, err
		}
	} else {
		_, err = w.writeBox(&gomp4.Smhd{}) // <smhd/>
		if err != nil {
			return nil, err
		}
	}

	_, err = w.writeBoxStart(&gomp4.Dinf{}) // <dinf>
	if err != nil {
		return nil, err
	}

	_, err = w.writeBoxStart(&gomp4.Dref{ // <dref>
		EntryCount: 1,
	})
	if err != nil {
		return nil, err
	}

	_, err = w.writeBox(&gomp4.Url{ // <url/>
		FullBox: gomp4.FullBox{
			Flags: [3]byte{0, 0, 1},
		},
	})
	if err != nil {
		return nil, err
	}

	err = w.writeBoxEnd() // </dref>
	if err != nil {
		return nil, err
	}

	err = w.writeBoxEnd() // </dinf>
	if err != nil {
		return nil, err
	}

	_, err = w.writeBoxStart(&gomp4.Stbl{}) // <stbl>
	if err != nil {
		return nil, err
	}

	_, err = w.writeBoxStart(&gomp4.Stsd{ // <stsd>
		EntryCount: 1,
	})
	if err != nil {
		return nil, err
	}

	err = t.marshalCodec(w, width, height, h264SPS, h265SPS)
	if err != nil {
		return nil, err
	}

	err = w.writeBoxEnd() // </stsd>
	if err != nil {
		return nil, err
	}

	err = t.marshalSTTS(w) // <stts/>
	if err != nil {
		return nil, err
	}

	err = t.marshalSTSS(w) // <stss/>
	if err != nil {
		return nil, err
	}

	err = t.marshalCTTS(w) // <ctts/>
	if err != nil {
		return nil, err
	}

	err = t.marshalSTSC(w) // <stsc/>
	if err != nil {
		return nil, err
	}

	err = t.marshalSTSZ(w) // <stsz/>
	if err != nil {
		return nil, err
	}

	stco, stcoOffset, err := t.marshalSTCO(w) // <stco/>
	if err != nil {
		return nil, err
	}

	err = w.writeBoxEnd() // </stbl>
	if err != nil {
		return nil, err
	}

	err = w.writeBoxEnd() // </minf>
	if err != nil {
		return nil, err
	}

	err = w.writeBoxEnd() // </mdia>
	if err != nil {
		return nil, err
	}

	err = w.writeBoxEnd() // </trak>
	if err != nil {
		return nil, err
	}

	return &trackMarshalResult{
		stco:                 stco,
		stcoOffset:           stcoOffset,
		presentationDuration: presentationDuration,
	}, nil
}

func (t *Track) marshalCodec(w *mp4Writer, width int, height int, h264SPS *h264.SPS, h265SPS *h265.SPS) error {
	switch codec := t.Codec.(type) {
	case *mcmp4.CodecH265:
		_, err := w.writeBoxStart(&gomp4.VisualSampleEntry{ // <hev1>
			SampleEntry: gomp4.SampleEntry{
				AnyTypeBox: gomp4.AnyTypeBox{
					Type: gomp4.BoxTypeHev1(),
				},
				DataReferenceIndex: 1,
			},
			Width:           uint16(width),
			Height:          uint16(height),
			Horizresolution: 4718592,
			Vertresolution:  4718592,
			FrameCount:      1,
			Depth:           24,
			PreDefined3:     -1,
		})
		if err != nil {
			return err
		}

		_, err = w.writeBox(&gomp4.HvcC{ // <hvcC/>
			ConfigurationVersion:        1,
			GeneralProfileIdc:           h265SPS.ProfileTierLevel.GeneralProfileIdc,
			GeneralProfileCompatibility: h265SPS.ProfileTierLevel.GeneralProfileCompatibilityFlag,
			GeneralConstraintIndicator: [6]uint8{
				codec.SPS[7], codec.SPS[8], codec.SPS[9],
				codec.SPS[10], codec.SPS[11], codec.SPS[12],
			},
			GeneralLevelIdc:      h265SPS.ProfileTierLevel.GeneralLevelIdc,
			ChromaFormatIdc:      uint8(h265SPS.ChromaFormatIdc),
			BitDepthLumaMinus8:   uint8(h265SPS.BitDepthLumaMinus8),
			BitDepthChromaMinus8: uint8(h265SPS.BitDepthChromaMinus8),
			NumTemporalLayers:    1,
			LengthSizeMinusOne:   3,
			NumOfNaluArrays:      3,
			NaluArrays: []gomp4.HEVCNaluArray{
				{
					NaluType: byte(h265.NALUType_VPS_NUT),
					NumNalus: 1,
					Nalus: []gomp4.HEVCNalu{{
						Length:  uint16(len(codec.VPS)),
						NALUnit: codec.VPS,
					}},
				},
				{
					NaluType: byte(h265.NALUType_SPS_NUT),
					NumNalus: 1,
					Nalus: []gomp4.HEVCNalu{{
						Length:  uint16(len(codec.SPS)),
						NALUnit: codec.SPS,
					}},
				},
				{
					NaluType: byte(h265.NALUType_PPS_NUT),
					NumNalus: 1,
					Nalus: []gomp4.HEVCNalu{{
						Length:  uint16(len(codec.PPS)),
						NALUnit: codec.PPS,
					}},
				},
			},
		})
		if err != nil {
			return err
		}

	case *mcmp4.CodecH264:
		_, err := w.writeBoxStart(&gomp4.VisualSampleEntry{ // <avc1>
			SampleEntry: gomp4.SampleEntry{
				AnyTypeBox: gomp4.AnyTypeBox{
					Type: gomp4.BoxTypeAvc1(),
				},
				DataReferenceIndex: 1,
			},
			Width:           uint16(width),
			Height:          uint16(height),
			Horizresolution: 4718592,
			Vertresolution:  4718592,
			FrameCount:      1,
			Depth:           24,
			PreDefined3:     -1,
		})
		if err != nil {
			return err
		}

		_, err = w.writeBox(&gomp4.AVCDecoderConfiguration{ // <avcC/>
			AnyTypeBox: gomp4.AnyTypeBox{
				Type: gomp4.BoxTypeAvcC(),
			},
			ConfigurationVersion:       1,
			Profile:                    h264SPS.ProfileIdc,
			ProfileCompatibility:       codec.SPS[2],
			Level:                      h264SPS.LevelIdc,
			LengthSizeMinusOne:         3,
			NumOfSequenceParameterSets: 1,
			SequenceParameterSets: []gomp4.AVCParameterSet{
				{
					Length:  uint16(len(codec.SPS)),
					NALUnit: codec.SPS,
				},
			},
			NumOfPictureParameterSets: 1,
			PictureParameterSets: []gomp4.AVCParameterSet{
				{
					Length:  uint16(len(codec.PPS)),
					NALUnit: codec.PPS,
				},
			},
		})
		if err != nil {
			return err
		}

	case *mcmp4.CodecOpus:
		_, err := w.writeBoxStart(&gomp4.AudioSampleEntry{ // <Opus>
			SampleEntry: gomp4.SampleEntry{
				AnyTypeBox: gomp4.AnyTypeBox{
					Type: gomp4.BoxTypeOpus(),
				},
				DataReferenceIndex: 1,
			},
			ChannelCount: uint16(codec.ChannelCount),
			SampleSize:   16,
			SampleRate:   48000 * 65536,
		})
		if err != nil {
			return err
		}

		_, err = w.writeBox(&gomp4.DOps{ // <dOps/>
			OutputChannelCount: uint8(codec.ChannelCount),
			PreSkip:            312,
			InputSampleRate:    48000,
		})
		if err != nil {
			return err
		}

	case *mcmp4.CodecMPEG4Audio:
		_, err := w.writeBoxStart(&gomp4.AudioSampleEntry{ // <mp4a>
			SampleEntry: gomp4.SampleEntry{
				AnyTypeBox: gomp4.AnyTypeBox{
					Type: gomp4.BoxTypeMp4a(),
				},
				DataReferenceIndex: 1,
			},
			ChannelCount: uint16(codec.Config.ChannelCount),
			SampleSize:   16,
			SampleRate:   uint32(codec.Config.SampleRate * 65536),
		})
		if err != nil {
			return err
		}

		enc, _ := codec.Config.Marshal()

		_, err = w.writeBox(&gomp4.Esds{ // <esds/>
			Descriptors: []gomp4.Descriptor{
				{
					Tag:  gomp4.ESDescrTag,
					Size: 32 + uint32(len(enc)),
					ESDescriptor: &gomp4.ESDescriptor{
						ESID: uint16(t.ID),
					},
				},
				{
					Tag:  gomp4.DecoderConfigDescrTag,
					Size: 18 + uint32(len(enc)),
					DecoderConfigDescriptor: &gomp4.DecoderConfigDescriptor{
						ObjectTypeIndication: objectTypeIndicationAudioISO14496part3,
						StreamType:           streamTypeAudioStream,
						Reserved:             true,
						MaxBitrate:           128825,
						AvgBitrate:           128825,
					},
				},
				{
					Tag:  gomp4.DecSpecificInfoTag,
					Size: uint32(len(enc)),
					Data: enc,
				},
				{
					Tag:  gomp4.SLConfigDescrTag,
					Size: 1,
					Data: []byte{0x02},
				},
			},
		})
		if err != nil {
			return err
		}

	default:
		return fmt.Errorf("unsupported codec: %T", codec)
	}

	return w.writeBoxEnd() // </*>
}

func (t *Track) marshalELST(w *mp4Writer, sampleDuration uint32) error {
	if t.TimeOffset > 0 {
		_, err := w.writeBox(&gomp4.Elst{
			EntryCount: 2,
			Entries: []gomp4.ElstEntry{
				{ // pause
					SegmentDurationV0: uint32((uint64(t.TimeOffset) * globalTimescale) / uint64(t.TimeScale)),
					MediaTimeV0:       -1,
					MediaRateInteger:  1,
					MediaRateFraction: 0,
				},
				{ // presentation
					SegmentDurationV0: uint32((uint64(sampleDuration) * globalTimescale) / uint64(t.TimeScale)),
					MediaTimeV0:       0,
					MediaRateInteger:  1,
					MediaRateFraction: 0,
				},
			},
		})
		return err
	}

	_, err := w.writeBox(&gomp4.Elst{
		EntryCount: 1,
		Entries: []gomp4.ElstEntry{{
			SegmentDurationV0: uint32(((uint64(sampleDuration) +
				uint64(-t.TimeOffset)) * globalTimescale) / uint64(t.TimeScale)),
			MediaTimeV0:       -t.TimeOffset,
			MediaRateInteger:  1,
			MediaRateFraction: 0,
		}},
	})
	return err
}

func (t *Track) marshalSTTS(w *mp4Writer) error {
	entries := []gomp4.SttsEntry{{
		SampleCount: 1,
		SampleDelta: t.Samples[0].Duration,
	}}

	for _, sa := range t.Samples[1:] {
		if sa.Duration == entries[len(entries)-1].SampleDelta {
			entries[len(entries)-1].SampleCount++
		} else {
			entries = append(entries, gomp4.SttsEntry{
				SampleCount: 1,
				SampleDelta: sa.Duration,
			})
		}
	}

	_, err := w.writeBox(&gomp4.Stts{
		EntryCount: uint32(len(entries)),
		Entries:    entries,
	})
	return err
}

func (t *Track) marshalSTSS(w *mp4Writer) error {
	if allSamplesAreSync(t.Samples) {
		return nil
	}

	var sampleNumbers []uint32

	for i, sa := range t.Samples {
		if !sa.IsNonSyncSample {
			sampleNumbers = append(sampleNumbers, uint32(i+1))
		}
	}

	_, err := w.writeBox(&gomp4.Stss{
		EntryCount:   uint32(len(sampleNumbers)),
		SampleNumber: sampleNumbers,
	})
	return err
}

func (t *Track) marshalCTTS(w *mp4Writer) error {
	entries := []gomp4.CttsEntry{{
		SampleCount:    1,
		SampleOffsetV0: uint32(t.Samples[0].PTSOffset),
	}}

	for _, sa := range t.Samples[1:] {
		if uint32(sa.PTSOffset) == entries[len(entries)-1].SampleOffsetV0 {
			entries[len(entries)-1].SampleCount++
		} else {
			entries = append(entries, gomp4.CttsEntry{
				SampleCount:    1,
				SampleOffsetV0: uint32(sa.PTSOffset),
			})
		}
	}

	_, err := w.writeBox(&gomp4.Ctts{
		FullBox: gomp4.FullBox{
			Version: 0,
		},
		EntryCount: uint32(len(entries)),
		Entries:    entries,
	})
	return err
}

func (t *Track) marshalSTSC(w *mp4Writer) error {
	entries := []gomp4.StscEntry{{
		FirstChunk:             1,
		SamplesPerChunk:        1,
		SampleDescriptionIndex: 1,
	}}

	firstSample := t.Samples[0]
	off := firstSample.offset + firstSample.PayloadSize

	for _, sa := range t.Samples[1:] {
		if sa.offset == off {
			entries[len(entries)-1].SamplesPerChunk++
		} else {
			entries = append(entries, gomp4.StscEntry{
				FirstChunk:             uint32(len(entries) + 1),
				SamplesPerChunk:        1,
				SampleDescriptionIndex: 1,
			})
		}

		off = sa.offset + sa.PayloadSize
	}

	// further compression
	for i := len(entries) - 1; i >= 1; i-- {
		if entries[i].SamplesPerChunk == entries[i-1].SamplesPerChunk {
			for j := i; j < len(entries)-1; j++ {
				entries[j] = entries[j+1]
			}
			entries = entries[:len(entries)-1]
		}
	}

	_, err := w.writeBox(&gomp4.Stsc{
		EntryCount: uint32(len(entries)),
		Entries:    entries,
	})
	return err
}

func (t *Track) marshalSTSZ(w *mp4Writer) error {
	sampleSizes := make([]uint32, len(t.Samples))

	for i, sa := range t.Samples {
		sampleSizes[i] = sa.PayloadSize
	}

	_, err := w.writeBox(&gomp4.Stsz{
		SampleSize:  0,
		SampleCount: uint32(len(sampleSizes)),
		EntrySize:   sampleSizes,
	})
	return err
}

func (t *Track) marshalSTCO(w *mp4Writer) (*gomp4.Stco, int, error) {
	firstSample := t.Samples[0]
	off := firstSample.offset + firstSample.PayloadSize

	entries := []uint32{firstSample.offset}

	for _, sa := range t.Samples[1:] {
		if sa.offset != off {
			entries = append(entries, sa.offset)
		}
		off = sa.offset + sa.PayloadSize
	}

	stco := &gomp4.Stco{
		EntryCount:  uint32(len(entries)),
		ChunkOffset: entries,
	}

	offset, err := w.writeBox(stco)
	if err != nil {
		return nil, 0, err
	}

	return stco, offset, err
}
