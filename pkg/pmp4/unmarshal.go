package pmp4

import (
	"fmt"
	"io"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	mcmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

// ReadSeekerAt is the reader interface needed by Unmarshal.
type ReadSeekerAt interface {
	io.Reader
	io.Seeker
	io.ReaderAt
}

type trackUnmarshaler struct {
	track *Track

	stts *gomp4.Stts
	ctts *gomp4.Ctts
	stss *gomp4.Stss
	stsc *gomp4.Stsc
	stsz *gomp4.Stsz

	chunkOffsets []uint64
	elst         *gomp4.Elst

	waitingCodec string
}

// Unmarshal decodes a progressive MP4 into tracks and samples.
// Sample payloads are not loaded in memory; they are read on demand
// from r, which must remain open for as long as payloads are needed.
func (p *Presentation) Unmarshal(r ReadSeekerAt) error {
	var movieTimeScale uint32
	var tracks []*trackUnmarshaler
	var cur *trackUnmarshaler

	_, err := gomp4.ReadBoxStructure(r, func(h *gomp4.ReadHandle) (interface{}, error) {
		switch h.BoxInfo.Type.String() {
		case "moov", "mdia", "minf", "stbl", "edts":
			return h.Expand()

		case "mvhd":
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			movieTimeScale = box.(*gomp4.Mvhd).Timescale

		case "trak":
			cur = &trackUnmarshaler{track: &Track{}}
			tracks = append(tracks, cur)
			return h.Expand()

		case "tkhd":
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			cur.track.ID = int(box.(*gomp4.Tkhd).TrackID)

		case "mdhd":
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			mdhd := box.(*gomp4.Mdhd)
			if mdhd.Timescale == 0 {
				return nil, fmt.Errorf("invalid timescale")
			}
			cur.track.TimeScale = mdhd.Timescale

		case "elst":
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			cur.elst = box.(*gomp4.Elst)

		case "stsd":
			return h.Expand()

		case "avc1":
			cur.waitingCodec = "avcC"
			return h.Expand()

		case "avcC":
			if cur.waitingCodec != "avcC" {
				return nil, fmt.Errorf("unexpected box 'avcC'")
			}

			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			avcc := box.(*gomp4.AVCDecoderConfiguration)

			if len(avcc.SequenceParameterSets) == 0 || len(avcc.PictureParameterSets) == 0 {
				return nil, fmt.Errorf("H264 parameters not provided")
			}

			cur.track.Codec = &mcmp4.CodecH264{
				SPS: avcc.SequenceParameterSets[0].NALUnit,
				PPS: avcc.PictureParameterSets[0].NALUnit,
			}

		case "hev1", "hvc1":
			cur.waitingCodec = "hvcC"
			return h.Expand()

		case "hvcC":
			if cur.waitingCodec != "hvcC" {
				return nil, fmt.Errorf("unexpected box 'hvcC'")
			}

			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			hvcc := box.(*gomp4.HvcC)

			var vps []byte
			var sps []byte
			var pps []byte

			for _, arr := range hvcc.NaluArrays {
				if arr.NumNalus != 1 {
					continue
				}

				switch h265.NALUType(arr.NaluType) {
				case h265.NALUType_VPS_NUT:
					vps = arr.Nalus[0].NALUnit

				case h265.NALUType_SPS_NUT:
					sps = arr.Nalus[0].NALUnit

				case h265.NALUType_PPS_NUT:
					pps = arr.Nalus[0].NALUnit
				}
			}

			if vps == nil || sps == nil || pps == nil {
				return nil, fmt.Errorf("H265 parameters not provided")
			}

			cur.track.Codec = &mcmp4.CodecH265{
				VPS: vps,
				SPS: sps,
				PPS: pps,
			}

		case "mp4a":
			cur.waitingCodec = "esds"
			return h.Expand()

		case "esds":
			if cur.waitingCodec != "esds" {
				return nil, fmt.Errorf("unexpected box 'esds'")
			}

			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			esds := box.(*gomp4.Esds)

			var encodedConf []byte
			for _, desc := range esds.Descriptors {
				if desc.Tag == gomp4.DecSpecificInfoTag {
					encodedConf = desc.Data
					break
				}
			}
			if encodedConf == nil {
				return nil, fmt.Errorf("unable to find MPEG-4 audio configuration")
			}

			var conf mpeg4audio.AudioSpecificConfig
			err = conf.Unmarshal(encodedConf)
			if err != nil {
				return nil, fmt.Errorf("invalid MPEG-4 audio configuration: %w", err)
			}

			cur.track.Codec = &mcmp4.CodecMPEG4Audio{
				Config: conf,
			}

		case "Opus":
			cur.waitingCodec = "dOps"
			return h.Expand()

		case "dOps":
			if cur.waitingCodec != "dOps" {
				return nil, fmt.Errorf("unexpected box 'dOps'")
			}

			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			dops := box.(*gomp4.DOps)

			cur.track.Codec = &mcmp4.CodecOpus{
				ChannelCount: int(dops.OutputChannelCount),
			}

		case "stts":
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			cur.stts = box.(*gomp4.Stts)

		case "ctts":
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			cur.ctts = box.(*gomp4.Ctts)

		case "stss":
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			cur.stss = box.(*gomp4.Stss)

		case "stsc":
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			cur.stsc = box.(*gomp4.Stsc)

		case "stsz":
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			cur.stsz = box.(*gomp4.Stsz)

		case "stco":
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			stco := box.(*gomp4.Stco)
			cur.chunkOffsets = make([]uint64, len(stco.ChunkOffset))
			for i, off := range stco.ChunkOffset {
				cur.chunkOffsets[i] = uint64(off)
			}

		case "co64":
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			cur.chunkOffsets = box.(*gomp4.Co64).ChunkOffset
		}

		return nil, nil
	})
	if err != nil {
		return err
	}

	if len(tracks) == 0 {
		return fmt.Errorf("no tracks found")
	}

	if movieTimeScale == 0 {
		movieTimeScale = globalTimescale
	}

	for _, tu := range tracks {
		err = tu.finalize(r, movieTimeScale)
		if err != nil {
			return err
		}
		p.Tracks = append(p.Tracks, tu.track)
	}

	return nil
}

func (tu *trackUnmarshaler) finalize(r io.ReaderAt, movieTimeScale uint32) error {
	if tu.track.Codec == nil {
		return fmt.Errorf("track %d: unsupported codec", tu.track.ID)
	}

	if tu.stsz == nil || tu.stts == nil {
		return fmt.Errorf("track %d: sample tables not found", tu.track.ID)
	}

	tu.track.TimeOffset = readTimeOffset(tu.elst, tu.track.TimeScale, movieTimeScale)

	sampleCount := int(tu.stsz.SampleCount)
	if sampleCount == 0 {
		return nil
	}

	samples := make([]*Sample, sampleCount)
	for i := range samples {
		samples[i] = &Sample{}
	}

	// sizes (stsz)
	if tu.stsz.SampleSize != 0 {
		for _, sa := range samples {
			sa.PayloadSize = tu.stsz.SampleSize
		}
	} else {
		if len(tu.stsz.EntrySize) < sampleCount {
			return fmt.Errorf("track %d: invalid stsz", tu.track.ID)
		}
		for i, sa := range samples {
			sa.PayloadSize = tu.stsz.EntrySize[i]
		}
	}

	// durations (stts)
	i := 0
	for _, entry := range tu.stts.Entries {
		for j := uint32(0); j < entry.SampleCount; j++ {
			if i >= sampleCount {
				return fmt.Errorf("track %d: invalid stts", tu.track.ID)
			}
			samples[i].Duration = entry.SampleDelta
			i++
		}
	}
	if i != sampleCount {
		return fmt.Errorf("track %d: invalid stts", tu.track.ID)
	}

	// PTS offsets (ctts)
	if tu.ctts != nil {
		i = 0
		for _, entry := range tu.ctts.Entries {
			var off int32
			if tu.ctts.GetVersion() == 1 {
				off = entry.SampleOffsetV1
			} else {
				off = int32(entry.SampleOffsetV0)
			}

			for j := uint32(0); j < entry.SampleCount; j++ {
				if i >= sampleCount {
					return fmt.Errorf("track %d: invalid ctts", tu.track.ID)
				}
				samples[i].PTSOffset = off
				i++
			}
		}
	}

	// sync samples (stss); when absent, all samples are sync samples
	if tu.stss != nil {
		for _, sa := range samples {
			sa.IsNonSyncSample = true
		}
		for _, num := range tu.stss.SampleNumber {
			if num < 1 || int(num) > sampleCount {
				return fmt.Errorf("track %d: invalid stss", tu.track.ID)
			}
			samples[num-1].IsNonSyncSample = false
		}
	}

	// file offsets (stsc + stco/co64)
	if tu.stsc == nil || tu.chunkOffsets == nil {
		return fmt.Errorf("track %d: chunk tables not found", tu.track.ID)
	}

	i = 0
	for chunkIdx, chunkOffset := range tu.chunkOffsets {
		spc := samplesPerChunk(tu.stsc, uint32(chunkIdx+1))

		off := int64(chunkOffset)
		for j := uint32(0); j < spc && i < sampleCount; j++ {
			sa := samples[i]
			sa.setReader(r, off)
			off += int64(sa.PayloadSize)
			i++
		}

		if i == sampleCount {
			break
		}
	}
	if i != sampleCount {
		return fmt.Errorf("track %d: invalid stsc", tu.track.ID)
	}

	tu.track.Samples = samples
	return nil
}

func samplesPerChunk(stsc *gomp4.Stsc, chunkNum uint32) uint32 {
	spc := uint32(0)
	for _, entry := range stsc.Entries {
		if entry.FirstChunk > chunkNum {
			break
		}
		spc = entry.SamplesPerChunk
	}
	return spc
}

// readTimeOffset recovers the initial presentation offset from an edit list.
func readTimeOffset(elst *gomp4.Elst, trackTimeScale uint32, movieTimeScale uint32) int32 {
	if elst == nil || len(elst.Entries) == 0 {
		return 0
	}

	entry := elst.Entries[0]

	var segmentDuration uint64
	var mediaTime int64
	if elst.GetVersion() == 1 {
		segmentDuration = entry.SegmentDurationV1
		mediaTime = entry.MediaTimeV1
	} else {
		segmentDuration = uint64(entry.SegmentDurationV0)
		mediaTime = int64(entry.MediaTimeV0)
	}

	// leading pause: samples are delayed by the duration of the empty edit,
	// expressed in movie timescale units.
	if mediaTime == -1 {
		return int32((segmentDuration * uint64(trackTimeScale)) / uint64(movieTimeScale))
	}

	// leading skip: the first samples are hidden.
	return int32(-mediaTime)
}
