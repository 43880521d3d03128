package pmp4

import (
	"fmt"
	"io"
	"math"

	gomp4 "github.com/abema/go-mp4"
)

// StreamWriter writes a progressive MP4 incrementally. Sample payloads
// are appended to mdat as they arrive, while sample tables are kept in
// memory and written at the end, after mdat. This bounds memory usage
// to the sample tables, regardless of payload size.
type StreamWriter struct {
	f          io.WriteSeeker
	mw         *mp4Writer
	tracks     []*Track
	mdatOffset int64
	dataSize   uint32
	finalized  bool
}

// NewStreamWriter allocates a StreamWriter. Tracks must carry their
// final ID, TimeScale and Codec; their sample lists are filled through
// WriteSample.
func NewStreamWriter(f io.WriteSeeker, tracks []*Track) (*StreamWriter, error) {
	/*
		|ftyp|
		|mdat|
		|moov|
		|    |mvhd|
		|    |trak|
		|    |....|
	*/

	w := &StreamWriter{
		f:      f,
		mw:     newMP4Writer(f),
		tracks: tracks,
	}

	_, err := w.mw.writeBox(&gomp4.Ftyp{ // <ftyp/>
		MajorBrand:   [4]byte{'i', 's', 'o', 'm'},
		MinorVersion: 1,
		CompatibleBrands: []gomp4.CompatibleBrandElem{
			{CompatibleBrand: [4]byte{'i', 's', 'o', 'm'}},
			{CompatibleBrand: [4]byte{'i', 's', 'o', '2'}},
			{CompatibleBrand: [4]byte{'m', 'p', '4', '1'}},
			{CompatibleBrand: [4]byte{'m', 'p', '4', '2'}},
		},
	})
	if err != nil {
		return nil, err
	}

	w.mdatOffset, err = f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}

	// mdat header; size is patched during Finalize.
	_, err = f.Write([]byte{0, 0, 0, 8, 'm', 'd', 'a', 't'})
	if err != nil {
		return nil, err
	}

	return w, nil
}

// WriteSample appends the payload of sa to mdat and queues sa inside
// the sample table of the given track. The payload is copied to the
// destination before returning and can be reused by the caller.
func (w *StreamWriter) WriteSample(track *Track, sa *Sample, payload []byte) error {
	if w.finalized {
		return fmt.Errorf("writer is finalized")
	}

	// chunk offsets and the mdat size are 32-bit.
	if uint64(w.mdatOffset)+8+uint64(w.dataSize)+uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("maximum output size exceeded")
	}

	sa.offset = uint32(w.mdatOffset) + 8 + w.dataSize
	sa.PayloadSize = uint32(len(payload))

	_, err := w.f.Write(payload)
	if err != nil {
		return err
	}

	w.dataSize += sa.PayloadSize
	track.Samples = append(track.Samples, sa)
	return nil
}

// Finalize patches the mdat size and writes the moov box. Tracks
// without samples are excluded from the output.
func (w *StreamWriter) Finalize() error {
	if w.finalized {
		return fmt.Errorf("writer is finalized")
	}
	w.finalized = true

	var tracks []*Track
	for _, track := range w.tracks {
		if len(track.Samples) != 0 {
			tracks = append(tracks, track)
		}
	}
	if len(tracks) == 0 {
		return fmt.Errorf("no samples written")
	}

	mdatSize := 8 + w.dataSize

	_, err := w.f.Seek(w.mdatOffset, io.SeekStart)
	if err != nil {
		return err
	}

	_, err = w.f.Write([]byte{byte(mdatSize >> 24), byte(mdatSize >> 16), byte(mdatSize >> 8), byte(mdatSize)})
	if err != nil {
		return err
	}

	_, err = w.f.Seek(w.mdatOffset+int64(mdatSize), io.SeekStart)
	if err != nil {
		return err
	}

	_, err = w.mw.writeBoxStart(&gomp4.Moov{}) // <moov>
	if err != nil {
		return err
	}

	mvhd := &gomp4.Mvhd{ // <mvhd/>
		Timescale:   globalTimescale,
		Rate:        65536,
		Volume:      256,
		Matrix:      [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000},
		NextTrackID: uint32(len(tracks) + 1),
	}
	mvhdOffset, err := w.mw.writeBox(mvhd)
	if err != nil {
		return err
	}

	for _, track := range tracks {
		var res *trackMarshalResult
		res, err = track.marshal(w.mw)
		if err != nil {
			return err
		}

		// chunk offsets are already absolute, no stco rewrite is needed
		if res.presentationDuration > mvhd.DurationV0 {
			mvhd.DurationV0 = res.presentationDuration
		}
	}

	err = w.mw.rewriteBox(mvhdOffset, mvhd)
	if err != nil {
		return err
	}

	return w.mw.writeBoxEnd() // </moov>
}
