package pmp4

import (
	"io"
)

// Sample is a track sample.
type Sample struct {
	Duration        uint32
	PTSOffset       int32
	IsNonSyncSample bool
	PayloadSize     uint32
	GetPayload      func() ([]byte, error)

	// payload source, set when the sample was read from a file
	reader     io.ReaderAt
	fileOffset int64

	// position inside mdat, assigned during marshaling
	offset uint32
}

func (s *Sample) setReader(r io.ReaderAt, off int64) {
	s.reader = r
	s.fileOffset = off
	s.GetPayload = func() ([]byte, error) {
		return s.ReadPayload(nil)
	}
}

// ReadPayload reads the sample payload into buf, reusing it when large
// enough, and returns the filled slice. It allocates when buf is too
// small or the sample was not read from a file.
func (s *Sample) ReadPayload(buf []byte) ([]byte, error) {
	if s.reader == nil {
		return s.GetPayload()
	}

	if uint32(cap(buf)) < s.PayloadSize {
		buf = make([]byte, s.PayloadSize)
	}
	buf = buf[:s.PayloadSize]

	_, err := s.reader.ReadAt(buf, s.fileOffset)
	if err != nil {
		return nil, err
	}

	return buf, nil
}
