// Package remux concatenates MP4 segment files into one continuous
// output file, without re-encoding, while preserving audio/video
// timing continuity across segment boundaries.
package remux

import (
	"context"
)

// Remux concatenates segments, in caller-supplied order, into
// outputPath. It is a convenience wrapper around Session.
func Remux(ctx context.Context, segments []string, outputPath string) error {
	s := &Session{
		Segments:   segments,
		OutputPath: outputPath,
	}
	return s.Run(ctx)
}
