package remux

// selectReferenceTracks picks the reference tracks from the track list
// of the first segment: the first video track and, when present, the
// first audio track.
func selectReferenceTracks(tracks []*TrackDescriptor) (*TrackDescriptor, *TrackDescriptor, error) {
	var video *TrackDescriptor
	var audio *TrackDescriptor

	for _, t := range tracks {
		switch {
		case t.Kind == TrackKindVideo && video == nil:
			video = t

		case t.Kind == TrackKindAudio && audio == nil:
			audio = t
		}
	}

	if video == nil {
		return nil, nil, ErrNoVideoTrack
	}

	return video, audio, nil
}

// matchSegmentTracks maps the tracks of a segment onto the reference
// set: the first track of each kind feeds the corresponding output
// track. Codec parameters are not compared.
func matchSegmentTracks(tracks []*TrackDescriptor, handles map[TrackKind]*OutputTrackHandle) []*TrackDescriptor {
	var matched []*TrackDescriptor
	seen := make(map[TrackKind]bool)

	for _, t := range tracks {
		if _, ok := handles[t.Kind]; ok && !seen[t.Kind] {
			seen[t.Kind] = true
			matched = append(matched, t)
		}
	}

	return matched
}
