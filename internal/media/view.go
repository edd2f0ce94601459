package media

// View is the consumer side of repeated remote-stream notifications. It
// remembers the tracks it has already rendered, so duplicate deliveries
// reduce to an empty diff.
type View struct {
	seen map[string]struct{}
}

// Update returns the tracks of s not seen by earlier calls.
func (v *View) Update(s *RemoteStream) []*RemoteTrack {
	if v.seen == nil {
		v.seen = make(map[string]struct{})
	}
	var added []*RemoteTrack
	for _, t := range s.Tracks() {
		if _, ok := v.seen[t.id]; ok {
			continue
		}
		v.seen[t.id] = struct{}{}
		added = append(added, t)
	}
	return added
}

// Len is the number of distinct tracks seen.
func (v *View) Len() int { return len(v.seen) }
