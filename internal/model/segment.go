package model

import (
	"fmt"
	"slices"
)

// SegmentStatus tracks the fetch state of a single segment.
type SegmentStatus string

const (
	SegmentPending SegmentStatus = "pending"
	SegmentFetched SegmentStatus = "fetched"
	SegmentFailed  SegmentStatus = "failed"
)

// Segment is one independently fetched unit of media.
type Segment struct {
	Group       int
	Index       int
	SourceURI   string
	Duration    float64
	StagingPath string
	Status      SegmentStatus
	Bytes       int64
	Err         string
}

// SegmentGroup is an ordered sub-stream of a recording.
type SegmentGroup struct {
	Index       int
	Name        string
	PlaylistURI string
	Segments    []Segment
}

// NewSegmentGroup builds a group whose segments are numbered from 1 in source order.
func NewSegmentGroup(index int, name, playlistURI string, uris []string) SegmentGroup {
	group := SegmentGroup{
		Index:       index,
		Name:        name,
		PlaylistURI: playlistURI,
		Segments:    make([]Segment, 0, len(uris)),
	}
	for i, uri := range uris {
		group.Segments = append(group.Segments, Segment{
			Group:     index,
			Index:     i + 1,
			SourceURI: uri,
			Status:    SegmentPending,
		})
	}
	return group
}

// WithDurations returns g with durations[i] assigned to its i-th segment.
// Segments beyond the end of durations keep a zero duration.
func (g SegmentGroup) WithDurations(durations []float64) SegmentGroup {
	segs := slices.Clone(g.Segments)
	for i := range segs {
		if i < len(durations) {
			segs[i].Duration = durations[i]
		}
	}
	g.Segments = segs
	return g
}

// Flatten returns pointers to every segment in (group, segment) order.
func Flatten(groups []SegmentGroup) []*Segment {
	total := 0
	for _, g := range groups {
		total += len(g.Segments)
	}
	out := make([]*Segment, 0, total)
	for gi := range groups {
		for si := range groups[gi].Segments {
			out = append(out, &groups[gi].Segments[si])
		}
	}
	return out
}

// ValidateOrder checks that group and segment indices are strictly increasing.
func ValidateOrder(groups []SegmentGroup) error {
	for gi, g := range groups {
		if gi > 0 && g.Index <= groups[gi-1].Index {
			return fmt.Errorf("group %d follows group %d", g.Index, groups[gi-1].Index)
		}
		for si, s := range g.Segments {
			if s.Group != g.Index {
				return fmt.Errorf("segment %d of group %d tagged with group %d", s.Index, g.Index, s.Group)
			}
			if si > 0 && s.Index <= g.Segments[si-1].Index {
				return fmt.Errorf("group %d: segment %d follows segment %d", g.Index, s.Index, g.Segments[si-1].Index)
			}
		}
	}
	return nil
}
