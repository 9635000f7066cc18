package qc

import (
	"sort"

	"github.com/urban-vision/annoqc/internal/store"
)

// AlignerConfig holds the thresholds for cross-annotator track matching.
type AlignerConfig struct {
	// MatchIoU is the minimum per-frame IoU for two boxes to count as a
	// spatial hit between a pair of tracks.
	MatchIoU float64
	// ConsensusRatio is the minimum fraction of co-present frames that
	// must be hits for two tracks to be bound into one canonical track.
	ConsensusRatio float64
}

// DefaultAlignerConfig returns the default alignment thresholds.
func DefaultAlignerConfig() AlignerConfig {
	return AlignerConfig{
		MatchIoU:       0.5,
		ConsensusRatio: 0.5,
	}
}

// TrackMember identifies one annotator's local track inside a canonical
// track.
type TrackMember struct {
	Annotator string
	TaskID    int64
	TrackID   int64
}

// CanonicalTrack binds the (annotator, local track) pairs believed to
// denote the same physical object. Each pair appears in at most one
// canonical track per overlap group. Singleton tracks are tracks no other
// annotator's drawing matched.
type CanonicalTrack struct {
	Index   int
	Members []TrackMember
}

// trackKey identifies an annotator-local track inside a group.
type trackKey struct {
	annotator string
	taskID    int64
	trackID   int64
}

// annIndex holds a group's annotations indexed for alignment and scoring:
// per annotator-local track, per frame, the drawn annotation.
type annIndex struct {
	frames map[trackKey]map[int]*store.RawAnnotation
	tracks []trackKey // sorted for deterministic iteration
}

func buildIndex(group *OverlapGroup, byTask map[int64][]*store.RawAnnotation) *annIndex {
	idx := &annIndex{frames: make(map[trackKey]map[int]*store.RawAnnotation)}

	for _, task := range group.Tasks {
		for _, a := range byTask[task.TaskID] {
			key := trackKey{annotator: task.Annotator, taskID: task.TaskID, trackID: a.TrackID}
			m, ok := idx.frames[key]
			if !ok {
				m = make(map[int]*store.RawAnnotation)
				idx.frames[key] = m
				idx.tracks = append(idx.tracks, key)
			}
			m[a.Frame] = a
		}
	}

	sort.Slice(idx.tracks, func(i, j int) bool {
		a, b := idx.tracks[i], idx.tracks[j]
		if a.annotator != b.annotator {
			return a.annotator < b.annotator
		}
		return a.trackID < b.trackID
	})
	return idx
}

// pairAffinity is the accumulated match evidence for one candidate track
// pair across all frames both tracks are active in.
type pairAffinity struct {
	a, b      trackKey
	hits      int
	coPresent int
}

func (p pairAffinity) ratio() float64 {
	if p.coPresent == 0 {
		return 0
	}
	return float64(p.hits) / float64(p.coPresent)
}

// AlignTracks matches annotator-local tracks across the annotators of one
// overlap group into canonical tracks.
//
// For every pair of annotators, every frame both have an active (non
// outside) box is compared; a frame with IoU above MatchIoU counts as a
// hit for that track pair. Pairs whose hit ratio exceeds ConsensusRatio
// are bound greedily in descending ratio order, binding a pair only when
// neither side is already bound. Ties break on lower annotator id, then
// lower local track id, which makes the greedy pass reproducible.
// Unmatched tracks come back as singleton canonical tracks.
func AlignTracks(group *OverlapGroup, byTask map[int64][]*store.RawAnnotation, cfg AlignerConfig) []CanonicalTrack {
	idx := buildIndex(group, byTask)
	return alignIndexed(idx, cfg)
}

func alignIndexed(idx *annIndex, cfg AlignerConfig) []CanonicalTrack {
	// Accumulate affinity for every cross-annotator track pair.
	var pairs []pairAffinity
	for i := 0; i < len(idx.tracks); i++ {
		for j := i + 1; j < len(idx.tracks); j++ {
			a, b := idx.tracks[i], idx.tracks[j]
			if a.annotator == b.annotator {
				continue
			}

			p := pairAffinity{a: a, b: b}
			for frame, annA := range idx.frames[a] {
				annB, ok := idx.frames[b][frame]
				if !ok {
					continue
				}
				if annA.Outside || annB.Outside {
					continue
				}
				p.coPresent++
				if IoU(boxOf(annA), boxOf(annB)) > cfg.MatchIoU {
					p.hits++
				}
			}
			if p.coPresent > 0 && p.ratio() > cfg.ConsensusRatio {
				pairs = append(pairs, p)
			}
		}
	}

	// Greedy best-match assignment, deterministic tie-break.
	sort.Slice(pairs, func(i, j int) bool {
		ri, rj := pairs[i].ratio(), pairs[j].ratio()
		if ri != rj {
			return ri > rj
		}
		if pairs[i].a.annotator != pairs[j].a.annotator {
			return pairs[i].a.annotator < pairs[j].a.annotator
		}
		if pairs[i].a.trackID != pairs[j].a.trackID {
			return pairs[i].a.trackID < pairs[j].a.trackID
		}
		if pairs[i].b.annotator != pairs[j].b.annotator {
			return pairs[i].b.annotator < pairs[j].b.annotator
		}
		return pairs[i].b.trackID < pairs[j].b.trackID
	})

	bound := make(map[trackKey]bool)
	var tracks []CanonicalTrack
	for _, p := range pairs {
		if bound[p.a] || bound[p.b] {
			continue
		}
		bound[p.a] = true
		bound[p.b] = true
		tracks = append(tracks, CanonicalTrack{Members: []TrackMember{
			memberOf(p.a), memberOf(p.b),
		}})
	}

	// Everything unbound remains a singleton canonical track.
	for _, key := range idx.tracks {
		if !bound[key] {
			tracks = append(tracks, CanonicalTrack{Members: []TrackMember{memberOf(key)}})
		}
	}

	// Stable, reproducible ordering: by first member.
	sort.Slice(tracks, func(i, j int) bool {
		a, b := tracks[i].Members[0], tracks[j].Members[0]
		if a.Annotator != b.Annotator {
			return a.Annotator < b.Annotator
		}
		return a.TrackID < b.TrackID
	})
	for i := range tracks {
		tracks[i].Index = i
	}
	return tracks
}

func memberOf(key trackKey) TrackMember {
	return TrackMember{Annotator: key.annotator, TaskID: key.taskID, TrackID: key.trackID}
}
