// Package qc implements the multi-annotator quality-control engine:
// overlap-group discovery, cross-annotator track alignment, agreement
// scoring, and consensus resolution.
package qc

import "github.com/urban-vision/annoqc/internal/store"

// Box is an axis-aligned bounding box with top-left (XTL, YTL) and
// bottom-right (XBR, YBR) corners. Coordinates may be pixel or normalized;
// IoU is invariant either way as long as both boxes share a frame of
// reference.
type Box struct {
	XTL, YTL, XBR, YBR float64
}

func boxOf(a *store.RawAnnotation) Box {
	return Box{XTL: a.XTL, YTL: a.YTL, XBR: a.XBR, YBR: a.YBR}
}

// Area returns the box area, zero for degenerate boxes.
func (b Box) Area() float64 {
	w := b.XBR - b.XTL
	h := b.YBR - b.YTL
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU computes intersection over union of two boxes. Degenerate input
// (zero combined area) yields 0.
func IoU(a, b Box) float64 {
	xA := max(a.XTL, b.XTL)
	yA := max(a.YTL, b.YTL)
	xB := min(a.XBR, b.XBR)
	yB := min(a.YBR, b.YBR)

	interArea := max(0, xB-xA) * max(0, yB-yA)
	union := a.Area() + b.Area() - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}

// MeanBox returns the component-wise mean of the given boxes.
func MeanBox(boxes []Box) Box {
	if len(boxes) == 0 {
		return Box{}
	}
	var m Box
	for _, b := range boxes {
		m.XTL += b.XTL
		m.YTL += b.YTL
		m.XBR += b.XBR
		m.YBR += b.YBR
	}
	n := float64(len(boxes))
	m.XTL /= n
	m.YTL /= n
	m.XBR /= n
	m.YBR /= n
	return m
}
