package qc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIoU(t *testing.T) {
	a := Box{XTL: 0, YTL: 0, XBR: 10, YBR: 10}

	assert.InDelta(t, 1.0, IoU(a, a), 1e-9)
	assert.InDelta(t, 0.0, IoU(a, Box{XTL: 20, YTL: 20, XBR: 30, YBR: 30}), 1e-9)

	// Intersection 50, union 150.
	b := Box{XTL: 5, YTL: 0, XBR: 15, YBR: 10}
	assert.InDelta(t, 1.0/3.0, IoU(a, b), 1e-9)

	// Touching edges share no area.
	c := Box{XTL: 10, YTL: 0, XBR: 20, YBR: 10}
	assert.InDelta(t, 0.0, IoU(a, c), 1e-9)
}

func TestIoUDegenerate(t *testing.T) {
	var zero Box
	assert.Equal(t, 0.0, IoU(zero, zero))

	inverted := Box{XTL: 10, YTL: 10, XBR: 0, YBR: 0}
	assert.Equal(t, 0.0, inverted.Area())
	assert.Equal(t, 0.0, IoU(inverted, Box{XTL: 0, YTL: 0, XBR: 10, YBR: 10}))
}

func TestMeanBox(t *testing.T) {
	got := MeanBox([]Box{
		{XTL: 0, YTL: 0, XBR: 10, YBR: 10},
		{XTL: 2, YTL: 4, XBR: 12, YBR: 14},
	})
	assert.Equal(t, Box{XTL: 1, YTL: 2, XBR: 11, YBR: 12}, got)

	assert.Equal(t, Box{}, MeanBox(nil))
}
