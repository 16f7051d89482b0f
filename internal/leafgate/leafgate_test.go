package leafgate

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateSolidColors(t *testing.T) {
	tests := []struct {
		name   string
		color  color.NRGBA
		isLeaf bool
	}{
		{name: "black", color: color.NRGBA{A: 255}, isLeaf: false},
		{name: "white", color: color.NRGBA{R: 255, G: 255, B: 255, A: 255}, isLeaf: false},
		{name: "red", color: color.NRGBA{R: 255, A: 255}, isLeaf: false},
		{name: "blue", color: color.NRGBA{B: 255, A: 255}, isLeaf: false},
		{name: "yellow ties red and green", color: color.NRGBA{R: 200, G: 200, A: 255}, isLeaf: false},
		{name: "pure green", color: color.NRGBA{G: 255, A: 255}, isLeaf: true},
		{name: "leaf green", color: color.NRGBA{R: 60, G: 140, B: 40, A: 255}, isLeaf: true},
	}

	gate := New(DefaultThreshold)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := gate.Evaluate(fill(10, 10, tt.color))
			assert.Equal(t, tt.isLeaf, v.IsLeaf)
			if tt.isLeaf {
				assert.Empty(t, v.Reason)
				assert.InDelta(t, 1.0, v.GreenRatio, 1e-9)
			} else {
				assert.NotEmpty(t, v.Reason)
			}
		})
	}
}

func TestEvaluateHalfGreenPasses(t *testing.T) {
	img := fill(20, 20, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			img.SetNRGBA(x, y, color.NRGBA{G: 255, A: 255})
		}
	}

	v := New(DefaultThreshold).Evaluate(img)
	assert.True(t, v.IsLeaf)
	assert.InDelta(t, 0.5, v.GreenRatio, 1e-9)
}

func TestEvaluateThresholdIsStrict(t *testing.T) {
	// 8 green pixels out of 100 is exactly the default threshold and must fail.
	img := fill(10, 10, color.NRGBA{A: 255})
	for x := 0; x < 8; x++ {
		img.SetNRGBA(x, 0, color.NRGBA{G: 255, A: 255})
	}
	gate := New(DefaultThreshold)
	assert.False(t, gate.IsLeaf(img))

	img.SetNRGBA(8, 0, color.NRGBA{G: 255, A: 255})
	assert.True(t, gate.IsLeaf(img))
}

func TestEvaluateEmptyImage(t *testing.T) {
	gate := New(DefaultThreshold)

	v := gate.Evaluate(image.NewNRGBA(image.Rect(0, 0, 0, 0)))
	assert.False(t, v.IsLeaf)
	assert.Equal(t, ReasonEmptyImage, v.Reason)
	assert.Zero(t, v.GreenRatio)

	v = gate.Evaluate(nil)
	assert.False(t, v.IsLeaf)
	assert.Equal(t, ReasonEmptyImage, v.Reason)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 37, 23))
	for i := range img.Pix {
		img.Pix[i] = uint8((i * 7919) % 256)
	}

	gate := New(DefaultThreshold)
	first := gate.Evaluate(img)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, gate.Evaluate(img))
	}
}

func TestEvaluateNonNRGBASourceAndOffsetBounds(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			rgba.Set(x, y, color.RGBA{G: 200, A: 255})
		}
	}
	assert.True(t, New(0.5).IsLeaf(rgba))

	// A sub-image only covers its own bounds.
	base := fill(10, 10, color.NRGBA{R: 255, A: 255})
	for y := 5; y < 10; y++ {
		for x := 5; x < 10; x++ {
			base.SetNRGBA(x, y, color.NRGBA{G: 255, A: 255})
		}
	}
	sub := base.SubImage(image.Rect(5, 5, 10, 10))
	v := New(0.5).Evaluate(sub)
	assert.True(t, v.IsLeaf)
	assert.InDelta(t, 1.0, v.GreenRatio, 1e-9)
}

func TestZeroValueGateUsesDefaultThreshold(t *testing.T) {
	var gate Gate
	assert.False(t, gate.IsLeaf(fill(5, 5, color.NRGBA{R: 255, A: 255})))
	assert.True(t, gate.IsLeaf(fill(5, 5, color.NRGBA{G: 255, A: 255})))
}

func TestNewAppliesConfiguredThresholdExactly(t *testing.T) {
	// 10 green pixels out of 200 is a 5% ratio.
	img := fill(20, 10, color.NRGBA{R: 255, A: 255})
	for x := 0; x < 10; x++ {
		img.SetNRGBA(x, 0, color.NRGBA{G: 255, A: 255})
	}

	zero := New(0)
	assert.Equal(t, 0.0, zero.Threshold)
	v := zero.Evaluate(img)
	assert.True(t, v.IsLeaf, "a threshold of 0 admits any green pixel")
	assert.InDelta(t, 0.05, v.GreenRatio, 1e-9)

	assert.False(t, New(0).IsLeaf(fill(4, 4, color.NRGBA{R: 255, A: 255})))
	assert.False(t, New(DefaultThreshold).IsLeaf(img))
	assert.True(t, New(0.04).IsLeaf(img))
}

func fill(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}
