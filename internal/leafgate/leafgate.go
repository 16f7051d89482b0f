// Package leafgate implements a cheap color heuristic that rejects uploads which are
// unlikely to be photographs of a plant leaf before any inference is paid for.
//
// A pixel is green-dominant when its green channel is strictly greater than both its red
// and blue channels. An image passes when the share of green-dominant pixels is strictly
// greater than the threshold. The heuristic is untrained: pale or heavily diseased leaves
// can fail it, and green backgrounds can pass it.
package leafgate

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// DefaultThreshold is the minimum green-dominant pixel share for an image to pass.
const DefaultThreshold = 0.08

// Rejection reasons reported to clients.
const (
	ReasonEmptyImage = "image has no pixels"
	reasonNotLeaf    = "image does not look like a plant leaf"
)

// Verdict is the outcome of evaluating one image.
type Verdict struct {
	IsLeaf     bool
	GreenRatio float64
	// Reason is empty when IsLeaf is true.
	Reason string
}

// Gate holds the tunable threshold. A zero-value Gate uses DefaultThreshold.
type Gate struct {
	Threshold float64
	// explicit is set by New so a configured threshold of 0 is applied as 0.
	explicit bool
}

// New returns a Gate that applies threshold exactly as given.
func New(threshold float64) *Gate {
	return &Gate{Threshold: threshold, explicit: true}
}

// IsLeaf reports whether img passes the gate.
func (g *Gate) IsLeaf(img image.Image) bool {
	return g.Evaluate(img).IsLeaf
}

// Evaluate computes the green-dominant share of img and compares it with the threshold.
func (g *Gate) Evaluate(img image.Image) Verdict {
	threshold := g.Threshold
	if threshold == 0 && !g.explicit {
		threshold = DefaultThreshold
	}

	green, total := countGreenDominant(img)
	if total == 0 {
		return Verdict{Reason: ReasonEmptyImage}
	}

	ratio := float64(green) / float64(total)
	if ratio > threshold {
		return Verdict{IsLeaf: true, GreenRatio: ratio}
	}
	return Verdict{
		GreenRatio: ratio,
		Reason:     fmt.Sprintf("%s (green pixel ratio %.3f, need more than %.3f)", reasonNotLeaf, ratio, threshold),
	}
}

func countGreenDominant(img image.Image) (green, total int) {
	if img == nil {
		return 0, 0
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return 0, 0
	}

	nrgba, ok := img.(*image.NRGBA)
	if !ok {
		nrgba = imaging.Clone(img)
		b = nrgba.Bounds()
	}

	w, h := b.Dx(), b.Dy()
	for y := 0; y < h; y++ {
		row := nrgba.Pix[nrgba.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := 0; x < w; x++ {
			r, g, bl := row[x*4], row[x*4+1], row[x*4+2]
			if g > r && g > bl {
				green++
			}
		}
	}
	return green, w * h
}
