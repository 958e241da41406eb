// Focus strategies: a parabola fit over a symmetric sweep of focuser
// positions, and the FocusMax external-adapter delegate. runFocusParabola
// keeps to a small, pure shape — gather samples, reduce to a decision —
// with no state-machine concerns leaking into the math.
package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/joshwalawender/ObservatoryControlSystem/internal/device"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/ob"
)

// minFocusPoints is the fewest valid (position, FWHM) samples a parabola
// fit may proceed with.
const minFocusPoints = 5

// runFocusParabola sweeps the focuser through blk.Focus.NPositions
// symmetric steps, measures FWHM at each via the configured FocusProbe,
// fits a parabola, and returns the position of its minimum. It refocuses
// once, shifting the sampled range, if the fitted minimum falls within
// one step of either sampled edge and RefocusIfNearEdge is set.
func (d *Model) runFocusParabola(ctx context.Context, blk ob.Block) (float64, error) {
	return d.runFocusParabolaAttempt(ctx, blk, blk.Inst.FocuserPosition, false)
}

func (d *Model) runFocusParabolaAttempt(ctx context.Context, blk ob.Block, center float64, retried bool) (float64, error) {
	spec := blk.Focus
	n := spec.NPositions
	if n <= 0 {
		return 0, errors.New("focus spec has no positions")
	}

	type sample struct {
		pos, fwhm float64
	}
	var samples []sample

	offsetStart := -float64(n-1) / 2.0
	for i := 0; i < n; i++ {
		pos := center + (offsetStart+float64(i))*spec.StepDeg

		if err := d.instrument.Configure(ctx, ob.InstConfig{
			Filter:          blk.Inst.Filter,
			FocuserPosition: pos,
			WavelengthNM:    blk.Inst.WavelengthNM,
		}); err != nil {
			continue // one bad position just thins the sample set
		}

		var sum float64
		ok := 0
		det := d.primaryDetector()
		for k := 0; k < spec.ImagesPerPosition; k++ {
			h := device.Header(blk.Header()).Merge(device.Header{"ICFOC": fmt.Sprintf("%.4f", pos)})
			img, err := det.Expose(ctx, h)
			if err != nil {
				continue
			}
			fwhm, err := d.focusProbe.Measure(ctx, img, pos)
			if err != nil {
				continue
			}
			sum += fwhm
			ok++
		}
		if ok == 0 {
			continue
		}
		samples = append(samples, sample{pos: pos, fwhm: sum / float64(ok)})
	}

	if len(samples) < minFocusPoints {
		return 0, fmt.Errorf("focus run: only %d valid points (need %d)", len(samples), minFocusPoints)
	}

	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = s.pos
		ys[i] = s.fwhm
	}
	a, b, c, err := fitQuadratic(xs, ys)
	if err != nil {
		return 0, fmt.Errorf("focus run: %w", err)
	}
	if a <= 0 {
		return 0, errors.New("focus run: fitted parabola is not concave up")
	}
	x0 := -b / (2 * a)
	_ = c

	lo, hi := samples[0].pos, samples[len(samples)-1].pos
	if lo > hi {
		lo, hi = hi, lo
	}
	nearEdge := x0 < lo+spec.StepDeg || x0 > hi-spec.StepDeg

	if nearEdge && spec.RefocusIfNearEdge && !retried {
		return d.runFocusParabolaAttempt(ctx, blk, x0, true)
	}
	return x0, nil
}

// fitQuadratic least-squares fits y = a*x^2 + b*x + c over the given
// points via the normal equations, solved by Cramer's rule. A 3x3
// closed-form solve doesn't warrant pulling in a linear-algebra
// dependency, so it's hand-rolled.
func fitQuadratic(xs, ys []float64) (a, b, c float64, err error) {
	n := float64(len(xs))
	var sx, sx2, sx3, sx4, sy, sxy, sx2y float64
	for i := range xs {
		x, y := xs[i], ys[i]
		x2 := x * x
		sx += x
		sx2 += x2
		sx3 += x2 * x
		sx4 += x2 * x2
		sy += y
		sxy += x * y
		sx2y += x2 * y
	}

	// | sx4 sx3 sx2 | |a|   |sx2y|
	// | sx3 sx2 sx  | |b| = |sxy |
	// | sx2 sx  n   | |c|   |sy  |
	det := det3(sx4, sx3, sx2, sx3, sx2, sx, sx2, sx, n)
	if det == 0 {
		return 0, 0, 0, errors.New("fitQuadratic: singular system (degenerate sample positions)")
	}

	aDet := det3(sx2y, sx3, sx2, sxy, sx2, sx, sy, sx, n)
	bDet := det3(sx4, sx2y, sx2, sx3, sxy, sx, sx2, sy, n)
	cDet := det3(sx4, sx3, sx2y, sx3, sx2, sxy, sx2, sx, sy)

	return aDet / det, bDet / det, cDet / det, nil
}

func det3(a, b, c, d, e, f, g, h, i float64) float64 {
	return a*(e*i-f*h) - b*(d*i-f*g) + c*(d*h-e*g)
}

// SimFocusProbe synthesizes a deterministic FWHM measurement from the
// current focuser position, standing in for real star-image analysis:
// a parabola centered on IdealPos with the given curvature and floor.
type SimFocusProbe struct {
	IdealPos  float64
	Curvature float64 // "a" coefficient; must be > 0
	FloorFWHM float64
}

// Measure ignores img and computes FWHM purely from focuserPos, a
// synthetic focus curve rather than real image analysis.
func (p SimFocusProbe) Measure(ctx context.Context, img device.ImageBundle, focuserPos float64) (float64, error) {
	dx := focuserPos - p.IdealPos
	return p.Curvature*dx*dx + p.FloorFWHM, nil
}
