// Package imm implements an Interacting Multiple Model Extended Kalman
// Filter over a 9-dimensional kinematic state with two motion models:
// constant velocity (CV) and constant turn-rate and velocity (CTRV).
//
// State layout: (x, y, z, v, yaw, yaw_rate, l, w, h) in metres, m/s,
// radians and rad/s. Measurements are 7-vectors (x, y, z, yaw, l, w, h).
package imm

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/boxtrack/internal/geom"
)

const (
	// StateDim is the dimension of the kinematic state vector.
	StateDim = 9
	// MeasDim is the dimension of the measurement vector.
	MeasDim = 7
	// NumModels is the number of motion model hypotheses.
	NumModels = 2
)

// State vector indices.
const (
	IdxX = iota
	IdxY
	IdxZ
	IdxV
	IdxYaw
	IdxYawRate
	IdxL
	IdxW
	IdxH
)

// Numerical floors. minExtent keeps box dimensions physical after any
// transition or correction; the remaining floors guard probability and
// determinant underflow.
const (
	minExtent     = 0.05
	minMixWeight  = 1e-12
	minModeProb   = 1e-20
	minDetS       = 1e-12
	jacobianEps   = 1e-4
	jitterDiag    = 1e-9
	ctrvRateFloor = 1e-4
)

// ErrSingularInnovation is returned when the innovation covariance
// cannot be inverted even after symmetrisation and diagonal jitter.
// Callers treat the affected pairing as ungated for the frame.
var ErrSingularInnovation = errors.New("imm: singular innovation covariance")

// modelFn propagates a state vector by dt seconds, writing into dst.
type modelFn func(dst, x []float64, dt float64)

// motionCV is the constant-velocity transition. The yaw rate is softly
// damped so a track that stops receiving turn evidence straightens out.
func motionCV(dst, x []float64, dt float64) {
	copy(dst, x)
	dst[IdxX] = x[IdxX] + x[IdxV]*dt*math.Cos(x[IdxYaw])
	dst[IdxY] = x[IdxY] + x[IdxV]*dt*math.Sin(x[IdxYaw])
	dst[IdxYaw] = geom.WrapAngle(x[IdxYaw])
	dst[IdxYawRate] = 0.95 * x[IdxYawRate]
	clampExtents(dst)
}

// motionCTRV is the constant turn-rate and velocity transition. Below
// the rate floor the arc degenerates and the CV position update is used.
func motionCTRV(dst, x []float64, dt float64) {
	copy(dst, x)
	v := x[IdxV]
	yaw := x[IdxYaw]
	rate := x[IdxYawRate]
	if math.Abs(rate) > ctrvRateFloor {
		dst[IdxX] = x[IdxX] + (v/rate)*(math.Sin(yaw+rate*dt)-math.Sin(yaw))
		dst[IdxY] = x[IdxY] - (v/rate)*(math.Cos(yaw+rate*dt)-math.Cos(yaw))
	} else {
		dst[IdxX] = x[IdxX] + v*dt*math.Cos(yaw)
		dst[IdxY] = x[IdxY] + v*dt*math.Sin(yaw)
	}
	dst[IdxYaw] = geom.WrapAngle(yaw + rate*dt)
	clampExtents(dst)
}

func clampExtents(x []float64) {
	for _, i := range [3]int{IdxL, IdxW, IdxH} {
		if x[i] < minExtent {
			x[i] = minExtent
		}
	}
}

// measure projects a state onto the measurement space, wrapping yaw.
func measure(dst, x []float64) {
	dst[0] = x[IdxX]
	dst[1] = x[IdxY]
	dst[2] = x[IdxZ]
	dst[3] = geom.WrapAngle(x[IdxYaw])
	dst[4] = x[IdxL]
	dst[5] = x[IdxW]
	dst[6] = x[IdxH]
}

// numericJacobian computes the forward-difference Jacobian of f
// (outDim outputs over StateDim inputs) at x.
func numericJacobian(f func(dst, x []float64), outDim int, x []float64) *mat.Dense {
	y0 := make([]float64, outDim)
	f(y0, x)

	j := mat.NewDense(outDim, StateDim, nil)
	xp := make([]float64, StateDim)
	yp := make([]float64, outDim)
	for c := 0; c < StateDim; c++ {
		copy(xp, x)
		xp[c] += jacobianEps
		f(yp, xp)
		for r := 0; r < outDim; r++ {
			j.Set(r, c, (yp[r]-y0[r])/jacobianEps)
		}
	}
	return j
}

// symmetrize replaces p with (p + pᵀ)/2 to suppress asymmetry drift.
func symmetrize(p *mat.Dense) {
	r, _ := p.Dims()
	for i := 0; i < r; i++ {
		for j := i + 1; j < r; j++ {
			v := (p.At(i, j) + p.At(j, i)) / 2
			p.Set(i, j, v)
			p.Set(j, i, v)
		}
	}
}

// invertInnovation inverts S after symmetrisation, retrying once with
// diagonal jitter before giving up.
func invertInnovation(s *mat.Dense) (*mat.Dense, error) {
	symmetrize(s)
	var inv mat.Dense
	if err := inv.Inverse(s); err == nil {
		return &inv, nil
	}
	for i := 0; i < MeasDim; i++ {
		s.Set(i, i, s.At(i, i)+jitterDiag)
	}
	if err := inv.Inverse(s); err != nil {
		return nil, ErrSingularInnovation
	}
	return &inv, nil
}

// Filter is a two-model IMM-EKF. The fused estimate (X, P) is
// recomputed after every mutation; per-model hypotheses and the mode
// probability vector are maintained alongside it.
type Filter struct {
	xm [NumModels][]float64
	pm [NumModels]*mat.Dense
	mu [NumModels]float64

	transition [NumModels][NumModels]float64

	// Fused estimate.
	x []float64
	p *mat.Dense
}

// NewFilter builds a filter with both model hypotheses initialised to
// x0 with covariance p0. modeProbInit is renormalised to sum to 1;
// transition is the row-stochastic mode-transition matrix.
func NewFilter(x0 []float64, p0 *mat.Dense, modeProbInit [NumModels]float64, transition [NumModels][NumModels]float64) *Filter {
	f := &Filter{transition: transition}
	sum := modeProbInit[0] + modeProbInit[1]
	for i := 0; i < NumModels; i++ {
		f.xm[i] = make([]float64, StateDim)
		copy(f.xm[i], x0)
		f.pm[i] = mat.DenseCopyOf(p0)
		f.mu[i] = modeProbInit[i] / sum
	}
	f.x = make([]float64, StateDim)
	f.p = mat.NewDense(StateDim, StateDim, nil)
	f.fuse()
	return f
}

// State returns a copy of the fused state vector.
func (f *Filter) State() []float64 {
	out := make([]float64, StateDim)
	copy(out, f.x)
	return out
}

// Covariance returns a copy of the fused covariance.
func (f *Filter) Covariance() *mat.Dense {
	return mat.DenseCopyOf(f.p)
}

// ModeProbs returns the current mode probability vector.
func (f *Filter) ModeProbs() [NumModels]float64 {
	return f.mu
}

// mix computes the interaction step: per-model mixed priors and the
// predicted mode weights c_j, floored to keep the division stable.
func (f *Filter) mix() (mixedX [NumModels][]float64, mixedP [NumModels]*mat.Dense, c [NumModels]float64) {
	for j := 0; j < NumModels; j++ {
		cj := 0.0
		for i := 0; i < NumModels; i++ {
			cj += f.transition[i][j] * f.mu[i]
		}
		if cj < minMixWeight {
			cj = minMixWeight
		}
		c[j] = cj

		var muIJ [NumModels]float64
		for i := 0; i < NumModels; i++ {
			muIJ[i] = f.transition[i][j] * f.mu[i] / cj
		}

		xj := make([]float64, StateDim)
		for i := 0; i < NumModels; i++ {
			for k := 0; k < StateDim; k++ {
				xj[k] += muIJ[i] * f.xm[i][k]
			}
		}

		pj := mat.NewDense(StateDim, StateDim, nil)
		dx := make([]float64, StateDim)
		for i := 0; i < NumModels; i++ {
			for k := 0; k < StateDim; k++ {
				dx[k] = f.xm[i][k] - xj[k]
			}
			// The yaw spread must be taken on the circle, not the line.
			dx[IdxYaw] = geom.AngleDiff(f.xm[i][IdxYaw], xj[IdxYaw])

			dv := mat.NewVecDense(StateDim, dx)
			var outer mat.Dense
			outer.Outer(muIJ[i], dv, dv)
			var scaled mat.Dense
			scaled.Scale(muIJ[i], f.pm[i])
			pj.Add(pj, &scaled)
			pj.Add(pj, &outer)
		}

		mixedX[j] = xj
		mixedP[j] = pj
	}
	return mixedX, mixedP, c
}

// Predict advances both model hypotheses by dt seconds with the given
// per-model process noise matrices, updates the mode probabilities to
// the mixed weights, and re-fuses.
func (f *Filter) Predict(dt float64, qCV, qCTRV *mat.Dense) {
	mixedX, mixedP, c := f.mix()

	models := [NumModels]modelFn{motionCV, motionCTRV}
	qs := [NumModels]*mat.Dense{qCV, qCTRV}

	for j := 0; j < NumModels; j++ {
		fn := models[j]
		fj := numericJacobian(func(dst, x []float64) { fn(dst, x, dt) }, StateDim, mixedX[j])

		xn := make([]float64, StateDim)
		fn(xn, mixedX[j], dt)

		var fp, pn mat.Dense
		fp.Mul(fj, mixedP[j])
		pn.Mul(&fp, fj.T())
		pn.Add(&pn, qs[j])
		symmetrize(&pn)

		f.xm[j] = xn
		f.pm[j] = &pn
	}

	total := c[0] + c[1]
	for j := 0; j < NumModels; j++ {
		f.mu[j] = c[j] / total
	}
	f.fuse()
}

// Update corrects both model hypotheses with measurement z (length
// MeasDim) under measurement covariance r, reweights the mode
// probabilities by per-model Gaussian likelihood, and re-fuses.
//
// A model whose innovation covariance stays singular after jitter keeps
// its prior and takes the likelihood floor, so the healthy model
// dominates the reweighting.
func (f *Filter) Update(z []float64, r *mat.Dense) {
	var likelihood [NumModels]float64

	for j := 0; j < NumModels; j++ {
		xj := f.xm[j]
		pj := f.pm[j]

		zHat := make([]float64, MeasDim)
		measure(zHat, xj)

		innov := make([]float64, MeasDim)
		for k := 0; k < MeasDim; k++ {
			innov[k] = z[k] - zHat[k]
		}
		innov[3] = geom.AngleDiff(z[3], zHat[3])

		h := numericJacobian(measure, MeasDim, xj)

		var hp, s mat.Dense
		hp.Mul(h, pj)
		s.Mul(&hp, h.T())
		s.Add(&s, r)

		sInv, err := invertInnovation(&s)
		if err != nil {
			likelihood[j] = minModeProb
			continue
		}

		// Kalman gain K = P Hᵀ S⁻¹.
		var pht, k mat.Dense
		pht.Mul(pj, h.T())
		k.Mul(&pht, sInv)

		iv := mat.NewVecDense(MeasDim, innov)
		var corr mat.VecDense
		corr.MulVec(&k, iv)
		for idx := 0; idx < StateDim; idx++ {
			xj[idx] += corr.AtVec(idx)
		}
		xj[IdxYaw] = geom.WrapAngle(xj[IdxYaw])
		clampExtents(xj)

		// P ← (I − K H) P, symmetrised.
		var kh mat.Dense
		kh.Mul(&k, h)
		ikh := identity(StateDim)
		ikh.Sub(ikh, &kh)
		var pn mat.Dense
		pn.Mul(ikh, pj)
		symmetrize(&pn)
		f.pm[j] = &pn

		// Gaussian measurement likelihood with a floored determinant.
		var sv mat.VecDense
		sv.MulVec(sInv, iv)
		mahal := mat.Dot(iv, &sv)
		detS := mat.Det(&s)
		if detS < minDetS {
			detS = minDetS
		}
		norm := math.Sqrt(math.Pow(2*math.Pi, MeasDim) * detS)
		likelihood[j] = math.Exp(-0.5*mahal) / norm
	}

	for j := 0; j < NumModels; j++ {
		l := likelihood[j]
		if l < minModeProb {
			l = minModeProb
		}
		f.mu[j] *= l
	}
	f.normalizeModeProbs()
	f.fuse()
}

// Mahalanobis returns the squared innovation Mahalanobis distance of
// measurement z under measurement covariance r, evaluated against the
// fused estimate. No state is modified. ErrSingularInnovation marks
// the pairing as ungated for this frame.
func (f *Filter) Mahalanobis(z []float64, r *mat.Dense) (float64, error) {
	zHat := make([]float64, MeasDim)
	measure(zHat, f.x)

	innov := make([]float64, MeasDim)
	for k := 0; k < MeasDim; k++ {
		innov[k] = z[k] - zHat[k]
	}
	innov[3] = geom.AngleDiff(z[3], zHat[3])

	h := numericJacobian(measure, MeasDim, f.x)

	var hp, s mat.Dense
	hp.Mul(h, f.p)
	s.Mul(&hp, h.T())
	s.Add(&s, r)

	sInv, err := invertInnovation(&s)
	if err != nil {
		return 0, err
	}

	iv := mat.NewVecDense(MeasDim, innov)
	var sv mat.VecDense
	sv.MulVec(sInv, iv)
	return mat.Dot(iv, &sv), nil
}

// normalizeModeProbs floors each mode probability then renormalises the
// vector to sum to 1.
func (f *Filter) normalizeModeProbs() {
	sum := 0.0
	for j := 0; j < NumModels; j++ {
		if f.mu[j] < minModeProb {
			f.mu[j] = minModeProb
		}
		sum += f.mu[j]
	}
	for j := 0; j < NumModels; j++ {
		f.mu[j] /= sum
	}
}

// fuse recomputes the fused (x, P) from the model hypotheses and mode
// probabilities. Yaw spread is handled angularly, the fused yaw is
// wrapped, and the fused covariance symmetrised.
func (f *Filter) fuse() {
	for k := 0; k < StateDim; k++ {
		f.x[k] = 0
		for i := 0; i < NumModels; i++ {
			f.x[k] += f.mu[i] * f.xm[i][k]
		}
	}

	pf := mat.NewDense(StateDim, StateDim, nil)
	dx := make([]float64, StateDim)
	for i := 0; i < NumModels; i++ {
		for k := 0; k < StateDim; k++ {
			dx[k] = f.xm[i][k] - f.x[k]
		}
		dx[IdxYaw] = geom.AngleDiff(f.xm[i][IdxYaw], f.x[IdxYaw])

		dv := mat.NewVecDense(StateDim, dx)
		var outer mat.Dense
		outer.Outer(f.mu[i], dv, dv)
		var scaled mat.Dense
		scaled.Scale(f.mu[i], f.pm[i])
		pf.Add(pf, &scaled)
		pf.Add(pf, &outer)
	}

	f.x[IdxYaw] = geom.WrapAngle(f.x[IdxYaw])
	symmetrize(pf)
	f.p = pf
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
