package imm

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

var (
	testTransition = [NumModels][NumModels]float64{{0.95, 0.05}, {0.05, 0.95}}
	testModeInit   = [NumModels]float64{0.6, 0.4}
)

func diagSq(std []float64) *mat.Dense {
	m := mat.NewDense(len(std), len(std), nil)
	for i, s := range std {
		m.Set(i, i, s*s)
	}
	return m
}

func testQCV() *mat.Dense {
	return diagSq([]float64{0.5, 0.5, 0.3, 1.0, 0.1, 0.1, 0.1, 0.1, 0.1})
}

func testQCTRV() *mat.Dense {
	return diagSq([]float64{0.5, 0.5, 0.3, 1.0, 0.15, 0.2, 0.1, 0.1, 0.1})
}

func testR() *mat.Dense {
	return diagSq([]float64{0.6, 0.6, 0.4, 0.3, 0.3, 0.3, 0.3})
}

func newTestFilter(x, y, yaw float64) *Filter {
	x0 := []float64{x, y, 0, 0, yaw, 0, 4, 2, 1.5}
	p0 := diagSq([]float64{6, 6, 3, 4, 0.8, 0.8, 1, 1, 1})
	return NewFilter(x0, p0, testModeInit, testTransition)
}

func maxAsymmetry(p *mat.Dense) float64 {
	worst := 0.0
	for i := 0; i < StateDim; i++ {
		for j := 0; j < StateDim; j++ {
			if d := math.Abs(p.At(i, j) - p.At(j, i)); d > worst {
				worst = d
			}
		}
	}
	return worst
}

func checkInvariants(t *testing.T, f *Filter, ctx string) {
	t.Helper()
	if asym := maxAsymmetry(f.Covariance()); asym > 1e-9 {
		t.Fatalf("%s: covariance asymmetry %v", ctx, asym)
	}
	mu := f.ModeProbs()
	sum := 0.0
	for i, m := range mu {
		if m < 0 {
			t.Fatalf("%s: negative mode probability mu[%d]=%v", ctx, i, m)
		}
		sum += m
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("%s: mode probabilities sum to %v", ctx, sum)
	}
	st := f.State()
	if !(st[IdxYaw] > -math.Pi && st[IdxYaw] <= math.Pi) {
		t.Fatalf("%s: fused yaw %v not wrapped", ctx, st[IdxYaw])
	}
	for _, i := range []int{IdxL, IdxW, IdxH} {
		if st[i] < 0.05 {
			t.Fatalf("%s: extent %d below floor: %v", ctx, i, st[i])
		}
	}
}

func TestNewFilter_NormalisesModePrior(t *testing.T) {
	x0 := []float64{0, 0, 0, 0, 0, 0, 1, 1, 1}
	p0 := diagSq([]float64{1, 1, 1, 1, 1, 1, 1, 1, 1})
	f := NewFilter(x0, p0, [NumModels]float64{3, 1}, testTransition)
	mu := f.ModeProbs()
	if math.Abs(mu[0]-0.75) > 1e-12 || math.Abs(mu[1]-0.25) > 1e-12 {
		t.Errorf("prior not renormalised: %v", mu)
	}
}

func TestPredictUpdate_Invariants(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	f := newTestFilter(10, -5, 0.3)
	qcv, qctrv, r := testQCV(), testQCTRV(), testR()

	for i := 0; i < 50; i++ {
		f.Predict(0.05+rng.Float64()*0.2, qcv, qctrv)
		checkInvariants(t, f, "after predict")

		z := []float64{
			10 + rng.NormFloat64(), -5 + rng.NormFloat64(), rng.NormFloat64() * 0.2,
			0.3 + rng.NormFloat64()*0.1,
			4 + rng.NormFloat64()*0.2, 2 + rng.NormFloat64()*0.1, 1.5 + rng.NormFloat64()*0.1,
		}
		f.Update(z, r)
		checkInvariants(t, f, "after update")
	}
}

func TestVelocityConvergence(t *testing.T) {
	// Detections marching +1 m/s along x; the filter should estimate
	// the speed without an explicit velocity measurement.
	f := newTestFilter(0, 0, 0)
	qcv, qctrv, r := testQCV(), testQCTRV(), testR()
	for k := 1; k < 30; k++ {
		f.Predict(0.1, qcv, qctrv)
		f.Update([]float64{0.1 * float64(k), 0, 0, 0, 4, 2, 1.5}, r)
	}
	if v := f.State()[IdxV]; math.Abs(v-1) > 0.05 {
		t.Errorf("estimated speed %v, want ~1 m/s", v)
	}
}

func TestTurnRateEstimation(t *testing.T) {
	// Object on a circle of radius 10 m at 0.5 rad/s. The turn-rate
	// state should pick up a clearly positive estimate.
	f := newTestFilter(0, 0, 0)
	qcv, qctrv, r := testQCV(), testQCTRV(), testR()
	for k := 1; k < 40; k++ {
		ts := 0.1 * float64(k)
		th := 0.5 * ts
		z := []float64{10 * math.Sin(th), 10 * (1 - math.Cos(th)), 0, th, 4, 2, 1.5}
		f.Predict(0.1, qcv, qctrv)
		f.Update(z, r)
	}
	if rate := f.State()[IdxYawRate]; rate < 0.1 {
		t.Errorf("estimated yaw rate %v, want > 0.1 rad/s", rate)
	}
}

func TestUpdate_ExtentFloor(t *testing.T) {
	f := newTestFilter(10, 0, 0)
	f.Predict(0.1, testQCV(), testQCTRV())
	// Degenerate zero-extent measurement must not drag extents below
	// the floor.
	for i := 0; i < 20; i++ {
		f.Update([]float64{10, 0, 0, 0, 0, 0, 0}, testR())
	}
	st := f.State()
	for _, i := range []int{IdxL, IdxW, IdxH} {
		if st[i] < 0.05-1e-12 {
			t.Errorf("extent %d = %v below 0.05", i, st[i])
		}
	}
}

func TestMahalanobis_Ordering(t *testing.T) {
	f := newTestFilter(0, 0, 0)
	qcv, qctrv, r := testQCV(), testQCTRV(), testR()
	for k := 1; k < 30; k++ {
		f.Predict(0.1, qcv, qctrv)
		f.Update([]float64{0.1 * float64(k), 0, 0, 0, 4, 2, 1.5}, r)
	}

	near, err := f.Mahalanobis([]float64{2.95, 0, 0, 0, 4, 2, 1.5}, r)
	if err != nil {
		t.Fatalf("near query: %v", err)
	}
	far, err := f.Mahalanobis([]float64{8, 3, 0, 1, 4, 2, 1.5}, r)
	if err != nil {
		t.Fatalf("far query: %v", err)
	}
	if near >= far {
		t.Errorf("near %v not smaller than far %v", near, far)
	}
	if near < 0 {
		t.Errorf("negative distance %v", near)
	}
}

func TestMahalanobis_DoesNotMutate(t *testing.T) {
	f := newTestFilter(3, 4, 1)
	before := f.State()
	if _, err := f.Mahalanobis([]float64{5, 5, 0, 0.5, 4, 2, 1.5}, testR()); err != nil {
		t.Fatalf("query: %v", err)
	}
	after := f.State()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("state mutated at %d: %v -> %v", i, before[i], after[i])
		}
	}
}

func TestYawWrap_AcrossBoundary(t *testing.T) {
	// Measurements hovering around +pi must not yank the yaw estimate
	// the long way around through zero.
	f := newTestFilter(0, 0, math.Pi-0.05)
	qcv, qctrv, r := testQCV(), testQCTRV(), testR()
	for k := 0; k < 10; k++ {
		f.Predict(0.1, qcv, qctrv)
		f.Update([]float64{0, 0, 0, -math.Pi + 0.05, 4, 2, 1.5}, r)
	}
	yaw := f.State()[IdxYaw]
	if math.Abs(math.Abs(yaw)-math.Pi) > 0.3 {
		t.Errorf("yaw %v drifted away from the ±pi boundary", yaw)
	}
}
