package track

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/boxtrack/internal/geom"
	"github.com/banshee-data/boxtrack/internal/imm"
)

// initialStateStd holds the per-component standard deviations used for
// a newborn track's diagonal covariance.
var initialStateStd = [imm.StateDim]float64{6, 6, 3, 4, 0.8, 0.8, 1, 1, 1}

// node is the per-track record: the IMM filter plus identity, smoothed
// existence score, hit/miss counters, age bookkeeping and lifecycle
// status. Nodes are owned exclusively by their tracker and mutated only
// through it.
type node struct {
	id     int64
	label  string
	filter *imm.Filter

	scoreEMA float64
	hits     int
	misses   int

	ageS             float64
	timeSinceUpdateS float64

	status Status
}

// newNode builds a tentative track from a detection: zero velocity and
// turn rate, position/yaw/extents from the measurement, extents floored
// at 0.05 m, and the standard newborn covariance.
func newNode(id int64, det Detection, modeProbInit [imm.NumModels]float64, transition [imm.NumModels][imm.NumModels]float64) *node {
	x0 := []float64{
		det.X, det.Y, det.Z,
		0,
		det.Yaw,
		0,
		math.Max(det.L, 0.05), math.Max(det.W, 0.05), math.Max(det.H, 0.05),
	}
	p0 := mat.NewDense(imm.StateDim, imm.StateDim, nil)
	for i, sd := range initialStateStd {
		p0.Set(i, i, sd*sd)
	}

	return &node{
		id:       id,
		label:    det.Label,
		filter:   imm.NewFilter(x0, p0, modeProbInit, transition),
		scoreEMA: det.Score,
		hits:     1,
		status:   StatusTentative,
	}
}

// finiteState reports whether every element of the fused state is
// finite. A track failing this check indicates filter divergence and
// aborts the run.
func (n *node) finiteState() bool {
	for _, v := range n.filter.State() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// output snapshots the node for emission.
func (n *node) output() Output {
	return Output{
		TrackID: n.id,
		Label:   n.label,
		Score:   geom.Clamp(n.scoreEMA, 0, 1),
		State:   n.filter.State(),
		AgeS:    n.ageS,
		Hits:    n.hits,
		Status:  n.status,
	}
}
