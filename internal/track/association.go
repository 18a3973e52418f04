package track

import (
	"math"
	"sort"

	"github.com/banshee-data/boxtrack/internal/geom"
)

// Association cost constants. Pairs failing the label or Mahalanobis
// gate carry gateCost; the Hungarian solution is post-filtered at
// gateReject so a forced assignment onto a gated pair is discarded,
// which keeps gating semantics intact under the rectangular solver.
const (
	gateCost   = 1e6
	gateReject = 1e5
)

// matchResult holds the outcome of one frame's association.
type matchResult struct {
	matches         [][2]int64 // (track id, detection index)
	unmatchedTracks []int64
	unmatchedDets   []int
}

// costMatrix builds the track×detection association cost. An entry is
// gateCost unless labels match and the innovation Mahalanobis distance
// passes the gate; otherwise it blends the normalised Mahalanobis term,
// BEV IoU complement and heading cost. A singular innovation covariance
// leaves the pair ungated for the frame.
func (t *Tracker) costMatrix(trackIDs []int64, dets []Detection) [][]float64 {
	cost := make([][]float64, len(trackIDs))
	gate := t.params.MahaGateThreshold

	for i, tid := range trackIDs {
		cost[i] = make([]float64, len(dets))
		trk := t.tracks[tid]
		r := t.measCov(trk.label)
		state := trk.filter.State()

		for j, det := range dets {
			cost[i][j] = gateCost
			if det.Label != trk.label {
				continue
			}
			maha, err := trk.filter.Mahalanobis(det.MeasVec(), r)
			if err != nil || maha > gate {
				continue
			}
			iouTerm := 1 - geom.BEVIoU(state, det.stateVec())
			yawTerm := geom.YawCost(state[4], det.Yaw)
			cost[i][j] = t.params.CostWeightMaha*(maha/gate) +
				t.params.CostWeightIoU*iouTerm +
				t.params.CostWeightYaw*yawTerm
		}
	}
	return cost
}

// associate runs the two association stages: a global Hungarian
// assignment over the gated cost matrix, then a greedy centre-distance
// rescue over the leftovers.
func (t *Tracker) associate(trackIDs []int64, dets []Detection) matchResult {
	res := matchResult{
		unmatchedTracks: append([]int64(nil), trackIDs...),
		unmatchedDets:   make([]int, len(dets)),
	}
	for j := range dets {
		res.unmatchedDets[j] = j
	}
	if len(trackIDs) == 0 || len(dets) == 0 {
		return res
	}

	cost := t.costMatrix(trackIDs, dets)
	assign := hungarianAssign(cost)

	matchedT := make(map[int64]bool)
	matchedD := make(map[int]bool)
	for i, j := range assign {
		if j < 0 || cost[i][j] >= gateReject {
			continue
		}
		res.matches = append(res.matches, [2]int64{trackIDs[i], int64(j)})
		matchedT[trackIDs[i]] = true
		matchedD[j] = true
	}
	res.unmatchedTracks = filterTracks(res.unmatchedTracks, matchedT)
	res.unmatchedDets = filterDets(res.unmatchedDets, matchedD)

	second := t.centerGateMatch(res.unmatchedTracks, res.unmatchedDets, dets)
	if len(second) > 0 {
		m2t := make(map[int64]bool)
		m2d := make(map[int]bool)
		for _, m := range second {
			m2t[m[0]] = true
			m2d[int(m[1])] = true
		}
		res.matches = append(res.matches, second...)
		res.unmatchedTracks = filterTracks(res.unmatchedTracks, m2t)
		res.unmatchedDets = filterDets(res.unmatchedDets, m2d)
	}
	return res
}

// centerGateMatch greedily pairs unmatched tracks, in ascending id
// order, with the nearest same-label unmatched detection within the
// planar centre gate. Each detection matches at most once; distance
// ties keep the first-seen detection.
func (t *Tracker) centerGateMatch(trackIDs []int64, detIdxs []int, dets []Detection) [][2]int64 {
	if len(trackIDs) == 0 || len(detIdxs) == 0 {
		return nil
	}

	gate := t.params.SecondStageCenterGateM
	ordered := append([]int64(nil), trackIDs...)
	sort.Slice(ordered, func(a, b int) bool { return ordered[a] < ordered[b] })

	var out [][2]int64
	used := make(map[int]bool)
	for _, tid := range ordered {
		trk := t.tracks[tid]
		state := trk.filter.State()

		best := -1
		bestDist := math.Inf(1)
		for _, dj := range detIdxs {
			if used[dj] {
				continue
			}
			det := dets[dj]
			if det.Label != trk.label {
				continue
			}
			dist := math.Hypot(det.X-state[0], det.Y-state[1])
			if dist < bestDist && dist <= gate {
				bestDist = dist
				best = dj
			}
		}
		if best >= 0 {
			out = append(out, [2]int64{tid, int64(best)})
			used[best] = true
		}
	}
	return out
}

func filterTracks(ids []int64, taken map[int64]bool) []int64 {
	out := ids[:0]
	for _, id := range ids {
		if !taken[id] {
			out = append(out, id)
		}
	}
	return out
}

func filterDets(idxs []int, taken map[int]bool) []int {
	out := idxs[:0]
	for _, j := range idxs {
		if !taken[j] {
			out = append(out, j)
		}
	}
	return out
}
