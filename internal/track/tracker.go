package track

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/boxtrack/internal/imm"
)

// Params holds the resolved tracker configuration. Label-indexed maps
// must contain a "default" entry; config.Load guarantees this for
// configurations it produces.
type Params struct {
	DtFallbackS           float64
	ExistenceDecay        float64
	ConfirmScoreThreshold float64
	InitScoreThreshold    float64
	MinHits               map[string]int
	MaxAgeS               map[string]float64

	MahaGateThreshold      float64
	SecondStageCenterGateM float64
	CostWeightMaha         float64
	CostWeightIoU          float64
	CostWeightYaw          float64

	ProcessCVDiag   [imm.StateDim]float64 // std devs; Q_cv = diag(σ²)
	ProcessCTRVDiag [imm.StateDim]float64
	MeasByClass     map[string][imm.MeasDim]float64

	Transition   [imm.NumModels][imm.NumModels]float64
	ModeProbInit [imm.NumModels]float64
}

// deleteScoreFloor retires any track whose smoothed existence score
// decays below this value.
const deleteScoreFloor = 0.05

// Tracker owns all live tracks and advances them one frame at a time.
// It is single-threaded: Step is the only mutation entry point and must
// be called in monotonic-timestamp order. Independent scenes get
// independent Tracker values.
type Tracker struct {
	params Params

	qCV      *mat.Dense
	qCTRV    *mat.Dense
	rByLabel map[string]*mat.Dense

	tracks       map[int64]*node
	nextID       int64
	lastStampS   float64
	hasLastStamp bool
}

// NewTracker builds a tracker from resolved parameters. The mode
// probability prior is renormalised to sum to 1.
func NewTracker(params Params) *Tracker {
	sum := params.ModeProbInit[0] + params.ModeProbInit[1]
	params.ModeProbInit[0] /= sum
	params.ModeProbInit[1] /= sum

	return &Tracker{
		params:   params,
		qCV:      diagSquared(params.ProcessCVDiag[:]),
		qCTRV:    diagSquared(params.ProcessCTRVDiag[:]),
		rByLabel: make(map[string]*mat.Dense),
		tracks:   make(map[int64]*node),
		nextID:   1,
	}
}

// diagSquared builds diag(σ²) from a vector of standard deviations.
func diagSquared(std []float64) *mat.Dense {
	m := mat.NewDense(len(std), len(std), nil)
	for i, s := range std {
		m.Set(i, i, s*s)
	}
	return m
}

// measCov resolves the measurement covariance for a label, falling back
// to the mandatory "default" entry. Matrices are cached per label.
func (t *Tracker) measCov(label string) *mat.Dense {
	if r, ok := t.rByLabel[label]; ok {
		return r
	}
	std, ok := t.params.MeasByClass[label]
	if !ok {
		std = t.params.MeasByClass["default"]
	}
	r := diagSquared(std[:])
	t.rByLabel[label] = r
	return r
}

func (t *Tracker) minHits(label string) int {
	if v, ok := t.params.MinHits[label]; ok {
		return v
	}
	return t.params.MinHits["default"]
}

func (t *Tracker) maxAge(label string) float64 {
	if v, ok := t.params.MaxAgeS[label]; ok {
		return v
	}
	return t.params.MaxAgeS["default"]
}

// sortedTrackIDs returns the live track ids in ascending order. All
// ordered iteration goes through this so map ordering never leaks into
// results.
func (t *Tracker) sortedTrackIDs() []int64 {
	ids := make([]int64, 0, len(t.tracks))
	for id := range t.tracks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

// computeDt derives the prediction horizon for a frame. Before the
// first frame the configured fallback applies; afterwards non-positive
// deltas floor at 1 ms so a repeated or out-of-order timestamp cannot
// stall or reverse the filter.
func (t *Tracker) computeDt(timestampS float64) float64 {
	if !t.hasLastStamp {
		return t.params.DtFallbackS
	}
	dt := timestampS - t.lastStampS
	if dt < 1e-3 {
		dt = 1e-3
	}
	return dt
}

// Step advances the tracker by one frame and returns the emitted
// outputs: every surviving confirmed or lost track, sorted by
// (track_id, label). Tentative tracks are never emitted.
//
// An error indicates an invariant violation (a track with non-finite
// state); the tracker must not be stepped again after one.
func (t *Tracker) Step(timestampS float64, dets []Detection) ([]Output, error) {
	dt := t.computeDt(timestampS)

	// Predict every live track to the frame timestamp. The existence
	// score decays here, before the match outcome is known; matched
	// tracks recover through the score EMA below.
	trackIDs := t.sortedTrackIDs()
	for _, id := range trackIDs {
		trk := t.tracks[id]
		trk.filter.Predict(dt, t.qCV, t.qCTRV)
		trk.ageS += dt
		trk.timeSinceUpdateS += dt
		trk.scoreEMA *= t.params.ExistenceDecay
	}

	res := t.associate(trackIDs, dets)

	// Correct matched tracks and run lifecycle promotion.
	for _, m := range res.matches {
		trk := t.tracks[m[0]]
		det := dets[m[1]]
		trk.filter.Update(det.MeasVec(), t.measCov(trk.label))
		trk.hits++
		trk.misses = 0
		trk.timeSinceUpdateS = 0
		trk.scoreEMA = 0.6*trk.scoreEMA + 0.4*det.Score

		if !trk.finiteState() {
			return nil, fmt.Errorf("track %d (%s): non-finite state after update at t=%.3fs", trk.id, trk.label, timestampS)
		}

		switch {
		case trk.status == StatusTentative &&
			trk.hits >= t.minHits(trk.label) &&
			trk.scoreEMA >= t.params.ConfirmScoreThreshold:
			trk.status = StatusConfirmed
		case trk.status == StatusLost:
			trk.status = StatusConfirmed
		}
	}

	// Coast unmatched tracks.
	for _, id := range res.unmatchedTracks {
		trk := t.tracks[id]
		trk.misses++
		if trk.status == StatusConfirmed {
			trk.status = StatusLost
		}
	}

	// Spawn tentative tracks from unmatched high-confidence detections,
	// in detection order so id assignment is deterministic.
	for _, dj := range res.unmatchedDets {
		det := dets[dj]
		if det.Score < t.params.InitScoreThreshold {
			continue
		}
		n := newNode(t.nextID, det, t.params.ModeProbInit, t.params.Transition)
		t.nextID++
		t.tracks[n.id] = n
	}

	// Retire stale tracks. A track can trip several rules in one frame;
	// it is removed once.
	for _, id := range t.sortedTrackIDs() {
		trk := t.tracks[id]
		switch {
		case trk.timeSinceUpdateS > t.maxAge(trk.label):
			delete(t.tracks, id)
		case trk.status == StatusTentative && trk.misses > 0:
			delete(t.tracks, id)
		case trk.scoreEMA < deleteScoreFloor:
			delete(t.tracks, id)
		}
	}

	t.lastStampS = timestampS
	t.hasLastStamp = true

	outputs := make([]Output, 0, len(t.tracks))
	for _, id := range t.sortedTrackIDs() {
		trk := t.tracks[id]
		if trk.status != StatusConfirmed && trk.status != StatusLost {
			continue
		}
		outputs = append(outputs, trk.output())
	}
	sort.Slice(outputs, func(a, b int) bool {
		if outputs[a].TrackID != outputs[b].TrackID {
			return outputs[a].TrackID < outputs[b].TrackID
		}
		return outputs[a].Label < outputs[b].Label
	})
	return outputs, nil
}

// TrackCount returns counts of live tracks by status.
func (t *Tracker) TrackCount() (total, tentative, confirmed, lost int) {
	for _, trk := range t.tracks {
		total++
		switch trk.status {
		case StatusTentative:
			tentative++
		case StatusConfirmed:
			confirmed++
		case StatusLost:
			lost++
		}
	}
	return
}
