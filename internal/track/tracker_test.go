package track

import (
	"math"
	"reflect"
	"testing"
)

func testParams() Params {
	return Params{
		DtFallbackS:           0.1,
		ExistenceDecay:        0.9,
		ConfirmScoreThreshold: 0.4,
		InitScoreThreshold:    0.3,
		MinHits:               map[string]int{"default": 3},
		MaxAgeS:               map[string]float64{"default": 0.5},

		MahaGateThreshold:      50,
		SecondStageCenterGateM: 3,
		CostWeightMaha:         0.5,
		CostWeightIoU:          0.3,
		CostWeightYaw:          0.2,

		ProcessCVDiag:   [9]float64{0.5, 0.5, 0.3, 1.0, 0.1, 0.1, 0.1, 0.1, 0.1},
		ProcessCTRVDiag: [9]float64{0.5, 0.5, 0.3, 1.0, 0.15, 0.2, 0.1, 0.1, 0.1},
		MeasByClass: map[string][7]float64{
			"default": {0.6, 0.6, 0.4, 0.3, 0.3, 0.3, 0.3},
		},

		Transition:   [2][2]float64{{0.95, 0.05}, {0.05, 0.95}},
		ModeProbInit: [2]float64{0.6, 0.4},
	}
}

func carDet(x, y float64, score float64) Detection {
	return Detection{X: x, Y: y, Z: 0, Yaw: 0, L: 4, W: 2, H: 1.5, Score: score, Label: "car"}
}

// steadyCar advances a fresh tracker through three frames of the same
// stationary car detection, the standard confirmation ramp.
func steadyCar(t *testing.T, tr *Tracker) []Output {
	t.Helper()
	var outs []Output
	var err error
	for _, ts := range []float64{0, 0.1, 0.2} {
		outs, err = tr.Step(ts, []Detection{carDet(10, 0, 0.9)})
		if err != nil {
			t.Fatalf("step at t=%v: %v", ts, err)
		}
	}
	return outs
}

func TestSingleObjectConfirmation(t *testing.T) {
	tr := NewTracker(testParams())
	outs := steadyCar(t, tr)

	if len(outs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outs))
	}
	o := outs[0]
	if o.TrackID != 1 {
		t.Errorf("track id = %d, want 1", o.TrackID)
	}
	if o.Status != StatusConfirmed {
		t.Errorf("status = %q, want confirmed", o.Status)
	}
	if o.Hits != 3 {
		t.Errorf("hits = %d, want 3", o.Hits)
	}
	if math.Hypot(o.State[0]-10, o.State[1]) > 0.2 {
		t.Errorf("position (%v, %v) not within 0.2 m of (10, 0)", o.State[0], o.State[1])
	}
	if o.State[2] > 0.2 {
		t.Errorf("z = %v, want near 0", o.State[2])
	}
}

func TestLostToConfirmedRecovery(t *testing.T) {
	tr := NewTracker(testParams())
	steadyCar(t, tr)

	outs, err := tr.Step(0.4, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(outs) != 1 || outs[0].Status != StatusLost {
		t.Fatalf("after empty frame: %+v, want one lost track", outs)
	}

	outs, err = tr.Step(0.5, []Detection{carDet(10.04, 0, 0.9)})
	if err != nil {
		t.Fatal(err)
	}
	if len(outs) != 1 {
		t.Fatalf("expected 1 output after recovery, got %d", len(outs))
	}
	o := outs[0]
	if o.TrackID != 1 {
		t.Errorf("id changed across occlusion: %d", o.TrackID)
	}
	if o.Status != StatusConfirmed {
		t.Errorf("status = %q, want confirmed", o.Status)
	}
	if o.Hits != 4 {
		t.Errorf("hits = %d, want 4", o.Hits)
	}
}

func TestMaxAgeDeletion(t *testing.T) {
	tr := NewTracker(testParams())
	steadyCar(t, tr) // last update at t=0.2

	// time_since_update grows 0.1 s per empty frame; the 0.5 s max age
	// is exceeded at the t=0.8 frame (0.6 s since update).
	for _, ts := range []float64{0.3, 0.4, 0.5, 0.6, 0.7} {
		outs, err := tr.Step(ts, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(outs) != 1 || outs[0].Status != StatusLost {
			t.Fatalf("t=%v: %+v, want coasting lost track", ts, outs)
		}
	}
	for _, ts := range []float64{0.8, 0.9} {
		outs, err := tr.Step(ts, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(outs) != 0 {
			t.Fatalf("t=%v: track still emitted after max age: %+v", ts, outs)
		}
	}
	if total, _, _, _ := tr.TrackCount(); total != 0 {
		t.Errorf("track table not empty after retirement: %d", total)
	}
}

func TestTentativeCulling(t *testing.T) {
	tr := NewTracker(testParams())

	outs, err := tr.Step(0, []Detection{carDet(5, 5, 0.35)})
	if err != nil {
		t.Fatal(err)
	}
	if len(outs) != 0 {
		t.Fatalf("tentative track emitted: %+v", outs)
	}

	outs, err = tr.Step(0.1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(outs) != 0 {
		t.Fatalf("culled tentative emitted: %+v", outs)
	}
	if total, _, _, _ := tr.TrackCount(); total != 0 {
		t.Errorf("tentative survived its first miss: %d live tracks", total)
	}
}

func TestBelowInitScoreNeverSpawns(t *testing.T) {
	tr := NewTracker(testParams())
	for i := 0; i < 5; i++ {
		if _, err := tr.Step(float64(i)*0.1, []Detection{carDet(5, 5, 0.2)}); err != nil {
			t.Fatal(err)
		}
		if total, _, _, _ := tr.TrackCount(); total != 0 {
			t.Fatalf("low-score detection spawned a track")
		}
	}
}

func TestCrossingLabelsPreserveIdentity(t *testing.T) {
	tr := NewTracker(testParams())

	seen := map[string]map[int64]bool{}
	for k := 0; k < 8; k++ {
		ts := float64(k) * 0.1
		car := carDet(float64(k), 0, 0.9)
		truck := Detection{
			X: 10 - float64(k), Y: 0.2, Z: 0, Yaw: math.Pi,
			L: 6, W: 2.5, H: 2.5, Score: 0.9, Label: "truck",
		}
		outs, err := tr.Step(ts, []Detection{car, truck})
		if err != nil {
			t.Fatal(err)
		}
		for _, o := range outs {
			if seen[o.Label] == nil {
				seen[o.Label] = map[int64]bool{}
			}
			seen[o.Label][o.TrackID] = true
		}
	}

	if len(seen["car"]) != 1 || len(seen["truck"]) != 1 {
		t.Errorf("identities not preserved across crossing: %v", seen)
	}
	for id := range seen["car"] {
		if seen["truck"][id] {
			t.Errorf("car and truck shared id %d", id)
		}
	}
}

func TestSecondStageRescue(t *testing.T) {
	// A tight Mahalanobis gate rejects a 2.9 m jump in stage 1; the
	// centre gate (3 m) pairs them in stage 2 without an id change.
	p := testParams()
	p.MahaGateThreshold = 5
	tr := NewTracker(p)
	steadyCar(t, tr)

	outs, err := tr.Step(0.3, []Detection{carDet(10, 2.9, 0.9)})
	if err != nil {
		t.Fatal(err)
	}
	if len(outs) != 1 || outs[0].TrackID != 1 || outs[0].Status != StatusConfirmed {
		t.Fatalf("rescue failed: %+v", outs)
	}
	if total, _, _, _ := tr.TrackCount(); total != 1 {
		t.Errorf("rescued frame spawned a duplicate track")
	}
}

func TestSecondStageGateRespected(t *testing.T) {
	// Same jump with the centre gate below the offset: the track
	// coasts lost and the detection spawns a new tentative.
	p := testParams()
	p.MahaGateThreshold = 5
	p.SecondStageCenterGateM = 2
	tr := NewTracker(p)
	steadyCar(t, tr)

	outs, err := tr.Step(0.3, []Detection{carDet(10, 2.9, 0.9)})
	if err != nil {
		t.Fatal(err)
	}
	if len(outs) != 1 || outs[0].TrackID != 1 || outs[0].Status != StatusLost {
		t.Fatalf("expected track 1 lost, got %+v", outs)
	}
	total, tentative, _, _ := tr.TrackCount()
	if total != 2 || tentative != 1 {
		t.Errorf("expected a new tentative spawn: total=%d tentative=%d", total, tentative)
	}
}

func TestLabelGateBlocksAssociation(t *testing.T) {
	tr := NewTracker(testParams())
	steadyCar(t, tr)

	// Same position, different label: must not match track 1.
	det := carDet(10, 0, 0.9)
	det.Label = "pedestrian"
	outs, err := tr.Step(0.3, []Detection{det})
	if err != nil {
		t.Fatal(err)
	}
	if len(outs) != 1 || outs[0].Status != StatusLost {
		t.Fatalf("cross-label detection updated the track: %+v", outs)
	}
}

func TestNoTentativeEmitted(t *testing.T) {
	tr := NewTracker(testParams())
	for k := 0; k < 6; k++ {
		dets := []Detection{
			carDet(float64(10+k), 0, 0.9),
			carDet(float64(-10-k), 5, 0.5), // lower-score second track
		}
		outs, err := tr.Step(float64(k)*0.1, dets)
		if err != nil {
			t.Fatal(err)
		}
		for _, o := range outs {
			if o.Status != StatusConfirmed && o.Status != StatusLost {
				t.Fatalf("emitted %q track at frame %d", o.Status, k)
			}
		}
	}
}

func TestTrackIDsMonotonicUnique(t *testing.T) {
	tr := NewTracker(testParams())

	var ids []int64
	record := func(outs []Output) {
		for _, o := range outs {
			ids = append(ids, o.TrackID)
		}
	}

	// Confirm a track, let it die, then confirm a new one at the same
	// spot: the id must not be reused.
	record(steadyCar(t, tr))
	for _, ts := range []float64{0.3, 0.4, 0.5, 0.6, 0.7, 0.8} {
		outs, err := tr.Step(ts, nil)
		if err != nil {
			t.Fatal(err)
		}
		record(outs)
	}
	for _, ts := range []float64{0.9, 1.0, 1.1} {
		outs, err := tr.Step(ts, []Detection{carDet(10, 0, 0.9)})
		if err != nil {
			t.Fatal(err)
		}
		record(outs)
	}

	seen := map[int64]bool{}
	last := int64(0)
	for _, id := range ids {
		if id < last {
			t.Fatalf("ids not non-decreasing in emission order: %v", ids)
		}
		last = id
		seen[id] = true
	}
	if !seen[1] || !seen[2] {
		t.Errorf("expected ids 1 and 2 across the two lifetimes, saw %v", ids)
	}
}

func TestDeterministicReplay(t *testing.T) {
	replay := func() [][]Output {
		tr := NewTracker(testParams())
		var all [][]Output
		for k := 0; k < 15; k++ {
			ts := float64(k) * 0.1
			dets := []Detection{
				carDet(float64(k)*1.0, 0, 0.9),
				{X: 20 - 0.5*float64(k), Y: 5, Z: 0, Yaw: 1.2, L: 4, W: 2, H: 1.5, Score: 0.8, Label: "car"},
				{X: 3, Y: 3, Z: 0, Yaw: 0.5, L: 0.8, W: 0.8, H: 1.8, Score: 0.7, Label: "pedestrian"},
			}
			outs, err := tr.Step(ts, dets)
			if err != nil {
				t.Fatal(err)
			}
			all = append(all, outs)
		}
		return all
	}

	a := replay()
	b := replay()
	if !reflect.DeepEqual(a, b) {
		t.Error("identical inputs produced different outputs")
	}
}

func TestOutputsSortedByIDThenLabel(t *testing.T) {
	tr := NewTracker(testParams())
	for k := 0; k < 5; k++ {
		dets := []Detection{
			{X: 30, Y: -4, Z: 0, Yaw: 0, L: 0.8, W: 0.8, H: 1.8, Score: 0.9, Label: "pedestrian"},
			carDet(0, 0, 0.9),
			carDet(15, 8, 0.9),
		}
		outs, err := tr.Step(float64(k)*0.1, dets)
		if err != nil {
			t.Fatal(err)
		}
		for i := 1; i < len(outs); i++ {
			prev, cur := outs[i-1], outs[i]
			if prev.TrackID > cur.TrackID ||
				(prev.TrackID == cur.TrackID && prev.Label > cur.Label) {
				t.Fatalf("outputs out of order at %d: %+v", i, outs)
			}
		}
	}
}

func TestDtFloorOnRepeatedTimestamp(t *testing.T) {
	tr := NewTracker(testParams())
	steadyCar(t, tr)

	// A repeated (and a regressing) timestamp floors dt at 1 ms rather
	// than stalling or reversing the filter.
	for _, ts := range []float64{0.2, 0.15} {
		outs, err := tr.Step(ts, []Detection{carDet(10, 0, 0.9)})
		if err != nil {
			t.Fatalf("step at t=%v: %v", ts, err)
		}
		if len(outs) != 1 || outs[0].TrackID != 1 {
			t.Fatalf("t=%v: %+v", ts, outs)
		}
	}
}

func TestScoreDecayRetiresSilentTrack(t *testing.T) {
	// With a long max age the existence score floor becomes the
	// effective retirement rule.
	p := testParams()
	p.MaxAgeS = map[string]float64{"default": 1e9}
	tr := NewTracker(p)
	steadyCar(t, tr)

	alive := true
	for k := 3; k < 60 && alive; k++ {
		if _, err := tr.Step(float64(k)*0.1, nil); err != nil {
			t.Fatal(err)
		}
		total, _, _, _ := tr.TrackCount()
		alive = total > 0
	}
	if alive {
		t.Error("track with decayed score never retired")
	}
}

func TestMeasCovFallsBackToDefault(t *testing.T) {
	tr := NewTracker(testParams())
	r := tr.measCov("bicycle")
	if r == nil {
		t.Fatal("nil measurement covariance for unknown label")
	}
	def := testParams().MeasByClass["default"]
	for i := 0; i < 7; i++ {
		if got := r.At(i, i); math.Abs(got-def[i]*def[i]) > 1e-12 {
			t.Errorf("R[%d][%d] = %v, want %v", i, i, got, def[i]*def[i])
		}
	}
}
