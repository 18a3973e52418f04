// Package config loads and validates tracker configuration from JSON.
//
// The file is parsed into a pointer-field document so missing keys are
// distinguishable from zero values, validated, and resolved into the
// concrete track.Params consumed by the tracker.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/banshee-data/boxtrack/internal/imm"
	"github.com/banshee-data/boxtrack/internal/track"
)

// DefaultConfigPath is the canonical defaults file shipped with the
// repository.
const DefaultConfigPath = "config/tracker.defaults.json"

// Document mirrors the JSON configuration file. All fields are required
// unless noted; Resolve reports the first missing or malformed one.
type Document struct {
	Tracker     *TrackerSection     `json:"tracker"`
	Association *AssociationSection `json:"association"`
	Noise       *NoiseSection       `json:"noise"`
	IMM         *IMMSection         `json:"imm"`
}

// TrackerSection configures lifecycle thresholds and timing.
type TrackerSection struct {
	DtFallbackS           *float64           `json:"dt_fallback_s"`
	ExistenceDecay        *float64           `json:"existence_decay"`
	ConfirmScoreThreshold *float64           `json:"confirm_score_threshold"`
	InitScoreThreshold    *float64           `json:"init_score_threshold"`
	MinHits               map[string]int     `json:"min_hits"`
	MaxAgeS               map[string]float64 `json:"max_age_s"`
}

// AssociationSection configures gating and cost blending.
type AssociationSection struct {
	MahaGateThreshold      *float64     `json:"maha_gate_threshold"`
	SecondStageCenterGateM *float64     `json:"second_stage_center_gate_m"`
	CostWeights            *CostWeights `json:"cost_weights"`
}

// CostWeights are the association cost-term weights.
type CostWeights struct {
	Maha *float64 `json:"maha"`
	IoU  *float64 `json:"iou"`
	Yaw  *float64 `json:"yaw"`
}

// NoiseSection configures process and measurement noise as standard
// deviation vectors; the tracker squares them onto matrix diagonals.
type NoiseSection struct {
	ProcessCVDiag   []float64            `json:"process_cv_diag"`
	ProcessCTRVDiag []float64            `json:"process_ctrv_diag"`
	MeasByClass     map[string][]float64 `json:"meas_by_class"`
}

// IMMSection configures the mode-transition matrix and prior.
type IMMSection struct {
	Transition   [][]float64 `json:"transition"`
	ModeProbInit []float64   `json:"mode_prob_init"`
}

// Load reads, parses and validates a configuration file, returning the
// resolved tracker parameters.
func Load(path string) (track.Params, error) {
	var zero track.Params

	cleanPath := filepath.Clean(path)
	info, err := os.Stat(cleanPath)
	if err != nil {
		return zero, fmt.Errorf("stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return zero, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return zero, fmt.Errorf("read config file: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return zero, fmt.Errorf("parse config JSON: %w", err)
	}

	params, err := doc.Resolve()
	if err != nil {
		return zero, fmt.Errorf("invalid configuration: %w", err)
	}
	return params, nil
}

// Resolve validates the document and produces concrete parameters.
func (d *Document) Resolve() (track.Params, error) {
	var p track.Params

	if d.Tracker == nil {
		return p, fmt.Errorf("missing section: tracker")
	}
	if d.Association == nil {
		return p, fmt.Errorf("missing section: association")
	}
	if d.Noise == nil {
		return p, fmt.Errorf("missing section: noise")
	}
	if d.IMM == nil {
		return p, fmt.Errorf("missing section: imm")
	}

	tr := d.Tracker
	if tr.DtFallbackS == nil {
		return p, fmt.Errorf("missing key: tracker.dt_fallback_s")
	}
	if tr.ExistenceDecay == nil {
		return p, fmt.Errorf("missing key: tracker.existence_decay")
	}
	if tr.ConfirmScoreThreshold == nil {
		return p, fmt.Errorf("missing key: tracker.confirm_score_threshold")
	}
	if tr.InitScoreThreshold == nil {
		return p, fmt.Errorf("missing key: tracker.init_score_threshold")
	}
	if *tr.DtFallbackS <= 0 {
		return p, fmt.Errorf("tracker.dt_fallback_s must be positive, got %v", *tr.DtFallbackS)
	}
	if len(tr.MinHits) == 0 {
		return p, fmt.Errorf("missing key: tracker.min_hits")
	}
	if _, ok := tr.MinHits["default"]; !ok {
		return p, fmt.Errorf(`tracker.min_hits must include a "default" entry`)
	}
	if len(tr.MaxAgeS) == 0 {
		return p, fmt.Errorf("missing key: tracker.max_age_s")
	}
	if _, ok := tr.MaxAgeS["default"]; !ok {
		return p, fmt.Errorf(`tracker.max_age_s must include a "default" entry`)
	}

	as := d.Association
	if as.MahaGateThreshold == nil {
		return p, fmt.Errorf("missing key: association.maha_gate_threshold")
	}
	if *as.MahaGateThreshold <= 0 {
		return p, fmt.Errorf("association.maha_gate_threshold must be positive, got %v", *as.MahaGateThreshold)
	}
	if as.SecondStageCenterGateM == nil {
		return p, fmt.Errorf("missing key: association.second_stage_center_gate_m")
	}
	if *as.SecondStageCenterGateM <= 0 {
		return p, fmt.Errorf("association.second_stage_center_gate_m must be positive, got %v", *as.SecondStageCenterGateM)
	}
	if as.CostWeights == nil || as.CostWeights.Maha == nil || as.CostWeights.IoU == nil || as.CostWeights.Yaw == nil {
		return p, fmt.Errorf("association.cost_weights requires maha, iou and yaw")
	}

	no := d.Noise
	if len(no.ProcessCVDiag) != imm.StateDim {
		return p, fmt.Errorf("noise.process_cv_diag must have %d entries, got %d", imm.StateDim, len(no.ProcessCVDiag))
	}
	if len(no.ProcessCTRVDiag) != imm.StateDim {
		return p, fmt.Errorf("noise.process_ctrv_diag must have %d entries, got %d", imm.StateDim, len(no.ProcessCTRVDiag))
	}
	if len(no.MeasByClass) == 0 {
		return p, fmt.Errorf("missing key: noise.meas_by_class")
	}
	if _, ok := no.MeasByClass["default"]; !ok {
		return p, fmt.Errorf(`noise.meas_by_class must include a "default" entry`)
	}
	for label, std := range no.MeasByClass {
		if len(std) != imm.MeasDim {
			return p, fmt.Errorf("noise.meas_by_class[%q] must have %d entries, got %d", label, imm.MeasDim, len(std))
		}
	}

	im := d.IMM
	if len(im.Transition) != imm.NumModels {
		return p, fmt.Errorf("imm.transition must be %dx%d", imm.NumModels, imm.NumModels)
	}
	for i, row := range im.Transition {
		if len(row) != imm.NumModels {
			return p, fmt.Errorf("imm.transition must be %dx%d", imm.NumModels, imm.NumModels)
		}
		sum := 0.0
		for _, v := range row {
			if v < 0 {
				return p, fmt.Errorf("imm.transition[%d] has a negative entry", i)
			}
			sum += v
		}
		if math.Abs(sum-1) > 1e-6 {
			return p, fmt.Errorf("imm.transition row %d must sum to 1, got %v", i, sum)
		}
	}
	if len(im.ModeProbInit) != imm.NumModels {
		return p, fmt.Errorf("imm.mode_prob_init must have %d entries, got %d", imm.NumModels, len(im.ModeProbInit))
	}
	probSum := 0.0
	for _, v := range im.ModeProbInit {
		if v < 0 {
			return p, fmt.Errorf("imm.mode_prob_init entries must be non-negative")
		}
		probSum += v
	}
	if probSum <= 0 {
		return p, fmt.Errorf("imm.mode_prob_init must have positive mass")
	}

	p.DtFallbackS = *tr.DtFallbackS
	p.ExistenceDecay = *tr.ExistenceDecay
	p.ConfirmScoreThreshold = *tr.ConfirmScoreThreshold
	p.InitScoreThreshold = *tr.InitScoreThreshold
	p.MinHits = tr.MinHits
	p.MaxAgeS = tr.MaxAgeS

	p.MahaGateThreshold = *as.MahaGateThreshold
	p.SecondStageCenterGateM = *as.SecondStageCenterGateM
	p.CostWeightMaha = *as.CostWeights.Maha
	p.CostWeightIoU = *as.CostWeights.IoU
	p.CostWeightYaw = *as.CostWeights.Yaw

	copy(p.ProcessCVDiag[:], no.ProcessCVDiag)
	copy(p.ProcessCTRVDiag[:], no.ProcessCTRVDiag)
	p.MeasByClass = make(map[string][imm.MeasDim]float64, len(no.MeasByClass))
	for label, std := range no.MeasByClass {
		var v [imm.MeasDim]float64
		copy(v[:], std)
		p.MeasByClass[label] = v
	}

	for i := 0; i < imm.NumModels; i++ {
		for j := 0; j < imm.NumModels; j++ {
			p.Transition[i][j] = im.Transition[i][j]
		}
		p.ModeProbInit[i] = im.ModeProbInit[i] / probSum
	}

	return p, nil
}
