// Package trackio reads frame-detection files and writes track files,
// both JSON. Ingest wraps yaw into (-pi, pi], rejects non-finite
// numeric fields and sorts frames by timestamp before replay.
package trackio

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/banshee-data/boxtrack/internal/geom"
	"github.com/banshee-data/boxtrack/internal/track"
)

// Frame is one timestamped set of detections.
type Frame struct {
	TimestampS float64
	Detections []track.Detection
}

// detectionRecord is the wire form of a single detection.
type detectionRecord struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Yaw   float64 `json:"yaw"`
	L     float64 `json:"l"`
	W     float64 `json:"w"`
	H     float64 `json:"h"`
	Score float64 `json:"score"`
	Label string  `json:"label"`
}

type frameRecord struct {
	TimestampS *float64          `json:"timestamp_s"`
	Detections []detectionRecord `json:"detections"`
}

type framesFile struct {
	Frames []frameRecord `json:"frames"`
}

// TrackRow is one emitted track at one frame, flattened for output.
type TrackRow struct {
	TrackID int64   `json:"track_id"`
	Label   string  `json:"label"`
	Score   float64 `json:"score"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Z       float64 `json:"z"`
	V       float64 `json:"v"`
	Yaw     float64 `json:"yaw"`
	YawRate float64 `json:"yaw_rate"`
	L       float64 `json:"l"`
	W       float64 `json:"w"`
	H       float64 `json:"h"`
	AgeS    float64 `json:"age_s"`
	Hits    int     `json:"hits"`
	Status  string  `json:"status"`

	TimestampS float64 `json:"timestamp_s"`
}

type tracksFile struct {
	Tracks []TrackRow `json:"tracks"`
}

// LoadFrames reads a frame-detections file. Frames are returned sorted
// by timestamp ascending; detection yaw is wrapped on ingest. Malformed
// records and non-finite numeric fields are rejected.
func LoadFrames(path string) ([]Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read detections file: %w", err)
	}

	var file framesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse detections JSON: %w", err)
	}

	frames := make([]Frame, 0, len(file.Frames))
	for fi, fr := range file.Frames {
		if fr.TimestampS == nil {
			return nil, fmt.Errorf("frame %d: missing timestamp_s", fi)
		}
		if !isFinite(*fr.TimestampS) {
			return nil, fmt.Errorf("frame %d: non-finite timestamp_s", fi)
		}

		dets := make([]track.Detection, 0, len(fr.Detections))
		for di, d := range fr.Detections {
			for name, v := range map[string]float64{
				"x": d.X, "y": d.Y, "z": d.Z, "yaw": d.Yaw,
				"l": d.L, "w": d.W, "h": d.H, "score": d.Score,
			} {
				if !isFinite(v) {
					return nil, fmt.Errorf("frame %d detection %d: non-finite field %q", fi, di, name)
				}
			}
			if d.Label == "" {
				return nil, fmt.Errorf("frame %d detection %d: missing label", fi, di)
			}
			dets = append(dets, track.Detection{
				X:     d.X,
				Y:     d.Y,
				Z:     d.Z,
				Yaw:   geom.WrapAngle(d.Yaw),
				L:     d.L,
				W:     d.W,
				H:     d.H,
				Score: d.Score,
				Label: d.Label,
			})
		}
		frames = append(frames, Frame{TimestampS: *fr.TimestampS, Detections: dets})
	}

	sort.SliceStable(frames, func(a, b int) bool {
		return frames[a].TimestampS < frames[b].TimestampS
	})
	return frames, nil
}

// FlattenOutputs converts per-frame tracker outputs into flat rows
// stamped with the frame timestamp.
func FlattenOutputs(timestampS float64, outputs []track.Output) []TrackRow {
	rows := make([]TrackRow, 0, len(outputs))
	for _, out := range outputs {
		s := out.State
		rows = append(rows, TrackRow{
			TrackID:    out.TrackID,
			Label:      out.Label,
			Score:      out.Score,
			X:          s[0],
			Y:          s[1],
			Z:          s[2],
			V:          s[3],
			Yaw:        s[4],
			YawRate:    s[5],
			L:          s[6],
			W:          s[7],
			H:          s[8],
			AgeS:       out.AgeS,
			Hits:       out.Hits,
			Status:     string(out.Status),
			TimestampS: timestampS,
		})
	}
	return rows
}

// SaveTracks writes the accumulated rows as a tracks file.
func SaveTracks(path string, rows []TrackRow) error {
	if rows == nil {
		rows = []TrackRow{}
	}
	data, err := json.MarshalIndent(tracksFile{Tracks: rows}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tracks JSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write tracks file: %w", err)
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
