// Package monitor renders bird's-eye-view trail plots of emitted
// tracks for quick visual inspection of a run.
package monitor

import (
	"fmt"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/boxtrack/internal/trackio"
)

// PlotTrails writes a PNG of all track trails in the xy plane, one
// polyline per track id, to path.
func PlotTrails(path string, rows []trackio.TrackRow) error {
	byTrack := make(map[int64][]trackio.TrackRow)
	for _, r := range rows {
		byTrack[r.TrackID] = append(byTrack[r.TrackID], r)
	}

	ids := make([]int64, 0, len(byTrack))
	for id := range byTrack {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	p := plot.New()
	p.Title.Text = "Track trails (BEV)"
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"
	p.Add(plotter.NewGrid())

	for _, id := range ids {
		trail := byTrack[id]
		sort.SliceStable(trail, func(a, b int) bool {
			return trail[a].TimestampS < trail[b].TimestampS
		})

		pts := make(plotter.XYs, len(trail))
		for i, r := range trail {
			pts[i].X = r.X
			pts[i].Y = r.Y
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("trail for track %d: %w", id, err)
		}
		line.Color = plotutil.Color(int(id))
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("%d (%s)", id, trail[0].Label), line)
	}

	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("save trail plot: %w", err)
	}
	return nil
}
