// Package report renders a post-run HTML summary of a tracking run
// using go-echarts: per-frame emitted track counts and mean absolute
// speed.
package report

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/boxtrack/internal/trackio"
)

// frameStats aggregates the emitted rows of a single frame.
type frameStats struct {
	confirmed int
	lost      int
	speedSum  float64
	speedN    int
}

// Render writes the HTML report for the given rows to w.
func Render(w io.Writer, rows []trackio.TrackRow) error {
	byFrame := make(map[float64]*frameStats)
	for _, r := range rows {
		fs := byFrame[r.TimestampS]
		if fs == nil {
			fs = &frameStats{}
			byFrame[r.TimestampS] = fs
		}
		switch r.Status {
		case "confirmed":
			fs.confirmed++
		case "lost":
			fs.lost++
		}
		fs.speedSum += math.Abs(r.V)
		fs.speedN++
	}

	stamps := make([]float64, 0, len(byFrame))
	for ts := range byFrame {
		stamps = append(stamps, ts)
	}
	sort.Float64s(stamps)

	axis := make([]string, len(stamps))
	confirmed := make([]opts.LineData, len(stamps))
	lost := make([]opts.LineData, len(stamps))
	meanSpeed := make([]opts.LineData, len(stamps))
	for i, ts := range stamps {
		fs := byFrame[ts]
		axis[i] = fmt.Sprintf("%.2f", ts)
		confirmed[i] = opts.LineData{Value: fs.confirmed}
		lost[i] = opts.LineData{Value: fs.lost}
		speed := 0.0
		if fs.speedN > 0 {
			speed = fs.speedSum / float64(fs.speedN)
		}
		meanSpeed[i] = opts.LineData{Value: speed}
	}

	counts := charts.NewLine()
	counts.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Emitted tracks per frame"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "tracks"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	counts.SetXAxis(axis).
		AddSeries("confirmed", confirmed).
		AddSeries("lost", lost)

	speeds := charts.NewLine()
	speeds.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Mean |v| per frame"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "m/s"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	speeds.SetXAxis(axis).AddSeries("mean speed", meanSpeed)

	page := components.NewPage()
	page.PageTitle = "boxtrack run report"
	page.AddCharts(counts, speeds)
	return page.Render(w)
}

// WriteFile renders the report to path.
func WriteFile(path string, rows []trackio.TrackRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	defer f.Close()
	if err := Render(f, rows); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}
