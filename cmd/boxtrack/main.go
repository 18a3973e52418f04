// Command boxtrack replays a frame-detections file through the online
// 3D multi-object tracker and writes the emitted tracks.
//
// Usage:
//
//	boxtrack --config config/tracker.defaults.json \
//	         --detections detections.json \
//	         --output tracks.json \
//	         [--db run.sqlite] [--report report.html] [--plot trails.png]
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/banshee-data/boxtrack/internal/config"
	"github.com/banshee-data/boxtrack/internal/monitor"
	"github.com/banshee-data/boxtrack/internal/report"
	"github.com/banshee-data/boxtrack/internal/storage"
	"github.com/banshee-data/boxtrack/internal/track"
	"github.com/banshee-data/boxtrack/internal/trackio"
)

var (
	configPath     = flag.String("config", "", "Tracker configuration JSON path (required)")
	detectionsPath = flag.String("detections", "", "Input frame-detections JSON path (required)")
	outputPath     = flag.String("output", "", "Output tracks JSON path (required)")
	dbPath         = flag.String("db", "", "Optional sqlite archive path for this run")
	reportPath     = flag.String("report", "", "Optional HTML run report path")
	plotPath       = flag.String("plot", "", "Optional BEV trail plot PNG path")
)

func main() {
	flag.Parse()
	if *configPath == "" || *detectionsPath == "" || *outputPath == "" {
		flag.Usage()
		log.Fatal("--config, --detections and --output are required")
	}

	if err := run(); err != nil {
		log.Fatalf("boxtrack: %v", err)
	}
}

func run() error {
	params, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	frames, err := trackio.LoadFrames(*detectionsPath)
	if err != nil {
		return err
	}

	var archive *storage.Archive
	if *dbPath != "" {
		archive, err = storage.Open(*dbPath, *configPath, *detectionsPath)
		if err != nil {
			return err
		}
		log.Printf("archiving run %s to %s", archive.RunID(), *dbPath)
	}

	tracker := track.NewTracker(params)
	var rows []trackio.TrackRow
	for _, frame := range frames {
		outputs, err := tracker.Step(frame.TimestampS, frame.Detections)
		if err != nil {
			return fmt.Errorf("step at t=%.3fs: %w", frame.TimestampS, err)
		}
		frameRows := trackio.FlattenOutputs(frame.TimestampS, outputs)
		rows = append(rows, frameRows...)

		if archive != nil {
			if err := archive.RecordFrame(frameRows); err != nil {
				return err
			}
		}
	}

	if err := trackio.SaveTracks(*outputPath, rows); err != nil {
		return err
	}
	log.Printf("processed %d frames, wrote %d track rows to %s", len(frames), len(rows), *outputPath)

	if archive != nil {
		if err := archive.Close(); err != nil {
			return err
		}
	}
	if *reportPath != "" {
		if err := report.WriteFile(*reportPath, rows); err != nil {
			return err
		}
		log.Printf("wrote run report to %s", *reportPath)
	}
	if *plotPath != "" {
		if err := monitor.PlotTrails(*plotPath, rows); err != nil {
			return err
		}
		log.Printf("wrote trail plot to %s", *plotPath)
	}
	return nil
}
