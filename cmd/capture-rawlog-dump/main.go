package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"evolve-car-go/internal/config"
	"evolve-car-go/internal/output"
	"evolve-car-go/internal/processing"
)

type summary struct {
	Index     int     `json:"index"`
	Recorded  string  `json:"recorded"`
	Tag       string  `json:"tag"`
	Sensor    uint32  `json:"sensor"`
	Frame     uint64  `json:"frame"`
	Timestamp float64 `json:"timestamp"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Layout    string  `json:"layout"`
	Bytes     int     `json:"bytes"`
}

func main() {
	var (
		path    = pflag.String("path", "", "Path to raw frame log .bin file")
		limit   = pflag.Int("limit", 1, "Number of records to dump (0 for all)")
		extract = pflag.String("extract", "", "Write every record as PNG into DIR/<tag>/frame_%05d.png")
		level   = pflag.String("png-compression", "default", "PNG compression level for --extract")
	)
	pflag.Parse()
	config.SetupLogging(os.Stderr, "info", "text")

	if *path == "" {
		log.Fatal().Msg("--path is required")
	}
	if err := dump(*path, *limit, *extract, *level, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("dump failed")
	}
}

func dump(path string, limit int, extractDir, level string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open raw log: %w", err)
	}
	defer f.Close()

	reader, err := output.NewRawLogReader(f)
	if err != nil {
		return err
	}

	var writer *output.PNGWriter
	if extractDir != "" {
		if writer, err = output.NewPNGWriter(level); err != nil {
			return err
		}
		// Extraction replays every record.
		limit = 0
	}

	seqs := map[string]uint64{}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	for count := 0; limit <= 0 || count < limit; count++ {
		rec, ts, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", count, err)
		}

		if writer == nil {
			if err := enc.Encode(summary{
				Index:     count,
				Recorded:  ts.Format(time.RFC3339Nano),
				Tag:       rec.Tag,
				Sensor:    uint32(rec.Frame.Sensor),
				Frame:     rec.Frame.FrameID,
				Timestamp: rec.Frame.Timestamp,
				Width:     rec.Frame.Width,
				Height:    rec.Frame.Height,
				Layout:    rec.Frame.Layout,
				Bytes:     len(rec.Frame.Raw),
			}); err != nil {
				return err
			}
			continue
		}

		dir := filepath.Join(extractDir, rec.Tag)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		seq := seqs[rec.Tag]
		seqs[rec.Tag]++
		img, err := processing.ProcessFrame(rec.Frame)
		if err != nil {
			log.Warn().Err(err).Int("record", count).Str("tag", rec.Tag).Msg("record skipped")
			continue
		}
		if err := writer.Write(output.FramePath(dir, seq), img); err != nil {
			return err
		}
	}
	return nil
}
