package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"evolve-car-go/internal/bridge"
	"evolve-car-go/internal/capture"
	"evolve-car-go/internal/config"
	"evolve-car-go/internal/db"
	"evolve-car-go/internal/output"
	"evolve-car-go/internal/server"
	"evolve-car-go/internal/simulator"
	"evolve-car-go/internal/types"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("capture failed")
	}
}

func run() error {
	cfg := config.Default()
	fs := pflag.NewFlagSet("evolve-capture", pflag.ExitOnError)
	config.RegisterFlags(fs, &cfg)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		return err
	}
	config.SetupLogging(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	var (
		sim         capture.Simulator
		streamStats func() map[string]any
	)
	if cfg.Debug {
		world := simulator.New(simulator.Config{
			SpawnPoints: cfg.DebugSpawnPoints,
			Seed:        seed,
			TickRate:    cfg.DebugTickRate,
			QueueSize:   cfg.QueueSize,
		})
		go world.Run(ctx)
		sim = world
		streamStats = func() map[string]any {
			return map[string]any{"frames_dropped_total": world.Dropped()}
		}
		log.Info().Float64("tick_rate", cfg.DebugTickRate).Msg("using in-process simulated world")
	} else {
		client := bridge.NewClient(bridge.ClientOptions{QueueSize: cfg.QueueSize, LogEvery: cfg.StreamLogEvery})
		sim = client
		streamStats = client.Stats
	}
	defer sim.Close()

	writer, err := output.NewPNGWriter(cfg.PNGCompression)
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	opts := capture.Options{
		Host:             cfg.Host,
		Port:             cfg.Port,
		Timeout:          cfg.Timeout,
		OutputDir:        cfg.OutputDir,
		VehicleBlueprint: cfg.VehicleBlueprint,
		Camera:           cfg.Camera,
		Rig:              cfg.Rig,
		IdleInterval:     cfg.IdleInterval,
		TeardownTimeout:  cfg.TeardownTimeout,
		SessionID:        sessionID,
		Rand:             rand.New(rand.NewSource(seed)),
		Writer:           writer,
	}

	if cfg.RawLogEnabled {
		rawLog, err := output.NewRawLogWriter(cfg.RawLogDir, "frames")
		if err != nil {
			return fmt.Errorf("start raw log: %w", err)
		}
		defer func() {
			if err := rawLog.Close(); err != nil {
				log.Warn().Err(err).Msg("raw log close failed")
			}
		}()
		opts.Recorder = rawLog
		log.Info().Str("path", rawLog.Path()).Msg("recording raw frames")
	}

	var index *db.DB
	if cfg.IndexPath != "" {
		index, err = db.NewDB(cfg.IndexPath)
		if err != nil {
			return fmt.Errorf("open frame index: %w", err)
		}
		defer index.Close()
		if err := index.RecordSession(db.Session{ID: sessionID, StartedAt: time.Now(), Host: cfg.Host, Port: cfg.Port}); err != nil {
			return err
		}
	}

	var feed *server.Feed
	if cfg.StatusPort > 0 {
		feed = server.NewFeed(64)
	}

	indexErrors := rate.Sometimes{First: 1, Interval: 10 * time.Second}
	opts.OnWritten = func(r types.FrameRecord) {
		if index != nil {
			if err := index.RecordFrame(r); err != nil {
				indexErrors.Do(func() {
					log.Warn().Err(err).Str("tag", r.Tag).Msg("frame index insert failed")
				})
			}
		}
		if feed != nil {
			feed.Publish(r)
		}
	}

	session, err := capture.NewSession(sim, opts)
	if err != nil {
		return err
	}

	if feed != nil {
		status := server.Options{
			Port: cfg.StatusPort,
			ConfigFn: func() map[string]any {
				return map[string]any{
					"host":       cfg.Host,
					"port":       cfg.Port,
					"output_dir": cfg.OutputDir,
					"width":      cfg.Camera.Width,
					"height":     cfg.Camera.Height,
					"fov":        cfg.Camera.FOV,
					"tags":       cfg.Tags(),
				}
			},
			StatusFn: func() map[string]any {
				return map[string]any{
					"session_id": session.ID(),
					"state":      session.State().String(),
					"counters":   session.Counters(),
					"tallies":    session.Tallies(),
					"metrics":    session.Snapshot(),
					"stream":     streamStats(),
				}
			},
			SnapshotFn: feed.Snapshot,
		}
		go func() {
			if err := server.Run(ctx, status, feed.Messages()); err != nil {
				log.Error().Err(err).Msg("status server stopped")
			}
		}()
	}

	go logStats(ctx, session)

	log.Info().
		Str("session", sessionID).
		Str("addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)).
		Str("output_dir", cfg.OutputDir).
		Strs("tags", cfg.Tags()).
		Msg("starting capture session")

	runErr := session.Execute(ctx)

	if index != nil {
		if agent, placement, ok := session.Agent(); ok {
			if err := index.RecordSession(db.Session{ID: sessionID, Host: cfg.Host, Port: cfg.Port, AgentID: agent, Placement: placement}); err != nil {
				log.Warn().Err(err).Msg("frame index session update failed")
			}
		}
		if err := index.EndSession(sessionID, time.Now()); err != nil {
			log.Warn().Err(err).Msg("frame index session close failed")
		}
	}

	counters := session.Counters()
	event := log.Info()
	for _, tag := range cfg.Tags() {
		event = event.Uint64(tag, counters[tag])
	}
	event.Msg("capture finished")

	var connErr *capture.ConnectionError
	if errors.As(runErr, &connErr) {
		return fmt.Errorf("%w (is the simulator running?)", runErr)
	}
	return runErr
}

func logStats(ctx context.Context, session *capture.Session) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := session.Snapshot()
			log.Info().
				Interface("written", snapshot["frames_written_total"]).
				Interface("write_errors", snapshot["write_errors_total"]).
				Interface("steps", snapshot["steps_total"]).
				Str("state", session.State().String()).
				Msg("capture stats")
		}
	}
}
