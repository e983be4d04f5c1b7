package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"evolve-car-go/internal/bridge"
	"evolve-car-go/internal/compression"
	"evolve-car-go/internal/config"
	"evolve-car-go/internal/simulator"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("bridge failed")
	}
}

func run() error {
	def := simulator.DefaultConfig()
	var (
		bind        = pflag.String("bind", "*", "Interface to bind both sockets on")
		controlPort = pflag.IntP("port", "p", 2000, "Control (REQ/REP) port")
		streamPort  = pflag.Int("stream-port", 2001, "Stream (PUB/SUB) port")
		mapName     = pflag.String("map", def.Map, "Map name reported to clients")
		spawnPoints = pflag.Int("spawn-points", def.SpawnPoints, "Number of spawn points")
		seed        = pflag.Int64("seed", def.Seed, "Seed for spawn point generation")
		tickRate    = pflag.Float64("tick-rate", def.TickRate, "Simulation steps per second")
		queueSize   = pflag.Int("queue-size", def.QueueSize, "Per-camera publish queue length")
		algorithm   = pflag.String("compression", compression.LZ4, "Image compression (none, lz4, zstd)")
		logEvery    = pflag.Int("log-every", 100, "Log every Nth publish error")
		logLevel    = pflag.String("log-level", "info", "Log level (debug, info, warn, error)")
		logFormat   = pflag.String("log-format", "json", "Log format (json, text)")
	)
	pflag.Parse()
	config.SetupLogging(os.Stdout, *logLevel, *logFormat)

	alg, err := compression.ParseAlgorithm(*algorithm)
	if err != nil {
		return err
	}
	if *tickRate <= 0 {
		return fmt.Errorf("tick rate must be positive, got %g", *tickRate)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	world := simulator.New(simulator.Config{
		Map:         *mapName,
		SpawnPoints: *spawnPoints,
		Seed:        *seed,
		TickRate:    *tickRate,
		QueueSize:   *queueSize,
	})
	defer world.Close()
	go world.Run(ctx)

	srv := bridge.NewServer(world, bridge.ServerOptions{
		ControlEndpoint: fmt.Sprintf("tcp://%s:%d", *bind, *controlPort),
		StreamEndpoint:  fmt.Sprintf("tcp://%s:%d", *bind, *streamPort),
		StreamPort:      *streamPort,
		Map:             *mapName,
		Compression:     alg,
		LogEvery:        *logEvery,
	})
	err = srv.Serve(ctx)
	log.Info().Int("actors_left", world.ActorCount()).Uint64("frames_dropped", world.Dropped()).Msg("bridge stopped")
	return err
}
