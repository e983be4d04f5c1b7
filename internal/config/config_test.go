package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evolve-car-go/internal/types"
)

func TestDefaultRig(t *testing.T) {
	rig := DefaultRig()
	require.NoError(t, ValidateRig(rig))

	tags := make([]string, 0, len(rig))
	for _, spec := range rig {
		tags = append(tags, spec.Tag)
	}
	assert.Equal(t, []string{"front", "back", "left1", "left2", "right1", "right2"}, tags)
	assert.Equal(t, 180.0, rig[1].Transform.Rotation.Yaw)
	assert.Equal(t, -1.2, rig[3].Transform.Location.Y)
}

func TestParseRig(t *testing.T) {
	src := []byte(`
camera "front" {
  location = [1.5, 0, 2.4]
}

camera "roof" {
  location = [0, 0, 3.1]
  rotation = [-30, 45, 0]
}
`)
	rig, err := ParseRig(src, "rig.hcl")
	require.NoError(t, err)
	require.Len(t, rig, 2)
	assert.Equal(t, "front", rig[0].Tag)
	assert.Equal(t, types.Rotation{}, rig[0].Transform.Rotation)
	assert.Equal(t, types.Transform{
		Location: types.Location{X: 0, Y: 0, Z: 3.1},
		Rotation: types.Rotation{Pitch: -30, Yaw: 45, Roll: 0},
	}, rig[1].Transform)
}

func TestParseRigErrors(t *testing.T) {
	cases := map[string]string{
		"duplicate": `
camera "a" { location = [0, 0, 0] }
camera "a" { location = [1, 0, 0] }
`,
		"short location": `camera "a" { location = [0, 0] }`,
		"bad tag":        `camera "../etc" { location = [0, 0, 0] }`,
		"empty":          ``,
		"syntax":         `camera "a" {`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRig([]byte(src), "rig.hcl")
			require.Error(t, err)
		})
	}
}

func TestLoadRigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rig.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`camera "solo" { location = [1, 2, 3] }`), 0o644))

	cfg := Default()
	cfg.RigPath = path
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"solo"}, cfg.Tags())
}

func TestFlagsAndEnv(t *testing.T) {
	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, &cfg)
	require.NoError(t, fs.Parse([]string{"--host", "sim.local", "-p", "2010", "--idle", "10ms", "--debug"}))

	t.Setenv("EVOLVE_CAPTURE_PORT", "3000")
	t.Setenv("EVOLVE_CAPTURE_OUTPUT_DIR", "/tmp/frames")
	require.NoError(t, ApplyEnv(&cfg))

	assert.Equal(t, "sim.local", cfg.Host)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, 10*time.Millisecond, cfg.IdleInterval)
	assert.Equal(t, "/tmp/frames", cfg.OutputDir)
	assert.True(t, cfg.Debug)

	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Rig, 6)
}

func TestApplyEnvCamera(t *testing.T) {
	cfg := Default()
	t.Setenv("EVOLVE_CAPTURE_IMAGE_WIDTH", "1024")
	t.Setenv("EVOLVE_CAPTURE_FOV", "110.5")
	t.Setenv("EVOLVE_CAPTURE_SEED", "42")
	t.Setenv("EVOLVE_CAPTURE_QUEUE_SIZE", "2")
	require.NoError(t, ApplyEnv(&cfg))

	assert.Equal(t, 1024, cfg.Camera.Width)
	assert.Equal(t, 600, cfg.Camera.Height)
	assert.InDelta(t, 110.5, cfg.Camera.FOV, 1e-9)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, 2, cfg.QueueSize)
}

func TestApplyEnvInvalid(t *testing.T) {
	cfg := Default()
	t.Setenv("EVOLVE_CAPTURE_TIMEOUT", "soon")
	require.Error(t, ApplyEnv(&cfg))

	cfg = Default()
	t.Setenv("EVOLVE_CAPTURE_TIMEOUT", "")
	t.Setenv("EVOLVE_CAPTURE_FOV", "wide")
	require.Error(t, ApplyEnv(&cfg))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Port = 0
	cfg.Camera.FOV = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port 0 out of range")
	assert.Contains(t, err.Error(), "fov 0 out of range")
}

func TestSetupLogging(t *testing.T) {
	previous, previousLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = previous
		zerolog.SetGlobalLevel(previousLevel)
	})

	var buf bytes.Buffer
	SetupLogging(&buf, "warn", "json")
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
	log.Info().Msg("hidden")
	log.Warn().Str("tag", "front").Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "front", entry["tag"])

	SetupLogging(&buf, "nonsense", "text")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
