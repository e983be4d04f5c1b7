package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"evolve-car-go/internal/types"
)

// DefaultRig is the six-camera layout: one forward, one rearward and two on
// each side at slightly different yaw angles.
func DefaultRig() []types.SensorSpec {
	return []types.SensorSpec{
		{Tag: "front", Transform: pose(1.5, 0.0, 2.4, 0)},
		{Tag: "back", Transform: pose(-1.5, 0.0, 2.4, 180)},
		{Tag: "left1", Transform: pose(0.0, -1.2, 2.4, -90)},
		{Tag: "left2", Transform: pose(0.0, -1.2, 2.4, -120)},
		{Tag: "right1", Transform: pose(0.0, 1.2, 2.4, 90)},
		{Tag: "right2", Transform: pose(0.0, 1.2, 2.4, 120)},
	}
}

func pose(x, y, z, yaw float64) types.Transform {
	return types.Transform{
		Location: types.Location{X: x, Y: y, Z: z},
		Rotation: types.Rotation{Yaw: yaw},
	}
}

type hclRigFile struct {
	Cameras []*hclCamera `hcl:"camera,block"`
}

type hclCamera struct {
	Tag      string    `hcl:"tag,label"`
	Location []float64 `hcl:"location"`
	Rotation []float64 `hcl:"rotation,optional"`
}

// LoadRig reads a rig from an HCL file.
func LoadRig(path string) ([]types.SensorSpec, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse rig file %s: %w", path, diags)
	}
	return decodeRig(file, path)
}

// ParseRig reads a rig from HCL source; filename is used in diagnostics.
func ParseRig(src []byte, filename string) ([]types.SensorSpec, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse rig file %s: %w", filename, diags)
	}
	return decodeRig(file, filename)
}

func decodeRig(file *hcl.File, filename string) ([]types.SensorSpec, error) {
	var parsed hclRigFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode rig file %s: %w", filename, diags)
	}

	rig := make([]types.SensorSpec, 0, len(parsed.Cameras))
	for _, cam := range parsed.Cameras {
		if len(cam.Location) != 3 {
			return nil, fmt.Errorf("camera %q: location needs 3 values, got %d", cam.Tag, len(cam.Location))
		}
		rotation := cam.Rotation
		if rotation == nil {
			rotation = []float64{0, 0, 0}
		}
		if len(rotation) != 3 {
			return nil, fmt.Errorf("camera %q: rotation needs 3 values, got %d", cam.Tag, len(rotation))
		}
		rig = append(rig, types.SensorSpec{
			Tag: cam.Tag,
			Transform: types.Transform{
				Location: types.Location{X: cam.Location[0], Y: cam.Location[1], Z: cam.Location[2]},
				Rotation: types.Rotation{Pitch: rotation[0], Yaw: rotation[1], Roll: rotation[2]},
			},
		})
	}
	if err := ValidateRig(rig); err != nil {
		return nil, fmt.Errorf("rig file %s: %w", filename, err)
	}
	return rig, nil
}

// ValidateRig requires at least one camera and unique tags that are usable
// as a single directory name.
func ValidateRig(rig []types.SensorSpec) error {
	if len(rig) == 0 {
		return errors.New("rig has no cameras")
	}
	seen := make(map[string]bool, len(rig))
	for _, spec := range rig {
		tag := spec.Tag
		switch {
		case tag == "":
			return errors.New("camera tag must not be empty")
		case tag == "." || tag == "..":
			return fmt.Errorf("camera tag %q is not a valid directory name", tag)
		case strings.ContainsAny(tag, `/\`) || filepath.Base(tag) != tag:
			return fmt.Errorf("camera tag %q must not contain path separators", tag)
		case seen[tag]:
			return fmt.Errorf("duplicate camera tag %q", tag)
		}
		seen[tag] = true
	}
	return nil
}
