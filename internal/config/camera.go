package config

import (
	"fmt"

	"probe-calib/internal/stereo"
	"probe-calib/pkg/geometry"

	"github.com/golang/geo/r3"
	"gopkg.in/yaml.v3"
)

// CameraConfig is one camera's calibration.
type CameraConfig struct {
	Name        string      `yaml:"name"`
	Width       int         `yaml:"width,omitempty"`
	Height      int         `yaml:"height,omitempty"`
	Intrinsics  [][]float64 `yaml:"intrinsics"`
	Distortion  []float64   `yaml:"distortion,omitempty"` // k1 k2 p1 p2 k3
	Rotation    Rotation    `yaml:"rotation"`
	Translation []float64   `yaml:"translation"`
}

// Rotation is written either as a 3x3 matrix or as a Rodrigues 3-vector.
type Rotation struct {
	Matrix [][]float64
	Vector []float64
}

// UnmarshalYAML accepts a nested 3x3 sequence or a flat 3-vector.
func (r *Rotation) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: rotation must be a sequence", value.Line)
	}
	if len(value.Content) > 0 && value.Content[0].Kind == yaml.SequenceNode {
		return value.Decode(&r.Matrix)
	}
	return value.Decode(&r.Vector)
}

// MarshalYAML writes whichever form was loaded.
func (r Rotation) MarshalYAML() (interface{}, error) {
	if r.Matrix != nil {
		return r.Matrix, nil
	}
	return r.Vector, nil
}

// Mat3 returns the rotation matrix.
func (r Rotation) Mat3() (geometry.Mat3, error) {
	switch {
	case r.Matrix != nil:
		return toMat3(r.Matrix)
	case len(r.Vector) == 3:
		return stereo.Rodrigues(r3.Vector{X: r.Vector[0], Y: r.Vector[1], Z: r.Vector[2]}), nil
	case r.Vector == nil:
		return geometry.Mat3{}, fmt.Errorf("rotation is required: %w", ErrInvalidConfig)
	}
	return geometry.Mat3{}, fmt.Errorf("rotation vector needs 3 values, got %d: %w", len(r.Vector), ErrInvalidConfig)
}

func toMat3(rows [][]float64) (geometry.Mat3, error) {
	var m geometry.Mat3
	if len(rows) != 3 {
		return m, fmt.Errorf("expected 3 rows, got %d: %w", len(rows), ErrInvalidConfig)
	}
	for i, row := range rows {
		if len(row) != 3 {
			return m, fmt.Errorf("row %d has %d values, expected 3: %w", i, len(row), ErrInvalidConfig)
		}
		copy(m[i][:], row)
	}
	return m, nil
}

// Camera converts the configuration into a validated stereo.Camera.
func (c CameraConfig) Camera() (*stereo.Camera, error) {
	k, err := toMat3(c.Intrinsics)
	if err != nil {
		return nil, fmt.Errorf("intrinsics: %w", err)
	}
	dist, err := stereo.NewBrownConrady(c.Distortion)
	if err != nil {
		return nil, fmt.Errorf("distortion: %w: %w", ErrInvalidConfig, err)
	}
	rot, err := c.Rotation.Mat3()
	if err != nil {
		return nil, err
	}
	if len(c.Translation) != 3 {
		return nil, fmt.Errorf("translation needs 3 values, got %d: %w", len(c.Translation), ErrInvalidConfig)
	}

	cam := &stereo.Camera{
		Name: c.Name,
		Size: geometry.Size{Width: c.Width, Height: c.Height},
		K:    k,
		Dist: dist,
		R:    rot,
		T:    r3.Vector{X: c.Translation[0], Y: c.Translation[1], Z: c.Translation[2]},
	}
	if cam.Size.Width == 0 || cam.Size.Height == 0 {
		cam.Size = geometry.Size{Width: 4000, Height: 3000}
	}
	if err := cam.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cam, nil
}

// StereoCameras returns every configured camera in file order.
func (c *Config) StereoCameras() ([]*stereo.Camera, error) {
	out := make([]*stereo.Camera, 0, len(c.Cameras))
	for _, cc := range c.Cameras {
		cam, err := cc.Camera()
		if err != nil {
			return nil, fmt.Errorf("camera %s: %w", cc.Name, err)
		}
		out = append(out, cam)
	}
	return out, nil
}
