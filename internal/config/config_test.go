package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"probe-calib/internal/bundle"
	"probe-calib/internal/calib"
	"probe-calib/internal/detect"
	"probe-calib/internal/stereo"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfigYAML() string {
	return `cameras:
  - name: cam0
    width: 4000
    height: 3000
    intrinsics:
      - [4000, 0, 2000]
      - [0, 4000, 1500]
      - [0, 0, 1]
    distortion: [-0.08, 0.02, 0.001, -0.0005, 0.001]
    rotation:
      - [1, 0, 0]
      - [0, 1, 0]
      - [0, 0, 1]
    translation: [0, 0, 8000]
  - name: cam1
    intrinsics:
      - [4100, 0, 2010]
      - [0, 4100, 1490]
      - [0, 0, 1]
    rotation: [0, 0.3, 0]
    translation: [-2400, 0, 8000]
calibration:
  rangeXY: 2000
  residual: 15
bundle:
  enabled: true
  maxIterations: 50
storage:
  database: points.db
  exportDir: out
mqtt:
  broker: tcp://localhost:1883
pairToleranceMs: 40
`
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func clearMQTTEnv(t *testing.T) {
	for _, k := range []string{"MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD"} {
		t.Setenv(k, "")
	}
}

func TestLoad_NotExists(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "config file not found")
}

func TestLoad_ValidYAML(t *testing.T) {
	clearMQTTEnv(t)
	cfg, err := Load(writeConfig(t, validConfigYAML()))
	require.NoError(t, err)

	cams, err := cfg.StereoCameras()
	require.NoError(t, err)
	require.Len(t, cams, 2)

	assert.Equal(t, "cam0", cams[0].Name)
	assert.InDelta(t, -0.08, cams[0].Dist.K1, 1e-12)
	assert.Equal(t, r3.Vector{Z: 8000}, cams[0].T)

	// Rodrigues form.
	want := stereo.Rodrigues(r3.Vector{Y: 0.3})
	assert.Equal(t, want, cams[1].R)
	assert.Equal(t, 4000, cams[1].Size.Width, "default sensor size")
	assert.True(t, cams[1].Dist.IsZero())

	assert.Equal(t, 40*time.Millisecond, cfg.PairTolerance())
	assert.Equal(t, "points.db", cfg.Storage.Database)
	assert.Equal(t, "probe-calib", cfg.MQTT.ClientID)
	assert.Equal(t, "probecalib", cfg.MQTT.PublishPrefix)
}

func TestLoad_Defaults(t *testing.T) {
	clearMQTTEnv(t)
	cfg, err := Load(writeConfig(t, validConfigYAML()))
	require.NoError(t, err)

	assert.Equal(t, detect.DefaultParams(), cfg.DetectParams())

	th := cfg.Thresholds()
	def := calib.DefaultThresholds()
	assert.Equal(t, 2000.0, th.RangeXY)
	assert.Equal(t, def.RangeZ, th.RangeZ)
	assert.Equal(t, 15.0, th.Residual)
	assert.Equal(t, def.Outlier, th.Outlier)

	s := cfg.BundleSettings()
	assert.Equal(t, bundle.DefaultSettings().WithMaxIterations(50), s)
}

func TestLoad_DetectionOverrides(t *testing.T) {
	clearMQTTEnv(t)
	body := validConfigYAML() + `detection:
  width: 800
  height: 600
  cropInit: 40
  noiseFloor: 30
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)

	p := cfg.DetectParams()
	assert.Equal(t, 800, p.DetectSize.Width)
	assert.Equal(t, 600, p.DetectSize.Height)
	assert.Equal(t, 40, p.CropInit)
	assert.Equal(t, detect.DefaultParams().CropStep, p.CropStep)
	assert.Equal(t, 30.0, p.NoiseFloor)
	assert.Equal(t, detect.DefaultParams().ShadowThreshold, p.ShadowThreshold)
}

func TestLoad_EnvOverridesMQTT(t *testing.T) {
	clearMQTTEnv(t)
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("MQTT_USERNAME", "stage")
	t.Setenv("MQTT_PASSWORD", "secret")

	cfg, err := Load(writeConfig(t, validConfigYAML()))
	require.NoError(t, err)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "stage", cfg.MQTT.Username)
	assert.Equal(t, "secret", cfg.MQTT.Password)
}

func TestLoad_InvalidConfigs(t *testing.T) {
	clearMQTTEnv(t)
	base := validConfigYAML()
	cases := []struct {
		name string
		body string
		msg  string
	}{
		{"one camera", base[:strings.Index(base, "  - name: cam1")], "exactly two cameras"},
		{"bad intrinsics", strings.Replace(base, "[0, 0, 1]\n    distortion", "[0, 0, 2]\n    distortion", 1), "intrinsic last row"},
		{"zero focal", strings.Replace(base, "[4100, 0, 2010]", "[0, 0, 2010]", 1), "focal lengths"},
		{"short rotation vector", strings.Replace(base, "rotation: [0, 0.3, 0]", "rotation: [0, 0.3]", 1), "rotation vector"},
		{"long distortion", strings.Replace(base, "distortion: [-0.08", "distortion: [0, 0, 0, 0, 0, -0.08", 1), "distortion"},
		{"bad translation", strings.Replace(base, "translation: [-2400, 0, 8000]", "translation: [1, 2]", 1), "translation"},
		{"duplicate name", strings.Replace(base, "name: cam1", "name: cam0", 1), "duplicate camera"},
		{"negative tolerance", strings.Replace(base, "pairToleranceMs: 40", "pairToleranceMs: -1", 1), "pairToleranceMs"},
		{"not yaml", "cameras: [", "parsing config YAML"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.ErrorContains(t, err, tc.msg)
		})
	}
}

func TestSave_RoundTrip(t *testing.T) {
	clearMQTTEnv(t)
	cfg, err := Load(writeConfig(t, validConfigYAML()))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, Save(path, cfg))

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}
