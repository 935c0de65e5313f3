package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the runtime configuration for the capture server.
type Config struct {
	HTTPAddr    string `env:"CAPTURE_HTTP_ADDR"    envDefault:":8081"`
	MetricsAddr string `env:"CAPTURE_METRICS_ADDR" envDefault:":9090"`
	PprofAddr   string `env:"CAPTURE_PPROF_ADDR"   envDefault:":6060"`

	RecordingsDir string `env:"CAPTURE_RECORDINGS_DIR" envDefault:"./recordings"`
	StateDir      string `env:"CAPTURE_STATE_DIR"      envDefault:"./state"`

	// Camera daemon endpoints, one MJPEG and one hardware H.264 feed per
	// facing mode. An empty H.264 URL disables preview for that facing.
	CameraFrontURL     string `env:"CAPTURE_CAMERA_FRONT_URL"      envDefault:"http://127.0.0.1:8090/front"`
	CameraBackURL      string `env:"CAPTURE_CAMERA_BACK_URL"       envDefault:"http://127.0.0.1:8090/back"`
	CameraFrontH264URL string `env:"CAPTURE_CAMERA_FRONT_H264_URL" envDefault:"http://127.0.0.1:8090/front/h264"`
	CameraBackH264URL  string `env:"CAPTURE_CAMERA_BACK_H264_URL"  envDefault:"http://127.0.0.1:8090/back/h264"`
	DetectorURL        string `env:"CAPTURE_DETECTOR_URL"          envDefault:"http://127.0.0.1:8500/detect"`

	MQTTBroker string `env:"CAPTURE_MQTT_BROKER" envDefault:""`
	VoiceTopic string `env:"CAPTURE_VOICE_TOPIC" envDefault:"posecoach/voice"`
	Locale     string `env:"CAPTURE_LOCALE"      envDefault:"en-US"`

	StunServers       string `env:"CAPTURE_STUN_SERVERS" envDefault:"stun:stun.l.google.com:19302"`
	MaxPreviewClients int    `env:"CAPTURE_MAX_PREVIEW_CLIENTS" envDefault:"10"`

	TargetFPS      int           `env:"CAPTURE_TARGET_FPS"      envDefault:"30"`
	DetectTimeout  time.Duration `env:"CAPTURE_DETECT_TIMEOUT"  envDefault:"600ms"`
	AlertWindow    time.Duration `env:"CAPTURE_ALERT_WINDOW"    envDefault:"10s"`
	CountdownStart int           `env:"CAPTURE_COUNTDOWN_START" envDefault:"3"`

	LogLevel string `env:"CAPTURE_LOG_LEVEL" envDefault:"info"`
	LogColor bool   `env:"CAPTURE_LOG_COLOR" envDefault:"true"`
}

// TickInterval is the detection loop cadence derived from the target FPS.
func (c *Config) TickInterval() time.Duration {
	fps := c.TargetFPS
	if fps <= 0 {
		fps = 30
	}
	return time.Second / time.Duration(fps)
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
