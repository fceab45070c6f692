package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Models       ModelsConfig       `yaml:"models"`
	State        StateConfig        `yaml:"state"`
	Alerting     AlertingConfig     `yaml:"alerting"`
	AlertService AlertServiceConfig `yaml:"alert_service"`
	Log          LogConfig          `yaml:"log"`
}

type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	MaxUploadMB   int64         `yaml:"max_upload_mb"`
	CORSOrigin    string        `yaml:"cors_origin"`
	EnableMetrics bool          `yaml:"enable_metrics"`
}

// ModelsConfig locates the detector artifacts and the ONNX runtime.
type ModelsConfig struct {
	SharedLibraryPath string `yaml:"shared_library_path"`
	BaselinePath      string `yaml:"baseline_path"`
	ImprovedPath      string `yaml:"improved_path"`
	PoolSize          int    `yaml:"pool_size"`
	Threads           int    `yaml:"threads"`
	Warmup            bool   `yaml:"warmup"`
	Preload           bool   `yaml:"preload"`
}

// StateConfig selects where the active version tag is persisted.
type StateConfig struct {
	Backend string `yaml:"backend"` // sqlite, file
	Path    string `yaml:"path"`
}

type AlertingConfig struct {
	SubjectClass            string        `yaml:"subject_class"`
	MovementThreshold       float64       `yaml:"movement_threshold"`
	BannedItems             []string      `yaml:"banned_items"`
	ContrabandMinConfidence float64       `yaml:"contraband_min_confidence"`
	SinkURL                 string        `yaml:"sink_url"`
	DeliveryTimeout         time.Duration `yaml:"delivery_timeout"`
	QueueSize               int           `yaml:"queue_size"`
	Workers                 int           `yaml:"workers"`
	MQTT                    MQTTConfig    `yaml:"mqtt"`
}

// MQTTConfig enables an optional broker fan-out of alerts.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	Format   string `yaml:"format"` // json, msgpack
}

type AlertServiceConfig struct {
	Addr       string `yaml:"addr"`
	Capacity   int    `yaml:"capacity"`
	CORSOrigin string `yaml:"cors_origin"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration the service runs with when no file is given.
func Default() *Config {
	modelDir := filepath.Clean("./models")
	return &Config{
		Server: ServerConfig{
			Addr:          ":8000",
			ReadTimeout:   60 * time.Second,
			WriteTimeout:  60 * time.Second,
			MaxUploadMB:   10,
			CORSOrigin:    "*",
			EnableMetrics: true,
		},
		Models: ModelsConfig{
			BaselinePath: filepath.Join(modelDir, "v1", "ssd_mobilenet_v2.onnx"),
			ImprovedPath: filepath.Join(modelDir, "v2", "yolov8m_int8.onnx"),
			PoolSize:     2,
			Warmup:       true,
		},
		State: StateConfig{
			Backend: "sqlite",
			Path:    filepath.Join("config", "state.db"),
		},
		Alerting: AlertingConfig{
			SubjectClass:            "person",
			MovementThreshold:       50,
			BannedItems:             []string{"cell phone", "laptop", "mouse", "keyboard", "remote", "tv"},
			ContrabandMinConfidence: 0.5,
			SinkURL:                 "http://alert-service:8001/log_violation",
			DeliveryTimeout:         100 * time.Millisecond,
			QueueSize:               256,
			Workers:                 2,
			MQTT: MQTTConfig{
				ClientID: "exam-proctor-detector",
				Topic:    "proctor/alerts",
				Format:   "json",
			},
		},
		AlertService: AlertServiceConfig{
			Addr:       ":8001",
			Capacity:   50,
			CORSOrigin: "*",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults, applies env overrides and validates.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() {
	c.Server.Addr = envOr("DETECTOR_ADDR", c.Server.Addr)
	c.Models.SharedLibraryPath = envOr("ONNXRUNTIME_LIB", c.Models.SharedLibraryPath)
	if dir := os.Getenv("MODEL_DIR"); dir != "" {
		c.Models.BaselinePath = filepath.Join(dir, "v1", filepath.Base(c.Models.BaselinePath))
		c.Models.ImprovedPath = filepath.Join(dir, "v2", filepath.Base(c.Models.ImprovedPath))
	}
	c.State.Path = envOr("STATE_DB", c.State.Path)
	c.Alerting.SinkURL = envOr("ALERT_SINK_URL", c.Alerting.SinkURL)
	c.Alerting.MQTT.Broker = envOr("MQTT_BROKER", c.Alerting.MQTT.Broker)
	c.AlertService.Addr = envOr("ALERT_SERVICE_ADDR", c.AlertService.Addr)
	c.Log.Level = envOr("LOG_LEVEL", c.Log.Level)
	if debug, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && debug {
		c.Log.Level = "debug"
	}
	if items := os.Getenv("BANNED_ITEMS"); items != "" {
		c.Alerting.BannedItems = splitList(items)
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if c.Models.PoolSize < 1 {
		return fmt.Errorf("models.pool_size must be positive")
	}
	if c.Models.BaselinePath == "" || c.Models.ImprovedPath == "" {
		return fmt.Errorf("models.baseline_path and models.improved_path are required")
	}
	switch c.State.Backend {
	case "sqlite", "file":
	default:
		return fmt.Errorf("state.backend must be sqlite or file, got %q", c.State.Backend)
	}
	if c.State.Path == "" {
		return fmt.Errorf("state.path cannot be empty")
	}
	if c.Alerting.SubjectClass == "" {
		return fmt.Errorf("alerting.subject_class cannot be empty")
	}
	if c.Alerting.MovementThreshold <= 0 {
		return fmt.Errorf("alerting.movement_threshold must be positive")
	}
	if c.Alerting.ContrabandMinConfidence < 0 || c.Alerting.ContrabandMinConfidence > 1 {
		return fmt.Errorf("alerting.contraband_min_confidence must be between 0 and 1")
	}
	if c.Alerting.DeliveryTimeout <= 0 || c.Alerting.DeliveryTimeout > 5*time.Second {
		return fmt.Errorf("alerting.delivery_timeout must be in (0, 5s]")
	}
	if c.Alerting.MQTT.Broker != "" {
		if c.Alerting.MQTT.Topic == "" {
			return fmt.Errorf("alerting.mqtt.topic is required when a broker is set")
		}
		if c.Alerting.MQTT.QoS > 2 {
			return fmt.Errorf("alerting.mqtt.qos must be 0, 1 or 2")
		}
		switch c.Alerting.MQTT.Format {
		case "", "json", "msgpack":
		default:
			return fmt.Errorf("alerting.mqtt.format must be json or msgpack")
		}
	}
	if c.AlertService.Capacity < 1 {
		return fmt.Errorf("alert_service.capacity must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
