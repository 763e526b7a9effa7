// Package config loads the recognized options from the environment, with an
// optional .env file for development setups.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config carries the recognized options.
type Config struct {
	// BindPort is the UDP port to bind; 0 selects an ephemeral port.
	BindPort int
	// DisplayName is sent in Hello.
	DisplayName string
	// AudioInputDevice and AudioOutputDevice select audio devices; empty
	// means the system default.
	AudioInputDevice  string
	AudioOutputDevice string
	// CameraDevice selects the camera; empty means the default camera.
	CameraDevice string
	// RecordingRoot overrides <home>/HyperZoom/recordings.
	RecordingRoot string
	// MetricsAddr enables the Prometheus listener when non-empty, e.g.
	// "127.0.0.1:9099".
	MetricsAddr string
}

// Load reads the .env file from the working directory (if present) and
// resolves the configuration from the environment.
func Load(paths ...string) *Config {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	if err := godotenv.Load(paths...); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "config.Load",
		}).Debug("No .env file, using environment and defaults")
	}

	cfg := &Config{
		BindPort:          GetEnvInt("HYPERZOOM_BIND_PORT", 0),
		DisplayName:       GetEnv("HYPERZOOM_DISPLAY_NAME", defaultDisplayName()),
		AudioInputDevice:  GetEnv("HYPERZOOM_AUDIO_INPUT_DEVICE", ""),
		AudioOutputDevice: GetEnv("HYPERZOOM_AUDIO_OUTPUT_DEVICE", ""),
		CameraDevice:      GetEnv("HYPERZOOM_CAMERA_DEVICE", ""),
		RecordingRoot:     GetEnv("HYPERZOOM_RECORDING_ROOT", ""),
		MetricsAddr:       GetEnv("HYPERZOOM_METRICS_ADDR", ""),
	}

	logrus.WithFields(logrus.Fields{
		"function":     "config.Load",
		"bind_port":    cfg.BindPort,
		"display_name": cfg.DisplayName,
	}).Info("Configuration loaded")
	return cfg
}

// GetEnv returns the environment value for key, or fallback when unset or
// empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer environment value for key, or fallback when
// unset, empty, or unparseable.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool returns the boolean environment value for key, or fallback when
// unset, empty, or unparseable.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

func defaultDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "HyperZoom"
}
