package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIURL = "https://ai-health-assistant-0art.onrender.com"
	DefaultUserID = "sdn" // fixed identity, there is no login flow
	DefaultListen = "127.0.0.1:8444"

	EnvPrefix = "HEALTHAS_"
)

// Config for the health assistant client
type Config struct {
	// Remote service
	APIURL         string        `yaml:"api_url" env:"API_URL"`
	UserID         string        `yaml:"user_id" env:"USER_ID"`
	Insecure       bool          `yaml:"insecure" env:"INSECURE"`
	CACertFile     string        `yaml:"ca_cert_file" env:"CA_CERT_FILE"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"` // 0 means no client-side timeout

	// Local render bridge
	Listen         string `yaml:"listen" env:"LISTEN"`
	BridgeCertFile string `yaml:"bridge_cert_file" env:"BRIDGE_CERT_FILE"`
	BridgeKeyFile  string `yaml:"bridge_key_file" env:"BRIDGE_KEY_FILE"`

	// Directory watched for images to select for upload
	InboxDir string `yaml:"inbox_dir" env:"INBOX_DIR"`

	// Where finalized voice recordings are kept. Empty disables the archive.
	RecordingsDir string `yaml:"recordings_dir" env:"RECORDINGS_DIR"`

	// Capture. DeviceID is a PortAudio device index; DefaultDevice picks the
	// system default input.
	DeviceID        int `yaml:"device_id" env:"DEVICE_ID"`
	SampleRate      int `yaml:"sample_rate" env:"SAMPLE_RATE"`
	Channels        int `yaml:"channels" env:"CHANNELS"`
	FramesPerBuffer int `yaml:"frames_per_buffer" env:"FRAMES_PER_BUFFER"`

	// Location used to turn the appointment draft's wall-clock time into an instant
	Timezone string `yaml:"timezone" env:"TIMEZONE"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

// DefaultDevice selects the system default input device.
const DefaultDevice = -1

func Default() *Config {
	return &Config{
		APIURL:          DefaultAPIURL,
		UserID:          DefaultUserID,
		Listen:          DefaultListen,
		InboxDir:        "inbox",
		DeviceID:        DefaultDevice,
		SampleRate:      16000,
		Channels:        1,
		FramesPerBuffer: 1024,
		Timezone:        "Local",
		LogLevel:        "info",
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// HEALTHAS_* environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse config env: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return fmt.Errorf("invalid api_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("api_url must be http or https, got %q", c.APIURL)
	}
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("user_id must be set")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout cannot be negative")
	}
	if c.DeviceID < DefaultDevice {
		return fmt.Errorf("device_id must be %d or a device index, got %d", DefaultDevice, c.DeviceID)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive")
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Channels)
	}
	if c.FramesPerBuffer <= 0 {
		return fmt.Errorf("frames_per_buffer must be positive")
	}
	if (c.BridgeCertFile == "") != (c.BridgeKeyFile == "") {
		return fmt.Errorf("bridge_cert_file and bridge_key_file must be set together")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", s, err)
	}
	return level, nil
}
