package appconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/hackforge/go/clients/hack_api_client"
	"github.com/mcdev12/hackforge/go/internal/gate"
	"github.com/mcdev12/hackforge/go/internal/models"
	"github.com/mcdev12/hackforge/go/internal/session"
)

// DefaultPath is where the dashboard looks for its config file
const DefaultPath = "hackforge.yaml"

// Transports
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

type HackAPIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type RealtimeConfig struct {
	Transport    string        `yaml:"transport"`
	WebSocketURL string        `yaml:"websocket_url"`
	PingInterval time.Duration `yaml:"ping_interval"`
	NATSURL      string        `yaml:"nats_url"`
	NATSPrefix   string        `yaml:"nats_prefix"`
}

type SessionConfig struct {
	CredentialPath string         `yaml:"credential_path"`
	Timing         session.Config `yaml:",inline"`
}

type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Config is the dashboard's full configuration: file values overlaid by environment
type Config struct {
	LogLevel     string                   `yaml:"log_level"`
	HackAPI      HackAPIConfig            `yaml:"hack_api"`
	Realtime     RealtimeConfig           `yaml:"realtime"`
	Session      SessionConfig            `yaml:"session"`
	PollInterval time.Duration            `yaml:"poll_interval"`
	HTTP         HTTPConfig               `yaml:"http"`
	Attendance   []models.AttendanceRound `yaml:"attendance_rounds"`
}

// Default returns the configuration used when nothing is set
func Default() Config {
	return Config{
		LogLevel: "info",
		HackAPI: HackAPIConfig{
			BaseURL: hack_api_client.DefaultBaseURL,
			Timeout: 30 * time.Second,
		},
		Realtime: RealtimeConfig{
			Transport:    TransportWebSocket,
			WebSocketURL: "ws://localhost:5000/ws",
			PingInterval: 30 * time.Second,
			NATSURL:      "nats://127.0.0.1:4222",
			NATSPrefix:   "hack",
		},
		Session: SessionConfig{
			CredentialPath: session.DefaultCredentialPath(),
			Timing:         session.DefaultConfig(),
		},
		PollInterval: gate.DefaultPollInterval,
		HTTP: HTTPConfig{
			Addr:           ":8090",
			AllowedOrigins: []string{"http://localhost:5173"},
		},
		Attendance: append([]models.AttendanceRound(nil), models.DefaultAttendanceRounds...),
	}
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &config); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyEnv() error {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.HackAPI.BaseURL = getEnv("HACK_API_URL", c.HackAPI.BaseURL)
	c.Realtime.Transport = strings.ToLower(getEnv("REALTIME_TRANSPORT", c.Realtime.Transport))
	c.Realtime.WebSocketURL = getEnv("REALTIME_URL", c.Realtime.WebSocketURL)
	c.Realtime.NATSURL = getEnv("NATS_URL", c.Realtime.NATSURL)
	c.Realtime.NATSPrefix = getEnv("NATS_PREFIX", c.Realtime.NATSPrefix)
	c.Session.CredentialPath = getEnv("HACKFORGE_SESSION_FILE", c.Session.CredentialPath)
	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		c.HTTP.AllowedOrigins = splitList(origins)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"HACK_API_TIMEOUT", &c.HackAPI.Timeout},
		{"LOCK_TIMEOUT", &c.Session.Timing.LockTimeout},
		{"FORCED_LOGOUT_GRACE", &c.Session.Timing.ForcedLogoutGrace},
		{"GATE_POLL_INTERVAL", &c.PollInterval},
	}
	for _, d := range durations {
		v, err := getEnvAsDuration(d.key, *d.dst)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	return nil
}

// Validate rejects configurations the dashboard cannot run with
func (c *Config) Validate() error {
	if c.HackAPI.BaseURL == "" {
		return errors.New("hack_api.base_url is required")
	}
	switch c.Realtime.Transport {
	case TransportWebSocket:
		if c.Realtime.WebSocketURL == "" {
			return errors.New("realtime.websocket_url is required for the websocket transport")
		}
		if c.Realtime.PingInterval <= 0 {
			return errors.New("realtime.ping_interval must be positive")
		}
	case TransportNATS:
		if c.Realtime.NATSURL == "" {
			return errors.New("realtime.nats_url is required for the nats transport")
		}
	default:
		return fmt.Errorf("unknown realtime transport %q", c.Realtime.Transport)
	}
	if c.Session.Timing.LockTimeout <= 0 || c.Session.Timing.ForcedLogoutGrace <= 0 {
		return errors.New("session timings must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	for i, r := range c.Attendance {
		if r.Round <= 0 {
			return fmt.Errorf("attendance round %d has no round number", i)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}
	// bare numbers are seconds
	secs, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %q", key, value)
	}
	return time.Duration(secs) * time.Second, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
