package config

import (
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/creasty/defaults"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the service looks for its configuration file.
const DefaultPath = "/etc/cubeos/gsm.yml"

// Config is the full service configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Serial   SerialConfig   `yaml:"serial"`
	SMS      SMSConfig      `yaml:"sms"`
	Registry RegistryConfig `yaml:"registry"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Store    StoreConfig    `yaml:"store"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Host string `default:"0.0.0.0" yaml:"host"`
	Port int    `default:"6011" yaml:"port"`

	// Requests per second allowed per client on POST /sms.
	RateLimit float64 `default:"2" yaml:"rate_limit"`
	RateBurst int     `default:"5" yaml:"rate_burst"`

	IdempotencyTTL time.Duration `default:"10m" yaml:"idempotency_ttl"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `default:"info" yaml:"level"`
	Format string `default:"text" yaml:"format"`
}

// SerialConfig describes where modules are and how to talk to them.
type SerialConfig struct {
	// Ports are always probed, whether or not the OS lists them.
	Ports     []string `yaml:"ports"`
	PortGlobs []string `default:"[\"/dev/ttyUSB*\",\"/dev/ttyACM*\",\"/dev/ttyAMA*\",\"/dev/serial0\"]" yaml:"port_globs"`
	BaudRates []int    `default:"[9600,19200,38400,57600,115200]" yaml:"baud_rates"`

	HandshakeTimeout time.Duration `default:"2s" yaml:"handshake_timeout"`
	QueryTimeout     time.Duration `default:"3s" yaml:"query_timeout"`
	ReadTimeout      time.Duration `default:"100ms" yaml:"read_timeout"`
	ScanWorkers      int           `default:"4" yaml:"scan_workers"`

	// Trace logs every byte written and read at debug level.
	Trace bool `default:"false" yaml:"trace"`
}

// SMSConfig holds the send sequence deadlines.
type SMSConfig struct {
	SetupTimeout    time.Duration `default:"5s" yaml:"setup_timeout"`
	PromptTimeout   time.Duration `default:"10s" yaml:"prompt_timeout"`
	FinalTimeout    time.Duration `default:"30s" yaml:"final_timeout"`
	MaxSegmentChars int           `default:"160" yaml:"max_segment_chars"`
	MaxAttempts     int           `default:"3" yaml:"max_attempts"`
}

// RegistryConfig tunes module bookkeeping.
type RegistryConfig struct {
	FailureThreshold int      `default:"3" yaml:"failure_threshold"`
	SupportedModels  []string `default:"[\"SIM900\",\"SIM800\"]" yaml:"supported_models"`
}

// MonitorConfig sets the poll cadence and reprobe backoff.
type MonitorConfig struct {
	Interval        time.Duration `default:"60s" yaml:"interval"`
	ReprobeInterval time.Duration `default:"5s" yaml:"reprobe_interval"`
	BackoffInitial  time.Duration `default:"5s" yaml:"backoff_initial"`
	BackoffMax      time.Duration `default:"5m" yaml:"backoff_max"`
}

// StoreConfig points at the job database.
type StoreConfig struct {
	Path string `default:"/var/lib/cubeos/gsm.db" yaml:"path"`
}

// SnapshotConfig enables the Redis status sink. An empty Addr disables it.
type SnapshotConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `default:"0" yaml:"db"`
	TTL      time.Duration `default:"10m" yaml:"ttl"`
	Channel  string        `default:"gsm:modules" yaml:"channel"`
}

// Load builds the configuration: defaults, then the YAML file at path (a
// missing file is fine), then a .env file if present, then GSM_*
// environment overrides.
func Load(path string) (*Config, error) {
	c := &Config{}
	if err := defaults.Set(c); err != nil {
		return nil, errors.Wrap(err, "apply config defaults")
	}

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, errors.WithDetails(errors.Wrap(err, "read config"), "path", path)
		default:
			if err := yaml.Unmarshal(b, c); err != nil {
				return nil, errors.WithDetails(errors.Wrap(err, "parse config"), "path", path)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("GSM_HOST"); v != "" {
		c.HTTP.Host = v
	}
	if v := os.Getenv("GSM_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.WithDetails(errors.New("GSM_PORT is not a number"), "value", v)
		}
		c.HTTP.Port = port
	}
	if v := os.Getenv("GSM_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("GSM_REDIS_ADDR"); v != "" {
		c.Snapshot.Addr = v
	}
	if v := os.Getenv("GSM_DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("GSM_SERIAL_PORTS"); v != "" {
		c.Serial.Ports = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, errors.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if len(c.Serial.BaudRates) == 0 {
		errs = append(errs, errors.New("serial.baud_rates is empty"))
	}
	for _, b := range c.Serial.BaudRates {
		if b <= 0 {
			errs = append(errs, errors.Errorf("serial.baud_rates contains %d", b))
		}
	}
	timeouts := map[string]time.Duration{
		"serial.handshake_timeout": c.Serial.HandshakeTimeout,
		"serial.query_timeout":     c.Serial.QueryTimeout,
		"serial.read_timeout":      c.Serial.ReadTimeout,
		"sms.setup_timeout":        c.SMS.SetupTimeout,
		"sms.prompt_timeout":       c.SMS.PromptTimeout,
		"sms.final_timeout":        c.SMS.FinalTimeout,
		"monitor.interval":         c.Monitor.Interval,
		"monitor.reprobe_interval": c.Monitor.ReprobeInterval,
	}
	for name, d := range timeouts {
		if d <= 0 {
			errs = append(errs, errors.Errorf("%s must be positive", name))
		}
	}
	if c.SMS.MaxSegmentChars <= 0 {
		errs = append(errs, errors.New("sms.max_segment_chars must be positive"))
	}
	if c.SMS.MaxAttempts <= 0 {
		errs = append(errs, errors.New("sms.max_attempts must be positive"))
	}
	if c.Registry.FailureThreshold <= 0 {
		errs = append(errs, errors.New("registry.failure_threshold must be positive"))
	}
	if c.Serial.ScanWorkers <= 0 {
		errs = append(errs, errors.New("serial.scan_workers must be positive"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, errors.Errorf("log.format %q is not text or json", c.Log.Format))
	}
	return errors.Wrap(errors.Combine(errs...), "invalid config")
}

// Address is the HTTP listen address.
func (c *Config) Address() string {
	return c.HTTP.Host + ":" + strconv.Itoa(c.HTTP.Port)
}
