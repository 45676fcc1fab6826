package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"secgroup-engine/internal/conntrack"
)

// EnvPrefix is prepended to every environment variable, with dots and dashes
// in keys turned into underscores: conntrack.max-flows is read from
// SGENGINE_CONNTRACK_MAX_FLOWS.
const EnvPrefix = "SGENGINE"

type Config struct {
	LogLevel  string          `mapstructure:"log-level"`
	LogFile   string          `mapstructure:"log-file"`
	Conntrack ConntrackConfig `mapstructure:"conntrack"`
}

type ConntrackConfig struct {
	Shards        int           `mapstructure:"shards"`
	MaxFlows      int           `mapstructure:"max-flows"`
	SweepInterval time.Duration `mapstructure:"sweep-interval"`

	TCPEstablishedTimeout time.Duration `mapstructure:"tcp-established-timeout"`
	TCPFinsSeenTimeout    time.Duration `mapstructure:"tcp-fins-seen-timeout"`
	TCPResetSeenTimeout   time.Duration `mapstructure:"tcp-reset-seen-timeout"`
	UDPTimeout            time.Duration `mapstructure:"udp-timeout"`
	ICMPTimeout           time.Duration `mapstructure:"icmp-timeout"`
	GenericTimeout        time.Duration `mapstructure:"generic-timeout"`
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":                         "log-level",
	"log-file":                          "log-file",
	"conntrack-shards":                  "conntrack.shards",
	"conntrack-max-flows":               "conntrack.max-flows",
	"conntrack-sweep-interval":          "conntrack.sweep-interval",
	"conntrack-tcp-established-timeout": "conntrack.tcp-established-timeout",
	"conntrack-udp-timeout":             "conntrack.udp-timeout",
	"conntrack-icmp-timeout":            "conntrack.icmp-timeout",
}

func setDefaults(v *viper.Viper) {
	t := conntrack.DefaultTimeouts()
	v.SetDefault("log-level", "INFO")
	v.SetDefault("log-file", "")
	v.SetDefault("conntrack.shards", conntrack.DefaultShards)
	v.SetDefault("conntrack.max-flows", 1_000_000)
	v.SetDefault("conntrack.sweep-interval", 10*time.Second)
	v.SetDefault("conntrack.tcp-established-timeout", t.TCPEstablished)
	v.SetDefault("conntrack.tcp-fins-seen-timeout", t.TCPFinsSeen)
	v.SetDefault("conntrack.tcp-reset-seen-timeout", t.TCPResetSeen)
	v.SetDefault("conntrack.udp-timeout", t.UDP)
	v.SetDefault("conntrack.icmp-timeout", t.ICMP)
	v.SetDefault("conntrack.generic-timeout", t.Generic)
}

// RegisterFlags adds the global flags understood by Load to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	t := conntrack.DefaultTimeouts()
	fs.String("config", "", "Configuration file (YAML)")
	fs.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	fs.String("log-file", "", "Log file path (default: stderr)")
	fs.Int("conntrack-shards", conntrack.DefaultShards, "Number of flow table shards, rounded up to a power of two")
	fs.Int("conntrack-max-flows", 1_000_000, "Maximum number of tracked flows, 0 for no limit")
	fs.Duration("conntrack-sweep-interval", 10*time.Second, "Interval between idle flow sweeps")
	fs.Duration("conntrack-tcp-established-timeout", t.TCPEstablished, "Idle timeout of TCP flows")
	fs.Duration("conntrack-udp-timeout", t.UDP, "Idle timeout of UDP flows")
	fs.Duration("conntrack-icmp-timeout", t.ICMP, "Idle timeout of ICMP flows")
}

// Load reads the configuration from defaults, the optional file at path,
// SGENGINE_* environment variables and the flags in fs, in increasing order
// of precedence. fs may be nil.
func Load(fs *pflag.FlagSet, path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	ct := c.Conntrack
	if ct.Shards < 1 {
		return fmt.Errorf("conntrack shards must be at least 1, got %d", ct.Shards)
	}
	if ct.MaxFlows < 0 {
		return fmt.Errorf("conntrack max flows must not be negative, got %d", ct.MaxFlows)
	}
	if ct.SweepInterval <= 0 {
		return fmt.Errorf("conntrack sweep interval must be positive, got %s", ct.SweepInterval)
	}
	return ct.Timeouts().Validate()
}

func (c ConntrackConfig) Timeouts() conntrack.Timeouts {
	return conntrack.Timeouts{
		TCPEstablished: c.TCPEstablishedTimeout,
		TCPFinsSeen:    c.TCPFinsSeenTimeout,
		TCPResetSeen:   c.TCPResetSeenTimeout,
		UDP:            c.UDPTimeout,
		ICMP:           c.ICMPTimeout,
		Generic:        c.GenericTimeout,
	}
}

func (c ConntrackConfig) Options() conntrack.Options {
	return conntrack.Options{
		Shards:   c.Shards,
		MaxFlows: c.MaxFlows,
		Timeouts: c.Timeouts(),
	}
}
