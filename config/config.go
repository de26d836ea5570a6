// Package config loads nbsd's runtime configuration from flags, an
// optional config file, and environment variables, layered through
// spf13/viper the way JSchlarb-synchrophasor's manifest (retrieved
// alongside the teacher) pulls in the same library for its own receiver
// daemon.
package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds everything the pipeline needs to stand up a running
// nbsd process.
type Config struct {
	Interface     string   `mapstructure:"interface"`
	Group         net.IP   `mapstructure:"-"`
	GroupStr      string   `mapstructure:"multicast_group"`
	BasePort      int      `mapstructure:"base_port"`
	FeedTypes     []string `mapstructure:"feed_types"`
	QueueCapacity int      `mapstructure:"queue_capacity_bytes"`
	QueueFrames   int      `mapstructure:"queue_frames"`
	MaxFrame      int      `mapstructure:"max_frame_bytes"`
	LogLevel      string   `mapstructure:"log_level"`
	MetricsAddr   string   `mapstructure:"metrics_addr"`
}

// Default returns the configuration baseline before flags, file, or
// environment overrides are applied.
func Default() Config {
	return Config{
		BasePort:      5000,
		QueueCapacity: 8 << 20,
		QueueFrames:   4096,
		MaxFrame:      65507,
		LogLevel:      "info",
		MetricsAddr:   ":9100",
	}
}

// Load builds a Config from command-line arguments, an optional config
// file (NBSD_CONFIG or --config), and NBSD_-prefixed environment
// variables. Flags given on the command line take precedence over
// environment variables, which take precedence over the config file;
// flag defaults apply only when none of these set a value.
func Load(args []string) (Config, error) {
	cfg := Default()

	fs := pflag.NewFlagSet("nbsd", pflag.ContinueOnError)
	fs.String("config", "", "path to a config file (yaml/json/toml)")
	fs.String("interface", "", "network interface to join the multicast group on")
	fs.String("multicast-group", "", "IPv4 multicast group address")
	fs.Int("base-port", cfg.BasePort, "base UDP port; the channel port is derived from the group's low octet")
	fs.StringSlice("feed-types", nil, "feed-type filter checked by Config.Accepts (empty accepts all); nbsd does not apply it to received products")
	fs.Int("queue-capacity-bytes", cfg.QueueCapacity, "Frame Queue byte capacity")
	fs.Int("queue-frames", cfg.QueueFrames, "Frame Queue maximum outstanding frame count")
	fs.Int("max-frame-bytes", cfg.MaxFrame, "largest accepted frame payload")
	fs.String("log-level", cfg.LogLevel, "logrus level")
	fs.String("metrics-addr", cfg.MetricsAddr, "address to serve Prometheus metrics on, empty disables")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	v := viper.New()
	v.SetEnvPrefix("nbsd")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return cfg, err
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	cfg.Interface = v.GetString("interface")
	cfg.GroupStr = v.GetString("multicast-group")
	cfg.BasePort = v.GetInt("base-port")
	cfg.FeedTypes = v.GetStringSlice("feed-types")
	cfg.QueueCapacity = v.GetInt("queue-capacity-bytes")
	cfg.QueueFrames = v.GetInt("queue-frames")
	cfg.MaxFrame = v.GetInt("max-frame-bytes")
	cfg.LogLevel = v.GetString("log-level")
	cfg.MetricsAddr = v.GetString("metrics-addr")

	if cfg.GroupStr != "" {
		ip := net.ParseIP(cfg.GroupStr)
		if ip == nil {
			return cfg, fmt.Errorf("config: invalid multicast-group %q", cfg.GroupStr)
		}
		if !ip.IsMulticast() {
			return cfg, fmt.Errorf("config: %q is not a multicast address", cfg.GroupStr)
		}
		cfg.Group = ip
	}

	return cfg, nil
}

// Accepts reports whether feedType passes this Config's feed-type filter.
// An empty FeedTypes list accepts everything.
func (c Config) Accepts(feedType string) bool {
	if len(c.FeedTypes) == 0 {
		return true
	}
	for _, ft := range c.FeedTypes {
		if strings.EqualFold(ft, feedType) {
			return true
		}
	}
	return false
}
