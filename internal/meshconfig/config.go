// Package meshconfig provides a reusable loader for meshgate configuration
// files and environment variables, adapted from the teacher's pkg/config:
// a viper-backed YAML loader with a default+environment merge.
//
// Version: v0.1.0
package meshconfig

import (
	"fmt"

	"github.com/spf13/viper"

	"meshgate/pkg/meshutil"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a meshgate node and backs the
// read-only Snapshot the core treats as an external collaborator (spec
// §6.4): server, mesh, pipe and auth sections plus the ambient logging
// section the teacher's config always carries. It has no letsencrypt
// section.
type Config struct {
	Server struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
		Debug      bool   `mapstructure:"debug" json:"debug"`
	} `mapstructure:"server" json:"server"`

	Mesh struct {
		NodeName       string   `mapstructure:"node_name" json:"node_name"`
		Role           string   `mapstructure:"role" json:"role"` // "gateway" or "agent"
		GatewayAddr    string   `mapstructure:"gateway_addr" json:"gateway_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"mesh" json:"mesh"`

	Pipe struct {
		MaxPendingChannels    int `mapstructure:"max_pending_channels" json:"max_pending_channels"`
		PendingChannelTimeout int `mapstructure:"pending_channel_timeout_seconds" json:"pending_channel_timeout_seconds"`
	} `mapstructure:"pipe" json:"pipe"`

	Auth struct {
		BearerHeader string `mapstructure:"bearer_header" json:"bearer_header"`
		CookieName   string `mapstructure:"cookie_name" json:"cookie_name"`
	} `mapstructure:"auth" json:"auth"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/meshgate/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, meshutil.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, meshutil.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, meshutil.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the MESHGATE_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(meshutil.EnvOrDefault("MESHGATE_ENV", ""))
}

// Snapshot is the read-only view the core consumes per request (spec
// §6.4); the collaborator above may hot-swap it atomically. The core never
// mutates it.
type Snapshot struct {
	Server Config
}

// Current returns a point-in-time snapshot of AppConfig.
func Current() Snapshot {
	return Snapshot{Server: AppConfig}
}
