// Package config provides a reusable loader for corenet configuration files
// and environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/synnergy-labs/corenet/pkg/utils"
)

// Config is the unified configuration for a corenet node. It mirrors the
// structure of the YAML files under cmd/corenet/config.
type Config struct {
	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		BeaconPort     int      `mapstructure:"beacon_port" json:"beacon_port"`
		RulesHash      string   `mapstructure:"rules_hash" json:"rules_hash"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		DataDir        string   `mapstructure:"data_dir" json:"data_dir"`
	} `mapstructure:"network" json:"network"`

	Peer struct {
		MaxRating        int32         `mapstructure:"max_rating" json:"max_rating"`
		BanTimeout       time.Duration `mapstructure:"ban_timeout" json:"ban_timeout"`
		AddressGrace     time.Duration `mapstructure:"address_grace" json:"address_grace"`
		StarvationPerSec float64       `mapstructure:"starvation_per_sec" json:"starvation_per_sec"`
		RecommendStale   time.Duration `mapstructure:"recommend_stale" json:"recommend_stale"`
	} `mapstructure:"peer" json:"peer"`

	Timeouts struct {
		GetHeaderPackMs int `mapstructure:"get_header_pack_ms" json:"get_header_pack_ms"`
		GetBlockMs      int `mapstructure:"get_block_ms" json:"get_block_ms"`
		EarlyDisconnect int `mapstructure:"early_disconnect_ms" json:"early_disconnect_ms"`
		PingIntervalMs  int `mapstructure:"ping_interval_ms" json:"ping_interval_ms"`
	} `mapstructure:"timeouts" json:"timeouts"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	Metrics struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"metrics" json:"metrics"`
}

// AppConfig holds the configuration loaded via Load.
var AppConfig Config

// Load reads configuration files and merges environment-specific overrides.
// The resulting configuration is stored in AppConfig and returned.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/corenet/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	setDefaults()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the CORENET_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("CORENET_ENV", ""))
}

func setDefaults() {
	viper.SetDefault("network.listen_addr", "0.0.0.0:17000")
	viper.SetDefault("network.beacon_port", 0)
	viper.SetDefault("network.max_peers", 20)
	viper.SetDefault("network.data_dir", "./data")
	viper.SetDefault("peer.max_rating", 100)
	viper.SetDefault("peer.ban_timeout", "1h")
	viper.SetDefault("peer.address_grace", "15m")
	viper.SetDefault("peer.starvation_per_sec", 0.01)
	viper.SetDefault("peer.recommend_stale", "3h")
	viper.SetDefault("timeouts.get_header_pack_ms", 5000)
	viper.SetDefault("timeouts.get_block_ms", 8000)
	viper.SetDefault("timeouts.early_disconnect_ms", 2000)
	viper.SetDefault("timeouts.ping_interval_ms", 2000)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("metrics.listen_addr", "127.0.0.1:17001")
}
