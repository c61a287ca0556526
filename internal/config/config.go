package config

import (
	"github.com/spf13/viper"
)

type Config struct {
	NodeID string `mapstructure:"node_id"`

	Engine struct {
		RulesPath   string `mapstructure:"rules_path"`
		ContextPath string `mapstructure:"context_path"`
		Debug       bool   `mapstructure:"debug"`
	} `mapstructure:"engine"`

	Dynamic struct {
		Enabled bool   `mapstructure:"enabled"`
		IDMin   uint32 `mapstructure:"id_min"`
		IDMax   uint32 `mapstructure:"id_max"`
		IDBits  int    `mapstructure:"id_bits"`
	} `mapstructure:"dynamic"`

	API struct {
		Port        int  `mapstructure:"port"`
		LogRequests bool `mapstructure:"log_requests"`
	} `mapstructure:"api"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Address  string `mapstructure:"address"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Channel  string `mapstructure:"channel"`
	} `mapstructure:"redis"`

	Tunnel struct {
		Enabled bool `mapstructure:"enabled"`
		// Role decides what this endpoint does with link traffic:
		// "client" compresses up and decompresses down, "server" the
		// reverse.
		Role       string `mapstructure:"role"`
		AppListen  string `mapstructure:"app_listen"`
		LinkListen string `mapstructure:"link_listen"`
		LinkPeer   string `mapstructure:"link_peer"`
		// SrcAddr and DstAddr are the simulated endpoint addresses used
		// for synthetic framing, e.g. "10.0.0.1:1000".
		SrcAddr string `mapstructure:"src_addr"`
		DstAddr string `mapstructure:"dst_addr"`
	} `mapstructure:"tunnel"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetDefault("node_id", "crimp")
	viper.SetDefault("engine.rules_path", "rules.json")
	viper.SetDefault("engine.debug", false)
	viper.SetDefault("dynamic.enabled", true)
	viper.SetDefault("dynamic.id_min", 240)
	viper.SetDefault("dynamic.id_max", 250)
	viper.SetDefault("dynamic.id_bits", 8)
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.log_requests", false)
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.channel", "crimp_rules")
	viper.SetDefault("tunnel.enabled", false)
	viper.SetDefault("tunnel.role", "client")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
