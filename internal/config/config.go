package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/signlink/signlink/internal/adapters/rtc"
)

type RelayConfig struct {
	Mode   string `mapstructure:"mode"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`
}

type ClientConfig struct {
	RelayURL      string          `mapstructure:"relay_url"`
	Identity      string          `mapstructure:"identity"`
	Topology      string          `mapstructure:"topology"`
	Target        string          `mapstructure:"target"`
	ClassifierURL string          `mapstructure:"classifier_url"`
	SamplePeriod  time.Duration   `mapstructure:"sample_period"`
	Threshold     float64         `mapstructure:"threshold"`
	FreshFor      time.Duration   `mapstructure:"fresh_for"`
	ICEServers    []rtc.ICEServer `mapstructure:"ice_servers"`
}

type Config struct {
	Relay  RelayConfig  `mapstructure:"relay"`
	Client ClientConfig `mapstructure:"client"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("relay.mode", "release")
	v.SetDefault("relay.port", 3001)
	v.SetDefault("relay.secret", "change-me")
	v.SetDefault("client.relay_url", "ws://localhost:3001/api/ws/signal")
	v.SetDefault("client.topology", "one-to-one")
	v.SetDefault("client.classifier_url", "http://localhost:5000")
	v.SetDefault("client.sample_period", "1s")
	v.SetDefault("client.threshold", 0.7)
	v.SetDefault("client.fresh_for", "1s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
