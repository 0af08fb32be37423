package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration using Viper.
// Priority order: environment variables > config file > defaults.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("engine")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/session-engine")
	}

	v.SetEnvPrefix("SESSION_ENGINE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Short aliases so plain PORT / EXPERIMENT_ID work in containers.
	v.BindEnv("port", "PORT")
	v.BindEnv("experiment_id", "EXPERIMENT_ID")
	v.BindEnv("data_dir", "DATA_DIR")
	v.BindEnv("log_level", "LOG_LEVEL")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine when everything needed comes from env;
		// an unreadable or malformed one is not.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
		if configPath != "" {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("data_dir", "data")
	v.SetDefault("log_level", "info")

	v.SetDefault("needs_pyodide", false)
	v.SetDefault("pyodide_load_timeout", 60*time.Second)
	v.SetDefault("entry_screening", true)

	v.SetDefault("reconnection_grace", 30*time.Second)

	v.SetDefault("waitroom_timeout", 5*time.Minute)
	v.SetDefault("max_server_rtt_ms", 0)
	v.SetDefault("max_p2p_rtt_ms", 0)
	v.SetDefault("probe_timeout", 10*time.Second)

	v.SetDefault("state_broadcast_interval", 1)
	v.SetDefault("input_buffer_size", 64)
	v.SetDefault("input_delay_frames", 0)

	v.SetDefault("mailbox_size", 256)
	v.SetDefault("send_timeout", 500*time.Millisecond)
	v.SetDefault("ping_interval", 15*time.Second)
}
