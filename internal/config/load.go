package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "APPDATABACKUP"

const defaultShutdownTimeout = 5 * time.Second

// Load reads configuration from defaults, an optional file and APPDATABACKUP_*
// environment variables, in increasing precedence. A .env file in the working
// directory is loaded first on a best-effort basis.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()
	setDefaults(vp)

	resolved := resolveConfigPath(path)
	if resolved != "" {
		vp.SetConfigFile(resolved)
		if err := vp.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Bus.Dir = os.ExpandEnv(cfg.Bus.Dir)
	cfg.Cookies.Database = os.ExpandEnv(cfg.Cookies.Database)
	cfg.Cookies.ExportPath = os.ExpandEnv(cfg.Cookies.ExportPath)
	applyPostLoadDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Cookies.ExportInterval < 0 {
		return fmt.Errorf("cookies.export_interval must not be negative")
	}
	if c.Bus.ShutdownTimeout < 0 {
		return fmt.Errorf("bus.shutdown_timeout must not be negative")
	}
	return nil
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("log.level", "info")
	vp.SetDefault("log.format", "json")
	vp.SetDefault("bus.dir", "")
	vp.SetDefault("bus.shutdown_timeout", defaultShutdownTimeout.String())
	vp.SetDefault("backup.include_files", true)
	vp.SetDefault("backup.include_cookies", true)
	vp.SetDefault("cookies.database", "")
	vp.SetDefault("cookies.export_path", "")
	vp.SetDefault("cookies.export_interval", "0s")
}

func applyPostLoadDefaults(cfg *Config) {
	if cfg.Bus.ShutdownTimeout == 0 {
		cfg.Bus.ShutdownTimeout = defaultShutdownTimeout
	}
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if envPath := os.Getenv(envPrefix + "_CONFIG"); envPath != "" {
		return envPath
	}
	candidates := []string{
		"appdatabackupd.yaml",
		"appdatabackupd.yml",
		"appdatabackupd.toml",
		"appdatabackupd.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		for _, c := range candidates {
			p := filepath.Join(configDir, "appdatabackupd", c)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}
