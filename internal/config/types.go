package config

import "time"

// Config is the root configuration schema.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Bus     BusConfig     `mapstructure:"bus"`
	Backup  BackupConfig  `mapstructure:"backup"`
	Cookies CookiesConfig `mapstructure:"cookies"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type BusConfig struct {
	Dir             string        `mapstructure:"dir"` // empty means paths.BusDir()
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// BackupConfig sets the participant's inclusion flags. They are read once at
// startup.
type BackupConfig struct {
	IncludeFiles   bool `mapstructure:"include_files"`
	IncludeCookies bool `mapstructure:"include_cookies"`
}

type CookiesConfig struct {
	Database       string        `mapstructure:"database"`    // SQLite cookie store; empty disables export
	ExportPath     string        `mapstructure:"export_path"` // empty means the participant's default
	ExportInterval time.Duration `mapstructure:"export_interval"`
}
