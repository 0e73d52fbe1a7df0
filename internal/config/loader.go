package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/openatlas/trail/internal/db"
	"github.com/openatlas/trail/internal/tracker"
)

// Config is the full server configuration.
type Config struct {
	Database   db.Config
	Tracker    tracker.Config
	ServerAddr string
	Migrations string
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		Database:   db.DefaultConfig(),
		ServerAddr: ":8080",
		Migrations: "migrations",
	}
}

// Load reads config.yaml from configPath, with environment overrides under
// the TRAIL prefix (TRAIL_DATABASE_HOST and so on).
func Load(configPath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvPrefix("TRAIL")

	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("server.addr")
	v.BindEnv("server.migrations")
	v.BindEnv("storage.reuses_ids")

	if err := v.ReadInConfig(); err != nil {
		fmt.Println("No config.yaml found, using defaults and env vars")
	} else {
		fmt.Println("Loaded config.yaml")
	}

	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("server.addr") {
		cfg.ServerAddr = v.GetString("server.addr")
	}
	if v.IsSet("server.migrations") {
		cfg.Migrations = v.GetString("server.migrations")
	}
	if v.IsSet("storage.reuses_ids") {
		cfg.Tracker.StorageReusesIDs = v.GetBool("storage.reuses_ids")
	}

	return cfg, nil
}
