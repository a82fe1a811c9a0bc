package core

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Debug        bool
		TestMode     bool
		AppName      string
		Build        string
		Env          string
		Host         string
		RollbarToken string

		API      APIConfig
		Database DatabaseConfig
	}

	APIConfig struct {
		BaseURL        string
		LoginPath      string
		LogoutPath     string
		RefreshPath    string
		RequestTimeout time.Duration
		DedupeRefresh  bool
		RefreshRate    float64 // refreshes per second; 0 disables limiting
		RefreshBurst   int
	}

	DatabaseConfig struct {
		Path string
	}
)

// Endpoint joins `path` onto the configured API base URL.
func (c APIConfig) Endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func NewConfig() *Config {
	conf := viper.New()

	// defaults
	conf.SetTypeByDefaultValue(true)
	conf.SetDefault("debug", false)
	conf.SetDefault("appName", "MathsApp")
	conf.SetDefault("build", "dev")
	conf.SetDefault("apiBaseURL", "http://localhost:4000")
	conf.SetDefault("loginPath", "/auth/login")
	conf.SetDefault("logoutPath", "/auth/logout")
	conf.SetDefault("refreshPath", "/users/refresh")
	conf.SetDefault("requestTimeout", 15*time.Second)
	conf.SetDefault("dedupeRefresh", true)
	conf.SetDefault("refreshRate", 0.0)
	conf.SetDefault("refreshBurst", 1)
	conf.SetDefault("dbPath", filepath.Join(userConfigDir(), "mathsapp", "session.db"))
	conf.SetDefault("rollbarToken", "")

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		conf.SetDefault("testMode", true)
	}
	conf.SetEnvPrefix(env)

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join("config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	conf.AutomaticEnv()

	host, _ := os.Hostname()

	return &Config{
		Debug:        conf.GetBool("debug"),
		TestMode:     conf.GetBool("testMode"),
		AppName:      conf.GetString("appName"),
		Build:        conf.GetString("build"),
		Env:          env,
		Host:         host,
		RollbarToken: conf.GetString("rollbarToken"),
		API: APIConfig{
			BaseURL:        conf.GetString("apiBaseURL"),
			LoginPath:      conf.GetString("loginPath"),
			LogoutPath:     conf.GetString("logoutPath"),
			RefreshPath:    conf.GetString("refreshPath"),
			RequestTimeout: conf.GetDuration("requestTimeout"),
			DedupeRefresh:  conf.GetBool("dedupeRefresh"),
			RefreshRate:    conf.GetFloat64("refreshRate"),
			RefreshBurst:   conf.GetInt("refreshBurst"),
		},
		Database: DatabaseConfig{
			Path: conf.GetString("dbPath"),
		},
	}
}

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}
