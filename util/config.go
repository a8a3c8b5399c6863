package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "campusnet"
const ConfigFileName = "config.yaml"

const (
	BackendLocal    = "local"
	BackendSupabase = "supabase"
)

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host     string
		SshPort  int    `yaml:"sshPort"`
		HttpPort int    `yaml:"httpPort"`
		DbPath   string `yaml:"dbPath"`
		LogLevel string `yaml:"logLevel"`
		Backend  string
		Closed   bool `yaml:"closed"`
	}
	Supabase struct {
		Url         string
		AnonKey     string `yaml:"anonKey"`
		Email       string
		Password    string
		SessionFile string `yaml:"sessionFile"`
		AutoRefresh bool   `yaml:"autoRefresh"`
	}
	Realtime struct {
		HeartbeatSeconds    int `yaml:"heartbeatSeconds"`
		ReconnectMinMillis  int `yaml:"reconnectMinMillis"`
		ReconnectMaxSeconds int `yaml:"reconnectMaxSeconds"`
	}
}

func (c *AppConfig) Heartbeat() time.Duration {
	return time.Duration(c.Realtime.HeartbeatSeconds) * time.Second
}

func (c *AppConfig) ReconnectBounds() (time.Duration, time.Duration) {
	return time.Duration(c.Realtime.ReconnectMinMillis) * time.Millisecond,
		time.Duration(c.Realtime.ReconnectMaxSeconds) * time.Second
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// local directory first, then ~/.config/campusnet
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Info("Config file not found, using embedded defaults", "path", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Warn("Could not write default config", "path", userConfigPath, "err", writeErr)
			} else {
				log.Info("Created default config file", "path", userConfigPath)
			}
		}
	}

	if err = yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err = applyEnv(c); err != nil {
		return nil, err
	}

	if c.Conf.Backend == "" {
		c.Conf.Backend = BackendLocal
	}
	if c.Conf.Backend != BackendLocal && c.Conf.Backend != BackendSupabase {
		return nil, fmt.Errorf("unknown backend %q", c.Conf.Backend)
	}
	if c.Conf.Backend == BackendSupabase && (c.Supabase.Url == "" || c.Supabase.AnonKey == "") {
		return nil, fmt.Errorf("supabase backend needs url and anonKey")
	}

	return c, nil
}

func applyEnv(c *AppConfig) error {
	str := func(name string, dst *string) {
		if v := os.Getenv("CAMPUSNET_" + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v := os.Getenv("CAMPUSNET_" + name)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CAMPUSNET_%s: %w", name, err)
		}
		*dst = n
		return nil
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv("CAMPUSNET_" + name); v != "" {
			*dst = v == "true"
		}
	}

	str("HOST", &c.Conf.Host)
	str("DBPATH", &c.Conf.DbPath)
	str("LOGLEVEL", &c.Conf.LogLevel)
	str("BACKEND", &c.Conf.Backend)
	flag("CLOSED", &c.Conf.Closed)
	str("SUPABASE_URL", &c.Supabase.Url)
	str("SUPABASE_ANON_KEY", &c.Supabase.AnonKey)
	str("SUPABASE_EMAIL", &c.Supabase.Email)
	str("SUPABASE_PASSWORD", &c.Supabase.Password)
	str("SUPABASE_SESSION_FILE", &c.Supabase.SessionFile)
	flag("SUPABASE_AUTO_REFRESH", &c.Supabase.AutoRefresh)

	for name, dst := range map[string]*int{
		"SSHPORT":                &c.Conf.SshPort,
		"HTTPPORT":               &c.Conf.HttpPort,
		"REALTIME_HEARTBEAT":     &c.Realtime.HeartbeatSeconds,
		"REALTIME_RECONNECT_MIN": &c.Realtime.ReconnectMinMillis,
		"REALTIME_RECONNECT_MAX": &c.Realtime.ReconnectMaxSeconds,
	} {
		if err := num(name, dst); err != nil {
			return err
		}
	}
	return nil
}
