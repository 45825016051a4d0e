package serv

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dosco/docbridge/core"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Configuration for a docbridge client
type Config struct {
	// Options passed to the storage engine
	Core core.Options `mapstructure:"core" json:"core" yaml:"core"`

	// Configuration for the process using the client
	Serv `mapstructure:",squash"`

	viper *viper.Viper
}

type Serv struct {
	// Application name is used in log messages and as the driver app name
	AppName string `mapstructure:"app_name" json:"app_name" yaml:"app_name"`

	// When enabled logs default to JSON
	Production bool `mapstructure:"production" json:"production" yaml:"production"`

	// The default path to find all configuration files
	ConfigPath string `mapstructure:"config_path" json:"config_path" yaml:"config_path"`

	// Logging level must be one of debug, error, warn, info
	LogLevel string `mapstructure:"log_level" json:"log_level" yaml:"log_level"`

	// Logging Format: "auto" (default, console in dev, JSON in production),
	// "json" (always JSON), or "simple" (always console)
	LogFormat string `mapstructure:"log_format" json:"log_format" yaml:"log_format"`

	// Database connection
	DB Database `mapstructure:"database" json:"database" yaml:"database"`
}

// Database configuration. ConnString wins over the individual fields.
type Database struct {
	ConnString string `mapstructure:"connection_string" json:"connection_string" yaml:"connection_string"`

	// One of postgres, sqlite or mongodb
	Type     string `mapstructure:"type" json:"type" yaml:"type"`
	Host     string `mapstructure:"host" json:"host" yaml:"host"`
	Port     uint16 `mapstructure:"port" json:"port" yaml:"port"`
	DBName   string `mapstructure:"dbname" json:"dbname" yaml:"dbname"`
	User     string `mapstructure:"user" json:"user" yaml:"user"`
	Password string `mapstructure:"password" json:"-" yaml:"-"`

	// Postgres sslmode, for example disable or require
	SSLMode string `mapstructure:"sslmode" json:"sslmode" yaml:"sslmode"`

	// Sqlite database file. Empty means an in-memory database.
	Path string `mapstructure:"path" json:"path" yaml:"path"`
}

// ReadInConfig reads the config file for the environment named by GO_ENV.
// Environment variables prefixed DOCBRIDGE_ override file values, for
// example DOCBRIDGE_DATABASE_HOST.
func ReadInConfig(configFile string) (*Config, error) {
	return readInConfig(configFile, nil)
}

// ReadInConfigFS is the same as ReadInConfig but reads from fs.
func ReadInConfigFS(configFile string, fs afero.Fs) (*Config, error) {
	return readInConfig(configFile, fs)
}

func readInConfig(configFile string, fs afero.Fs) (*Config, error) {
	cp := filepath.Dir(configFile)
	vi := newViper(cp, filepath.Base(configFile))

	if fs != nil {
		vi.SetFs(fs)
	}

	if err := vi.ReadInConfig(); err != nil {
		return nil, err
	}

	if pcf := vi.GetString("inherits"); pcf != "" {
		cf := vi.ConfigFileUsed()
		vi = newViper(cp, pcf)
		if fs != nil {
			vi.SetFs(fs)
		}

		if err := vi.ReadInConfig(); err != nil {
			return nil, err
		}

		if value := vi.GetString("inherits"); value != "" {
			return nil, fmt.Errorf("inherited config '%s' cannot itself inherit '%s'", pcf, value)
		}

		vi.SetConfigFile(cf)

		if err := vi.MergeInConfig(); err != nil {
			return nil, err
		}
	}

	c := &Config{viper: vi}
	if err := vi.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}
	if c.ConfigPath == "" {
		c.ConfigPath = cp
	}
	return c, nil
}

// NewConfig creates a configuration from the provided config string.
func NewConfig(config, format string) (*Config, error) {
	if format == "" {
		format = "yaml"
	}

	vi := newViperWithDefaults()
	vi.SetConfigType(format)

	if err := vi.ReadConfig(strings.NewReader(config)); err != nil {
		return nil, err
	}

	c := &Config{viper: vi}
	if err := vi.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}
	return c, nil
}

// newViperWithDefaults returns a new viper instance with the default settings
func newViperWithDefaults() *viper.Viper {
	vi := viper.New()

	vi.SetDefault("app_name", "docbridge")
	vi.SetDefault("log_level", "info")
	vi.SetDefault("log_format", "auto")

	vi.SetDefault("database.type", core.BackendSQLite)
	vi.SetDefault("database.host", "localhost")

	vi.SetDefault("core.batch_size", 100)
	vi.SetDefault("core.retry_attempts", 5)
	vi.SetDefault("core.connect_timeout", "10s")

	vi.SetDefault("env", "development")
	vi.BindEnv("env", "GO_ENV") //nolint:errcheck

	vi.SetEnvPrefix("DOCBRIDGE")
	vi.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vi.AutomaticEnv()

	return vi
}

// newViper returns a new viper instance with the default settings
func newViper(configPath, configFile string) *viper.Viper {
	vi := newViperWithDefaults()
	vi.SetConfigName(strings.TrimSuffix(configFile, filepath.Ext(configFile)))

	if configPath == "" {
		vi.AddConfigPath("./config")
	} else {
		vi.AddConfigPath(configPath)
	}
	return vi
}

// URI returns the connection URI for the configured database.
func (c *Config) URI() (string, error) {
	d := c.DB
	if d.ConnString != "" {
		return d.ConnString, nil
	}

	switch strings.ToLower(d.Type) {
	case "", core.BackendSQLite:
		if d.Path == "" {
			return "sqlite::memory:", nil
		}
		return "sqlite://" + c.AbsolutePath(d.Path), nil

	case core.BackendPostgres, "postgresql":
		u := url.URL{
			Scheme: "postgres",
			Host:   hostPort(d.Host, d.Port, 5432),
			Path:   "/" + d.DBName,
		}
		if d.User != "" {
			u.User = url.UserPassword(d.User, d.Password)
		}
		q := url.Values{}
		if d.SSLMode != "" {
			q.Set("sslmode", d.SSLMode)
		}
		if c.AppName != "" {
			q.Set("application_name", c.AppName)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil

	case core.BackendMongo:
		u := url.URL{
			Scheme: "mongodb",
			Host:   hostPort(d.Host, d.Port, 27017),
			Path:   "/" + d.DBName,
		}
		if d.User != "" {
			u.User = url.UserPassword(d.User, d.Password)
		}
		if c.AppName != "" {
			u.RawQuery = url.Values{"appName": {c.AppName}}.Encode()
		}
		return u.String(), nil
	}
	return "", fmt.Errorf("unsupported database type %q: supported types are postgres, sqlite, mongodb", d.Type)
}

// hostPort joins host and port, replacing a port left at another backend's
// default.
func hostPort(host string, port, def uint16) string {
	if port == 0 || (port == 5432 && def != 5432) {
		port = def
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// AbsolutePath returns p relative to the config path unless already
// absolute.
func (c *Config) AbsolutePath(p string) string {
	if filepath.IsAbs(p) || c.ConfigPath == "" {
		return p
	}
	return filepath.Join(c.ConfigPath, p)
}

// ShouldUseJSONLogs returns true if log_format is "json" or if it is "auto"
// and production mode is enabled.
func (c *Config) ShouldUseJSONLogs() bool {
	if c.LogFormat == "json" {
		return true
	}
	if c.LogFormat == "auto" && c.Production {
		return true
	}
	return false
}

// GetConfigName returns the config file name for the GO_ENV environment.
func GetConfigName() string {
	goEnv := strings.TrimSpace(strings.ToLower(os.Getenv("GO_ENV")))

	switch goEnv {
	case "production", "prod":
		return "prod"

	case "staging", "stage":
		return "stage"

	case "testing", "test":
		return "test"

	case "development", "dev", "":
		return "dev"

	default:
		return goEnv
	}
}
