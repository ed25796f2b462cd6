package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is the typed kernel configuration.
//
// Values come from the process environment first, then from the .env files
// given to Load, later files overriding earlier ones. The same layering backs
// Lookup, which feeds %env()% placeholders in service definitions.
type Config struct {
	AppName     string
	Environment string // dev | test | prod
	Debug       bool
	Secret      string

	LogLevel  string // debug | info | warn | error
	LogFormat string // json | console

	// DebugAddr is the listen address of the inspection server. Empty
	// disables it.
	DebugAddr string

	ServicesFile  string
	StrictClasses bool

	files map[string]string
}

// Load reads the given .env files (".env" and ".env.local" by default) and
// builds a Config. Missing files are skipped.
//
//	cfg, err := config.Load()
func Load(envFiles ...string) (*Config, error) {
	files := envFiles
	if len(files) == 0 {
		files = []string{".env", ".env.local"}
	}

	values := map[string]string{}
	for _, f := range files {
		m, err := godotenv.Read(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", f, err)
		}
		for k, v := range m {
			values[k] = v
		}
	}
	return FromMap(values), nil
}

// FromMap builds a Config from file values layered under the process
// environment.
func FromMap(values map[string]string) *Config {
	c := &Config{files: values}
	c.AppName = c.Get("APP_NAME", "app")
	c.Environment = c.Get("APP_ENV", "dev")
	c.Debug = c.GetBool("APP_DEBUG", c.Environment != "prod")
	c.Secret = c.Get("APP_SECRET", "")

	defaultLevel := "info"
	if c.Debug {
		defaultLevel = "debug"
	}
	c.LogLevel = c.Get("LOG_LEVEL", defaultLevel)
	c.LogFormat = c.Get("LOG_FORMAT", "json")

	c.DebugAddr = c.Get("CONTAINER_DEBUG_ADDR", "")
	c.ServicesFile = c.Get("CONTAINER_SERVICES", "config/services.yaml")
	c.StrictClasses = c.GetBool("CONTAINER_STRICT", true)
	return c
}

// Lookup returns the value of name from the process environment or the
// loaded files.
func (c *Config) Lookup(name string) (string, bool) {
	if v, ok := os.LookupEnv(name); ok {
		return v, true
	}
	v, ok := c.files[name]
	return v, ok
}

// Get returns a raw env value, falling back to defaultVal when unset or empty.
func (c *Config) Get(key, defaultVal string) string {
	if v, ok := c.Lookup(key); ok && v != "" {
		return v
	}
	return defaultVal
}

// GetInt returns an int env value.
func (c *Config) GetInt(key string, defaultVal int) int {
	i, err := strconv.Atoi(c.Get(key, ""))
	if err != nil {
		return defaultVal
	}
	return i
}

// GetBool returns a bool env value.
func (c *Config) GetBool(key string, defaultVal bool) bool {
	b, err := strconv.ParseBool(c.Get(key, ""))
	if err != nil {
		return defaultVal
	}
	return b
}
