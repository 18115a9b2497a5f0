// Package config loads the proxy's YAML configuration: listener ports and
// the per-protocol route table, with environment-variable substitution and
// file-watch hot-reload.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the top-level proxy configuration.
type Config struct {
	Listen ListenConfig `yaml:"listen"`
	Routes RoutesConfig `yaml:"routes"`
}

// ListenConfig defines the ports and bind address the proxy listens on.
type ListenConfig struct {
	PostgresPort  int    `yaml:"postgres_port"`
	CassandraPort int    `yaml:"cassandra_port"`
	MongoPort     int    `yaml:"mongo_port"`
	APIPort       int    `yaml:"api_port"`
	APIBind       string `yaml:"api_bind"`
}

// RoutesConfig holds the per-protocol route tables.
type RoutesConfig struct {
	Postgres  map[string]PostgresRoute  `yaml:"postgres"`
	Cassandra map[string]CassandraRoute `yaml:"cassandra"`
	Mongo     *MongoRoute               `yaml:"mongo"`
}

// MongoRoute is the single passthrough backend target for the MongoDB
// listener. Unlike the Postgres/Cassandra route tables, there is no
// per-session routing here: the MongoDB engine is an out-of-scope
// byte-passthrough (see internal/mongowire), so one static backend address
// is all it needs. A nil MongoRoute leaves the MongoDB listener disabled.
type MongoRoute struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// PostgresRoute is a single PostgreSQL route, keyed by database name in
// RoutesConfig.Postgres ("*" is the wildcard fallback).
type PostgresRoute struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	BackendUser      string `yaml:"backend_user"`
	BackendDatabase  string `yaml:"backend_database"`
	CACert           string `yaml:"ca_cert"`
	ServerName       string `yaml:"server_name"`
	KRB5TicketCache  string `yaml:"krb5_ticket_cache"`
	KRB5Config       string `yaml:"krb5_config"`
	ClientPrincipal  string `yaml:"client_principal"`
	ServicePrincipal string `yaml:"service_principal"`
}

// CassandraRoute is a single Cassandra route, keyed by an operator-chosen
// name in RoutesConfig.Cassandra. Cassandra sessions carry no target name;
// every session is proxied through the route keyed "default".
type CassandraRoute struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	KRB5TicketCache  string `yaml:"krb5_ticket_cache"`
	KRB5Config       string `yaml:"krb5_config"`
	ClientPrincipal  string `yaml:"client_principal"`
	ServicePrincipal string `yaml:"service_principal"`
	ExpectedUsername string `yaml:"expected_username"`
	ValidateUsername bool   `yaml:"validate_username"`
}

// Redacted returns a copy of cfg safe to log: route fields that name
// filesystem paths to credential material are kept (paths are not secrets
// themselves), but this hook exists so a future field that does carry a
// secret inline has one place to mask it.
func (c Config) Redacted() Config {
	return c
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} occurrences with the named
// environment variable's value, leaving the placeholder untouched when the
// variable is unset.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(name)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file at path, substituting ${VAR}
// environment references before unmarshalling.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.PostgresPort == 0 {
		cfg.Listen.PostgresPort = 6432
	}
	if cfg.Listen.CassandraPort == 0 {
		cfg.Listen.CassandraPort = 9142
	}
	if cfg.Listen.MongoPort == 0 {
		cfg.Listen.MongoPort = 27117
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}

	for key, route := range cfg.Routes.Postgres {
		if route.ServicePrincipal == "" {
			route.ServicePrincipal = "postgres/" + route.Host
			cfg.Routes.Postgres[key] = route
		}
	}
	for key, route := range cfg.Routes.Cassandra {
		if route.ServicePrincipal == "" {
			route.ServicePrincipal = "cassandra/" + route.Host
			cfg.Routes.Cassandra[key] = route
		}
	}
}

func validate(cfg *Config) error {
	for key, route := range cfg.Routes.Postgres {
		if route.Host == "" {
			return fmt.Errorf("postgres route %q: host is required", key)
		}
		if route.Port == 0 {
			return fmt.Errorf("postgres route %q: port is required", key)
		}
		if route.ClientPrincipal == "" {
			return fmt.Errorf("postgres route %q: client_principal is required", key)
		}
	}
	for key, route := range cfg.Routes.Cassandra {
		if route.Host == "" {
			return fmt.Errorf("cassandra route %q: host is required", key)
		}
		if route.Port == 0 {
			return fmt.Errorf("cassandra route %q: port is required", key)
		}
		if route.ClientPrincipal == "" {
			return fmt.Errorf("cassandra route %q: client_principal is required", key)
		}
	}
	if cfg.Routes.Mongo != nil {
		if cfg.Routes.Mongo.Host == "" {
			return fmt.Errorf("mongo route: host is required")
		}
		if cfg.Routes.Mongo.Port == 0 {
			return fmt.Errorf("mongo route: port is required")
		}
	}
	return nil
}
