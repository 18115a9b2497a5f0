package config

import (
	"fmt"

	"github.com/krbdbproxy/krbdbproxy/internal/router"
)

// PostgresRoutes converts the configured Postgres route table into
// router.Route values keyed exactly as configured, reporting the wildcard
// key ("*") as the default key if present.
func (c Config) PostgresRoutes() (routes []router.Route, defaultKey string) {
	for key, pr := range c.Routes.Postgres {
		routes = append(routes, router.Route{
			Key:                  key,
			Host:                 pr.Host,
			Port:                 pr.Port,
			BackendUser:          pr.BackendUser,
			BackendDatabase:      pr.BackendDatabase,
			TLSEnabled:           true,
			CACertPath:           pr.CACert,
			ServerName:           pr.ServerName,
			ClientPrincipal:      pr.ClientPrincipal,
			KRB5ConfigPath:       pr.KRB5Config,
			CCachePath:           pr.KRB5TicketCache,
			ServicePrincipalName: pr.ServicePrincipal,
		})
	}
	if _, ok := c.Routes.Postgres["*"]; ok {
		defaultKey = "*"
	}
	return routes, defaultKey
}

// CassandraRoutes converts the configured Cassandra route table into
// router.Route values, reporting "default" as the default key if present.
func (c Config) CassandraRoutes() (routes []router.Route, defaultKey string) {
	for key, cr := range c.Routes.Cassandra {
		routes = append(routes, router.Route{
			Key:                  key,
			Host:                 cr.Host,
			Port:                 cr.Port,
			ClientPrincipal:      cr.ClientPrincipal,
			KRB5ConfigPath:       cr.KRB5Config,
			CCachePath:           cr.KRB5TicketCache,
			ServicePrincipalName: cr.ServicePrincipal,
			ValidateUsername:     cr.ValidateUsername,
			BackendUser:          cr.ExpectedUsername,
		})
	}
	if _, ok := c.Routes.Cassandra["default"]; ok {
		defaultKey = "default"
	}
	return routes, defaultKey
}

// MongoTarget returns the "host:port" dial address for the MongoDB
// passthrough listener, and false if no mongo route is configured (in
// which case the listener should not be started at all).
func (c Config) MongoTarget() (addr string, ok bool) {
	if c.Routes.Mongo == nil {
		return "", false
	}
	return fmt.Sprintf("%s:%d", c.Routes.Mongo.Host, c.Routes.Mongo.Port), true
}
