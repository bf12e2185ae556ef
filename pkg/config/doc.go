// Package config loads atlas process configuration.
//
// Values come from built-in defaults, then an optional YAML file named by
// ATLAS_CONFIG_FILE, then ATLAS_* environment variables. The result is
// validated before it is returned.
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout)
//
// Common variables:
//
//	ATLAS_PORT, ATLAS_HEALTH_PORT       HTTP and probe ports
//	ATLAS_REDIS_URL                     shared store
//	ATLAS_DOCSTORE_BACKEND              postgres or memory
//	ATLAS_POSTGRES_URL                  document store DSN
//	ATLAS_WIRE_CODEC                    msgpack or json
//	ATLAS_OIDC_ISSUER                   bearer token issuer
//	ATLAS_SCILOG_URL, ATLAS_SCILOG_TOKEN logbook sync
package config
