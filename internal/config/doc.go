// Package config handles configuration loading for parley-gateway.
//
// # Configuration File
//
// The path comes from PARLEY_CONFIG, else $XDG_CONFIG_HOME/parley/gateway.yaml.
// Files ending in .toml are decoded as TOML; everything else is YAML. Both
// use the same keys.
//
// # Environment Variable Expansion
//
// Values can reference environment variables before decoding:
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//
// Unset variables expand to the empty string. PARLEY_DB_PATH, when set,
// overrides database.path after decoding.
//
// # Durations
//
// Duration values use time.ParseDuration syntax and must be positive:
//
//	realtime:
//	  op_timeout: "10s"
//	  dedupe_ttl: "10m"
//
// # Defaults
//
// Missing values fall back to the Default* constants; Validate then checks
// what cannot be defaulted, such as auth.jwt_secret (at least 32 bytes) and
// redis.url when the bridge is enabled.
package config
