// Package config loads the bridge configuration.
//
// Values are layered: built-in defaults, then an optional YAML file read
// with viper, then QUORUMBRIDGE_* environment variables. Nested keys map
// to underscored names, so lifecycle.tick_interval is overridden by
// QUORUMBRIDGE_LIFECYCLE_TICK_INTERVAL.
package config
