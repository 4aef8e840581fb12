// Package config loads and validates the hub configuration.
//
// Configuration comes from a YAML file with HEARTH_* environment
// variable overrides on top; secrets (broker password, InfluxDB token)
// should come from the environment rather than the file. Loading
// happens once at startup.
package config
