// Package config defines the YAML configuration for a gateway
// instance. Values load from a file with ${VAR} environment expansion,
// then defaults fill the gaps and validation rejects what remains
// inconsistent.
package config
