// Package config loads and validates the cdffs configuration from YAML
// files and CDFFS_* environment variables, with sensible defaults for every
// recognized option.
package config
