// Package config provides centralized configuration management for the HODL
// Engine runtime. It loads a single JSON file, resolves relative paths
// against the file's directory, and fills in defaults for omitted fields.
package config
