// Package config provides configuration loading and validation for the media
// task orchestrator. Configuration is YAML; keys missing from the file keep
// the values from Default.
package config
