// Package config loads the AgentPay runtime configuration from a JSON or YAML
// file, fills in defaults, and applies environment overrides for secrets.
package config
