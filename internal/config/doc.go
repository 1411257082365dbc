// Package config loads the AgentHub YAML configuration, applies defaults and
// environment overrides for secrets, and validates backend combinations.
package config
