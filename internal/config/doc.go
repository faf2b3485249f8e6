// Package config loads glint.json and GLINT_* environment overrides and
// translates them into the state and live package configurations.
package config
