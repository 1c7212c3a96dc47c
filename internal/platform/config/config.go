// Package config loads process configuration and reports fatal startup
// errors for collaboration commands.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/caarlos0/env/v11"
)

// ParseEnv fills the env-tagged fields of target, applying envDefault values
// for unset variables. Malformed values are reported together.
func ParseEnv(target any) error {
	if target == nil {
		return errors.New("config target is required")
	}
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Exitf writes a formatted message to stderr and exits with status 1.
func Exitf(format string, args ...any) {
	exitf(os.Stderr, os.Exit, format, args...)
}

func exitf(w io.Writer, exit func(int), format string, args ...any) {
	_, _ = fmt.Fprintf(w, format+"\n", args...)
	exit(1)
}
