// Package logging configures the process-wide zerolog logger.
package logging

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init points the global logger at stderr and applies the level. Stdout
// stays clean for command output.
func Init(app, level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("logging: bad level %q: %w", level, err)
	}

	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Str("app", app).Logger()
	zerolog.SetGlobalLevel(lvl)
	return nil
}
