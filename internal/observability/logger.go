package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Component returns the global logger tagged with a component name. It reads
// log.Logger on every call so loggers taken after logging.Configure pick up
// the configured writer.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
