// internal/logging/logging.go

package logging

import (
	"os"

	log "github.com/sirupsen/logrus"
)

const levelEnv = "RDEV_LOG_LEVEL"

// Setup configures the global logger. The level comes from RDEV_LOG_LEVEL
// (debug, info, warning, error); unset or unparsable falls back to info.
func Setup() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	level := log.InfoLevel
	if raw := os.Getenv(levelEnv); raw != "" {
		if parsed, err := log.ParseLevel(raw); err == nil {
			level = parsed
		} else {
			log.Warnf("unknown log level %q, using info", raw)
		}
	}
	log.SetLevel(level)
}

// Component returns a logger tagged with the originating component name.
func Component(name string) *log.Entry {
	return log.WithField("component", name)
}
