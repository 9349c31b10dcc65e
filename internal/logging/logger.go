package logging

import (
	"os"
	"time"

	"github.com/charmbracelet/log"
)

var (
	Storage  = newLogger("storage")
	Payments = newLogger("payments")
	Ledger   = newLogger("ledger")
	Internal = newLogger("internal")
	HTTP     = newLogger("http")
)

func newLogger(prefix string) *log.Logger {
	return log.NewWithOptions(os.Stdout, log.Options{
		Prefix:          prefix,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		TimeFunction:    log.NowUTC,
	})
}

// SetLevel applies a level name ("debug", "info", "warn", "error") to every subsystem logger.
func SetLevel(name string) error {
	level, err := log.ParseLevel(name)
	if err != nil {
		return err
	}
	for _, l := range []*log.Logger{Storage, Payments, Ledger, Internal, HTTP} {
		l.SetLevel(level)
	}
	return nil
}
