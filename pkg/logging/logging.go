// Package logging wires structured, per-connection logging on top of
// github.com/sirupsen/logrus, grounded on nabbar-golib/logger (which
// wraps logrus as its backend) for the wiring style and on
// proxy/common/utils.py's setup_logger for the level scheme.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/relaymesh/goproxy/pkg/conn"
)

// Level mirrors the source's single-character level scheme
// (D/I/W/E/C), mapped onto logrus levels.
type Level string

const (
	LevelDebug Level = "D"
	LevelInfo  Level = "I"
	LevelWarn  Level = "W"
	LevelError Level = "E"
	LevelFatal Level = "C"
)

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelFatal:
		return logrus.FatalLevel
	default:
		return logrus.ErrorLevel
	}
}

// Setup configures the package-level logrus logger, mirroring
// setup_logger's file-or-stdout basicConfig behavior.
func Setup(logFile string, level Level) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetLevel(level.logrusLevel())
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var out io.Writer = os.Stdout
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		out = f
	}
	l.SetOutput(out)
	return l, nil
}

// ParseLevel accepts the source's case-insensitive first-letter
// scheme ("debug", "D", "info", ...).
func ParseLevel(s string) Level {
	if s == "" {
		return LevelInfo
	}
	switch strings.ToUpper(s[:1]) {
	case "D":
		return LevelDebug
	case "I":
		return LevelInfo
	case "W":
		return LevelWarn
	case "E":
		return LevelError
	case "C":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// ForConnection returns a per-connection entry tagged with the
// connection UUID, host, and tag (client/server), mirroring the
// handler.py call sites that log '%r' % self.client.connection.
func ForConnection(base *logrus.Logger, id uuid.UUID, tag conn.Tag, addr string) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"conn_id": id.String(),
		"tag":     string(tag),
		"addr":    addr,
	})
}
