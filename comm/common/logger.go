package common

import (
	"fmt"
	"github.com/lni/dragonboat/v4/logger"
	"io"
	"log"
	"os"
	"strings"
)

// LoggerNames lists every logger used by the dComm packages
var LoggerNames = []string{
	"core",
	"transport",
	"healthcheck",
	"cmd",
}

// levelTags maps the supported levels to the tag printed in front of each line
var levelTags = map[logger.LogLevel]string{
	logger.DEBUG:   "DEBUG",
	logger.INFO:    "INFO",
	logger.WARNING: "WARN",
	logger.ERROR:   "ERROR",
}

// --------------------------------------------------------------------------
// Line Logger (satisfies dragonboat's logger.ILogger)
// --------------------------------------------------------------------------

// lineLogger writes one "<level> | <package> | <message>" line per entry
type lineLogger struct {
	pkg   string
	level logger.LogLevel
	out   *log.Logger
}

func (l *lineLogger) SetLevel(level logger.LogLevel) { l.level = level }

func (l *lineLogger) Debugf(format string, args ...interface{}) {
	l.write(logger.DEBUG, format, args)
}

func (l *lineLogger) Infof(format string, args ...interface{}) {
	l.write(logger.INFO, format, args)
}

func (l *lineLogger) Warningf(format string, args ...interface{}) {
	l.write(logger.WARNING, format, args)
}

func (l *lineLogger) Errorf(format string, args ...interface{}) {
	l.write(logger.ERROR, format, args)
}

// Panicf always panics, the level only decides whether the line is printed first
func (l *lineLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if l.level >= logger.CRITICAL {
		l.out.Printf("%-5s | %-12s | %s", "PANIC", l.pkg, msg)
	}
	panic(msg)
}

func (l *lineLogger) write(level logger.LogLevel, format string, args []interface{}) {
	if l.level < level {
		return
	}
	l.out.Printf("%-5s | %-12s | %s", levelTags[level], l.pkg, fmt.Sprintf(format, args...))
}

// --------------------------------------------------------------------------
// Factory
// --------------------------------------------------------------------------

// NewLoggerFactory returns a dragonboat logger.Factory whose loggers write to w
func NewLoggerFactory(w io.Writer) logger.Factory {
	out := log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	return func(pkg string) logger.ILogger {
		return &lineLogger{pkg: pkg, level: logger.INFO, out: out}
	}
}

// ParseLogLevel maps debug, info, warn(ing) and error to a logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "warning" {
		name = "warn"
	}
	for lvl, tag := range levelTags {
		if strings.ToLower(tag) == name {
			return lvl, nil
		}
	}
	return logger.INFO, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", level)
}

// InitLoggers installs the stdout factory and sets the level of every dComm logger
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	logger.SetLoggerFactory(NewLoggerFactory(os.Stdout))

	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
