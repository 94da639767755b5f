package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// Subsystem tags of the loggers handed to each package.
const (
	subsysMain    = "MAIN"
	subsysRouter  = "ROUT"
	subsysCatalog = "CTLG"
	subsysDriver  = "MDRV"
	subsysBridge  = "BRDG"
	subsysConsole = "CONS"
)

var subsystems = []string{subsysMain, subsysRouter, subsysCatalog,
	subsysDriver, subsysBridge, subsysConsole}

type logBackend struct {
	stdOut          io.Writer
	logRotator      *rotator.Rotator
	bknd            *slog.Backend
	defaultLogLevel slog.Level
	logLevels       map[string]slog.Level
	loggers         map[string]slog.Logger
}

// newLogBackend creates the backend shared by every subsystem logger.
// debugLevel is either a level or a comma separated list of subsys=level
// pairs. A nil stdOut only logs to the file.
func newLogBackend(logFile, debugLevel string, stdOut io.Writer) (*logBackend, error) {
	var logRotator *rotator.Rotator
	if logFile != "" {
		logDir, _ := filepath.Split(logFile)
		err := os.MkdirAll(logDir, 0o700)
		if err != nil {
			return nil, fmt.Errorf("failed to create log directory: %v", err)
		}
		logRotator, err = rotator.New(logFile, 1024, false, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to create file rotator: %v", err)
		}
	}

	b := &logBackend{
		stdOut:          stdOut,
		logRotator:      logRotator,
		defaultLogLevel: slog.LevelInfo,
		logLevels:       make(map[string]slog.Level),
		loggers:         make(map[string]slog.Logger),
	}
	b.bknd = slog.NewBackend(b)

	for _, v := range strings.Split(debugLevel, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		fields := strings.Split(v, "=")
		switch len(fields) {
		case 1:
			level, ok := slog.LevelFromString(fields[0])
			if !ok {
				return nil, fmt.Errorf("unknown log level %q", fields[0])
			}
			b.defaultLogLevel = level
		case 2:
			if !validSubsys(fields[0]) {
				return nil, fmt.Errorf("unknown subsystem %q (valid: %s)",
					fields[0], strings.Join(subsystems, ","))
			}
			level, ok := slog.LevelFromString(fields[1])
			if !ok {
				return nil, fmt.Errorf("unknown log level %q", fields[1])
			}
			b.logLevels[fields[0]] = level
		default:
			return nil, fmt.Errorf("unable to parse %q as subsys=level "+
				"debuglevel string", v)
		}
	}

	return b, nil
}

func validSubsys(subsys string) bool {
	for _, s := range subsystems {
		if s == subsys {
			return true
		}
	}
	return false
}

func (bknd *logBackend) Write(b []byte) (int, error) {
	if bknd.stdOut != nil {
		bknd.stdOut.Write(b)
	}
	if bknd.logRotator != nil {
		bknd.logRotator.Write(b)
	}
	return len(b), nil
}

func (bknd *logBackend) logger(subsys string) slog.Logger {
	if l, ok := bknd.loggers[subsys]; ok {
		return l
	}

	l := bknd.bknd.Logger(subsys)
	bknd.loggers[subsys] = l
	if level, ok := bknd.logLevels[subsys]; ok {
		l.SetLevel(level)
	} else {
		l.SetLevel(bknd.defaultLogLevel)
	}
	return l
}

func (bknd *logBackend) Close() error {
	if bknd.logRotator != nil {
		return bknd.logRotator.Close()
	}
	return nil
}
