// Package xlog is a thin leveled wrapper over the standard log
// package, gated by -v/-vv verbosity and a dedicated USB hex-dump
// channel, in the teacher's own log.Printf style.
package xlog

import (
	"encoding/hex"
	"log"
	"os"
)

// Level controls which calls actually print.
type Level int

const (
	LevelWarn Level = iota
	LevelInfo
	LevelDebug
)

// Logger wraps a stdlib *log.Logger with a level and a USB-dump toggle.
type Logger struct {
	level    Level
	debugUSB bool
	l        *log.Logger
}

// New builds a Logger writing to stderr, matching the teacher's
// default log destination.
func New(level Level, debugUSB bool) *Logger {
	return &Logger{
		level:    level,
		debugUSB: debugUSB,
		l:        log.New(os.Stderr, "", log.LstdFlags),
	}
}

// Warnf always prints.
func (lg *Logger) Warnf(format string, args ...any) {
	lg.l.Printf("WARN "+format, args...)
}

// Infof prints at -v and above.
func (lg *Logger) Infof(format string, args ...any) {
	if lg.level >= LevelInfo {
		lg.l.Printf("INFO "+format, args...)
	}
}

// Debugf prints at -vv and above.
func (lg *Logger) Debugf(format string, args ...any) {
	if lg.level >= LevelDebug {
		lg.l.Printf("DEBUG "+format, args...)
	}
}

// USBDump hex-dumps a raw packet when --debug-usb is set, regardless of
// the verbosity level, mirroring the teacher's "Sending TxTask packet:
// %x" style.
func (lg *Logger) USBDump(direction string, data []byte) {
	if !lg.debugUSB {
		return
	}
	lg.l.Printf("USB %s: %s", direction, hex.EncodeToString(data))
}

// ParseLevel maps a repeat count of -v flags to a Level.
func ParseLevel(verboseCount int) Level {
	switch {
	case verboseCount >= 2:
		return LevelDebug
	case verboseCount == 1:
		return LevelInfo
	default:
		return LevelWarn
	}
}
