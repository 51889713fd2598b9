// Package log provides the go-logging backend shared by every AKM component.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const (
	LevelError   = "ERROR"
	LevelWarning = "WARNING"
	LevelNotice  = "NOTICE"
	LevelInfo    = "INFO"
	LevelDebug   = "DEBUG"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Backend is a leveled log backend that can be reopened for rotation.
type Backend struct {
	sync.RWMutex

	backend logging.LeveledBackend
	w       io.WriteCloser

	file    string
	level   string
	disable bool
}

// New initializes a backend writing to file, or stdout when file is empty.
func New(file, level string, disable bool) (*Backend, error) {
	b := &Backend{file: file, level: level, disable: disable}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

// Discard returns a backend that drops every record. Used by tests and
// library callers that bring no logging configuration.
func Discard() *Backend {
	b, err := New("", LevelError, true)
	if err != nil {
		panic(err)
	}
	return b
}

func (b *Backend) Log(level logging.Level, calldepth int, record *logging.Record) error {
	b.RLock()
	defer b.RUnlock()
	return b.backend.Log(level, calldepth, record)
}

func (b *Backend) GetLevel(module string) logging.Level {
	b.RLock()
	defer b.RUnlock()
	return b.backend.GetLevel(module)
}

func (b *Backend) SetLevel(level logging.Level, module string) {
	b.RLock()
	defer b.RUnlock()
	b.backend.SetLevel(level, module)
}

func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	b.RLock()
	defer b.RUnlock()
	return b.backend.IsEnabledFor(level, module)
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// Rotate reopens the log file; the daemon calls it on SIGHUP.
func (b *Backend) Rotate() error {
	b.Lock()
	defer b.Unlock()

	if err := b.w.Close(); err != nil {
		return err
	}
	return b.open()
}

func (b *Backend) open() error {
	lvl, err := ParseLevel(b.level)
	if err != nil {
		return err
	}

	switch {
	case b.disable:
		b.w = nopCloser{io.Discard}
	case b.file == "":
		b.w = nopCloser{os.Stdout}
	default:
		const fileMode = 0600
		f, err := os.OpenFile(b.file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, fileMode)
		if err != nil {
			return fmt.Errorf("log: failed to open log file: %v", err)
		}
		b.w = f
	}

	logFmt := logging.MustStringFormatter("%{time:15:04:05.000} %{level:.4s} %{module}: %{message}")
	base := logging.NewLogBackend(b.w, "", 0)
	b.backend = logging.AddModuleLevel(logging.NewBackendFormatter(base, logFmt))
	b.backend.SetLevel(lvl, "")
	return nil
}

// ParseLevel maps a level name to its go-logging value.
func ParseLevel(l string) (logging.Level, error) {
	switch strings.ToUpper(l) {
	case LevelError:
		return logging.ERROR, nil
	case LevelWarning:
		return logging.WARNING, nil
	case LevelNotice:
		return logging.NOTICE, nil
	case LevelInfo:
		return logging.INFO, nil
	case LevelDebug:
		return logging.DEBUG, nil
	default:
		return logging.CRITICAL, fmt.Errorf("log: invalid level: '%v'", l)
	}
}
