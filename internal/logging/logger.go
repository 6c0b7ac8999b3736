// Package logging builds the logr.Logger handed to every component of the
// execution core. The backend is zap, bridged through controller-runtime.
package logging

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// levelNames is the closed set of levels callers may ask for. The execution
// core has no use for zap's panic/fatal tiers; failures travel as errors.
var levelNames = map[string]zapcore.Level{
	"debug":   zapcore.DebugLevel,
	"info":    zapcore.InfoLevel,
	"warn":    zapcore.WarnLevel,
	"warning": zapcore.WarnLevel,
	"error":   zapcore.ErrorLevel,
}

// New returns a logger filtering at the named level. An empty level means
// info; debug additionally switches to the development (console) encoding.
func New(level string) (logr.Logger, error) {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "" {
		name = "info"
	}
	zapLevel, ok := levelNames[name]
	if !ok {
		return logr.Logger{}, fmt.Errorf("unknown log level %q (expected debug, info, warn, or error)", level)
	}
	atomic := zap.NewAtomicLevelAt(zapLevel)
	opts := crzap.Options{
		Level:       &atomic,
		Development: zapLevel == zapcore.DebugLevel,
	}
	return crzap.New(crzap.UseFlagOptions(&opts)), nil
}

// Discard returns a logger that drops everything. Default for callers that
// did not wire logging yet.
func Discard() logr.Logger {
	return logr.Discard()
}
