// Package logflags provides flag-gated, per-subsystem loggers for the
// controller. It is a direct port of the teacher's pkg/logflags: a
// package-level boolean per concern, a makeLogger helper that pins a
// disabled concern's level to PanicLevel so its calls are cheap no-ops,
// and a Setup entry point parsing a comma-separated concern list.
package logflags

import (
	"io"
	"io/ioutil"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var controller = false
var excserver = false
var wire = false
var breakpointFlag = false
var colorized = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Formatter = &logrus.TextFormatter{ForceColors: colorized, DisableColors: !colorized}
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Controller returns true if the controller package should log.
func Controller() bool { return controller }

// ControllerLogger returns a logger for the controller's event loop,
// interrupt path, and utility thread lifecycle.
func ControllerLogger() Logger {
	return buildLogger(controller, Fields{"layer": "controller"})
}

// ExcServer returns true if the exception server should log its receive
// loop.
func ExcServer() bool { return excserver }

// ExcServerLogger returns a logger for the exception port server thread.
func ExcServerLogger() Logger {
	return buildLogger(excserver, Fields{"layer": "excserver"})
}

// Wire returns true if the wire package should log every packet it frames
// and parses.
func Wire() bool { return wire }

// WireLogger returns a logger for the wire-protocol framer.
func WireLogger() Logger {
	return buildLogger(wire, Fields{"layer": "wire"})
}

// Breakpoint returns true if the breakpoint package should log installs
// and removals.
func Breakpoint() bool { return breakpointFlag }

// BreakpointLogger returns a logger for the breakpoint engine.
func BreakpointLogger() Logger {
	return buildLogger(breakpointFlag, Fields{"layer": "breakpoint"})
}

// Setup sets the package's per-concern flags based on the contents of
// logspec, a comma-separated list such as "controller,wire". If enabled
// is false, logging output is discarded entirely regardless of logspec.
// colorize is forwarded to every per-concern logger's text formatter, the
// way a terminal-detection check decides whether a CLI's own logger
// should emit ANSI color codes.
func Setup(enabled bool, logspec string, out io.Writer, colorize bool) {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	colorized = colorize
	if !enabled {
		log.SetOutput(ioutil.Discard)
		return
	}
	if out != nil {
		log.SetOutput(out)
	}
	if logspec == "" {
		logspec = "controller"
	}
	for _, concern := range strings.Split(logspec, ",") {
		switch strings.TrimSpace(concern) {
		case "controller":
			controller = true
		case "excserver":
			excserver = true
		case "wire":
			wire = true
		case "breakpoint":
			breakpointFlag = true
		}
	}
}
