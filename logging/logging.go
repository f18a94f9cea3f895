// Package logging provides the leveled, structured logger shared by every
// component of the relay, along with helpers for choosing where log output goes.
package logging

import (
	"io"
	"os"
)

// Logger is the interface components accept for trace and diagnostic logs.
//
// The plain and f variants mirror the fmt package. The w variants take a
// message followed by alternating key value pairs which are emitted as
// structured fields.
type Logger interface {
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Debugw(message string, keysAndValues ...interface{})
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Infow(message string, keysAndValues ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Warnw(message string, keysAndValues ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Errorw(message string, keysAndValues ...interface{})
	Printf(format string, v ...interface{})
}

// LogWriter maps string values to io.Writer interfaces intended for logging output.
//
// This function is intended to provide a standard way of mapping environment-based
// configuration with various logging output writers. An empty string will default to
// standard out. stdout, stderr will send output to standard out and standard error
// respectively. /dev/null will discard the output. Any other string will provide
// a writer to a file at that location.
//
// When calling this function, it is a good idea to type assert for an io.Closer
// or similar and if assertion is successful properly close the log file on shutdown.
func LogWriter(writerString string) (io.Writer, error) {
	switch writerString {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "/dev/null":
		return io.Discard, nil
	default:
		return os.OpenFile(writerString, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	}
}
