package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var zapLevelMap = map[string]zapcore.Level{
	// Zap does not have a critical level, this just adjusts severity
	"CRITICAL": zapcore.ErrorLevel,
	"ERROR":    zapcore.ErrorLevel,
	"WARN":     zapcore.WarnLevel,
	"INFO":     zapcore.InfoLevel,
	"DEBUG":    zapcore.DebugLevel,
}

// ServiceLoggerConfig wraps configuration for a ServiceLogger.
type ServiceLoggerConfig struct {
	Output        string                 // Output is the location for logs to be written such as "stdout", see LogWriter
	ServiceName   string                 // ServiceName is the value for the "service" key
	Level         string                 // Level is the minimum logging level that will be output
	Format        string                 // Format is either "json" (default) or "console"
	InitialFields map[string]interface{} // InitialFields are logged with every message produced by this logger
}

// ServiceLogger is a zap backed Logger scoped to a single service.
type ServiceLogger struct {
	level       zap.AtomicLevel
	serviceName string
	*zap.SugaredLogger
}

// NewServiceLogger builds a ServiceLogger from the provided configuration,
// returning the logger and error (if any).
func NewServiceLogger(lc ServiceLoggerConfig) (*ServiceLogger, error) {
	writer, err := LogWriter(lc.Output)
	if err != nil {
		return nil, fmt.Errorf("opening log output %q: %w", lc.Output, err)
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.NameKey = "service"
	encoderConfig.MessageKey = "message"
	encoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	var encoder zapcore.Encoder
	if strings.EqualFold(lc.Format, "console") {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	core := zapcore.NewCore(encoder, zapcore.AddSync(writer), level)
	fields := make([]zap.Field, 0, len(lc.InitialFields))
	for key, value := range lc.InitialFields {
		fields = append(fields, zap.Any(key, value))
	}
	zapLogger := zap.New(core, zap.AddCaller(), zap.Fields(fields...)).Named(lc.ServiceName)
	logger := &ServiceLogger{
		level:         level,
		serviceName:   lc.ServiceName,
		SugaredLogger: zapLogger.Sugar(),
	}
	if lc.Level != "" {
		logger.SetLevel(lc.Level)
	}
	return logger, nil
}

// NewNopLogger returns a ServiceLogger that discards everything, for use in tests.
func NewNopLogger() *ServiceLogger {
	return &ServiceLogger{
		level:         zap.NewAtomicLevelAt(zapcore.FatalLevel),
		SugaredLogger: zap.NewNop().Sugar(),
	}
}

// SetLevel allows the log level of the ServiceLogger to be updated based on
// supported log level strings. These include in order:
//   - "CRITICAL"
//   - "ERROR"
//   - "WARN"
//   - "INFO"
//   - "DEBUG"
func (sl *ServiceLogger) SetLevel(level string) {
	zapLevel, exists := zapLevelMap[strings.ToUpper(level)]
	if !exists {
		sl.Warnf("Unknown logging level %q. Using ERROR instead.", level)
		zapLevel = zapLevelMap["ERROR"]
	}
	sl.level.SetLevel(zapLevel)
}

// ServiceName returns the name this logger was built for.
func (sl *ServiceLogger) ServiceName() string {
	return sl.serviceName
}

// Printf is equivalent to Infof and is included for interface compatibility reasons.
func (sl *ServiceLogger) Printf(format string, v ...interface{}) {
	sl.SugaredLogger.Infof(format, v...)
}

// Close flushes any buffered log entries.
func (sl *ServiceLogger) Close() {
	_ = sl.SugaredLogger.Sync()
}
