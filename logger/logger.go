// Package logger is the ambient logging surface for the engine: a pair of
// logrus loggers (info/error) with a custom single-line formatter that
// prints timestamp, level and calling file:function:line, the same shape
// the teacher's logger package produces.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	Logger      *logrus.Logger
	InfoLogger  *logrus.Logger
	ErrorLogger *logrus.Logger
)

// Config controls where each logger writes and at what level.
type Config struct {
	ErrorLogPath string
	InfoLogPath  string
	LogLevel     string
}

type formatter struct{}

func (formatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format("15:04:05 MST 2006/01/02")
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	return []byte(fmt.Sprintf("[%s] [%s] (%s) %s\n", timestamp, level, caller(), entry.Message)), nil
}

func caller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "/logrus/") || strings.Contains(file, "/logger.go") || strings.Contains(file, "sirupsen") {
			continue
		}
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), runtime.FuncForPC(pc).Name(), line)
	}
	return "unknown:unknown:0"
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// Init sets up the global loggers. Log file paths are optional; when unset
// the respective logger falls back to stdout/stderr.
func Init(cfg Config) error {
	Logger = logrus.New()
	Logger.SetFormatter(formatter{})
	Logger.SetLevel(parseLevel(cfg.LogLevel))

	InfoLogger = logrus.New()
	InfoLogger.SetFormatter(formatter{})
	InfoLogger.SetLevel(parseLevel(cfg.LogLevel))

	ErrorLogger = logrus.New()
	ErrorLogger.SetFormatter(formatter{})
	ErrorLogger.SetLevel(parseLevel(cfg.LogLevel))

	if cfg.InfoLogPath != "" {
		if f, err := openLogFile(cfg.InfoLogPath); err == nil {
			InfoLogger.SetOutput(io.MultiWriter(os.Stdout, f))
		} else {
			InfoLogger.SetOutput(os.Stdout)
			InfoLogger.Warnf("failed to open info log file %s, falling back to stdout: %v", cfg.InfoLogPath, err)
		}
	} else {
		InfoLogger.SetOutput(os.Stdout)
	}

	if cfg.ErrorLogPath != "" {
		if f, err := openLogFile(cfg.ErrorLogPath); err == nil {
			ErrorLogger.SetOutput(io.MultiWriter(os.Stderr, f))
		} else {
			ErrorLogger.SetOutput(os.Stderr)
			ErrorLogger.Warnf("failed to open error log file %s, falling back to stderr: %v", cfg.ErrorLogPath, err)
		}
	} else {
		ErrorLogger.SetOutput(os.Stderr)
	}

	Logger.SetOutput(InfoLogger.Out)
	return nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

func ensure() {
	if InfoLogger == nil || ErrorLogger == nil || Logger == nil {
		_ = Init(Config{LogLevel: "info"})
	}
}

func Info(args ...interface{})                  { ensure(); InfoLogger.Info(args...) }
func Infof(format string, args ...interface{})  { ensure(); InfoLogger.Infof(format, args...) }
func Debug(args ...interface{})                 { ensure(); Logger.Debug(args...) }
func Debugf(format string, args ...interface{}) { ensure(); Logger.Debugf(format, args...) }
func Warn(args ...interface{})                  { ensure(); Logger.Warn(args...) }
func Warnf(format string, args ...interface{})  { ensure(); Logger.Warnf(format, args...) }
func Error(args ...interface{})                 { ensure(); ErrorLogger.Error(args...) }
func Errorf(format string, args ...interface{}) { ensure(); ErrorLogger.Errorf(format, args...) }
func Fatal(args ...interface{})                 { ensure(); ErrorLogger.Fatal(args...) }
func Fatalf(format string, args ...interface{}) { ensure(); ErrorLogger.Fatalf(format, args...) }
