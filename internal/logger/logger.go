// Package logger provides leveled logging for the Drover client.
// It uses a simple custom logger implementation to avoid external dependencies.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Config controls logger behavior
// 日志配置
type Config struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json, text
	Output string `yaml:"output" json:"output"` // stdout, stderr, file
	File   string `yaml:"file" json:"file"`     // log file path when output is file
}

// Logger is the main logger structure
type Logger struct {
	mu         sync.Mutex
	level      LogLevel
	formatJSON bool
	outputs    []io.Writer
	fileWriter io.WriteCloser
}

// NewLogger creates a new logger instance
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = &Config{Level: "info", Format: "text", Output: "stderr"}
	}

	l := &Logger{
		level:      parseLevel(cfg.Level),
		formatJSON: cfg.Format == "json",
	}

	switch strings.ToLower(cfg.Output) {
	case "stdout":
		l.outputs = append(l.outputs, os.Stdout)
	case "file":
		if err := l.setupFileWriter(cfg.File); err != nil {
			return nil, err
		}
	default:
		l.outputs = append(l.outputs, os.Stderr)
	}

	return l, nil
}

func (l *Logger) setupFileWriter(path string) error {
	if path == "" {
		return fmt.Errorf("log output is file but no file path configured")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	l.fileWriter = f
	l.outputs = append(l.outputs, f)
	return nil
}

// Close releases the file writer, if any
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fileWriter != nil {
		return l.fileWriter.Close()
	}
	return nil
}

// SetLevel adjusts the minimum level at runtime
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// parseLevel converts string level to LogLevel
func parseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// log is the internal logging method
func (l *Logger) log(level LogLevel, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	var logLine string
	if l.formatJSON {
		logLine = fmt.Sprintf(`{"time":%q,"level":%q,"msg":%q}`+"\n", timestamp, level.String(), msg)
	} else {
		logLine = fmt.Sprintf("[%s] %s %s\n", timestamp, level, msg)
	}

	for _, w := range l.outputs {
		if _, err := w.Write([]byte(logLine)); err != nil {
			// 写入失败时降级到 stderr
			fmt.Fprintf(os.Stderr, "[ERROR] failed to write log: %v\n", err)
		}
	}
}

// Debug logs a debug message
func (l *Logger) Debug(args ...interface{}) { l.log(DEBUG, fmt.Sprint(args...)) }

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...))
}

// Info logs an info message
func (l *Logger) Info(args ...interface{}) { l.log(INFO, fmt.Sprint(args...)) }

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...))
}

// Warn logs a warning message
func (l *Logger) Warn(args ...interface{}) { l.log(WARN, fmt.Sprint(args...)) }

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...))
}

// Error logs an error message
func (l *Logger) Error(args ...interface{}) { l.log(ERROR, fmt.Sprint(args...)) }

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(args ...interface{}) {
	l.log(FATAL, fmt.Sprint(args...))
	os.Exit(1)
}

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(FATAL, fmt.Sprintf(format, args...))
	os.Exit(1)
}
