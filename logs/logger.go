package logs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"position_guard/config"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileHook is a Logrus hook writing every entry to a rotated file with its own formatter.
type FileHook struct {
	formatter logrus.Formatter
	writer    io.Writer
}

func newFileHook(writer io.Writer, formatter logrus.Formatter) *FileHook {
	return &FileHook{
		writer:    writer,
		formatter: formatter,
	}
}

// Levels returns all log levels, so the hook is fired for all log entries.
func (h *FileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire formats and writes the log entry to the file.
func (h *FileHook) Fire(entry *logrus.Entry) error {
	formattedBytes, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(formattedBytes)
	return err
}

// Logger owns a logrus instance plus the rotated file behind it. Components
// receive Logger.Entry (a logrus.FieldLogger) and never touch the process-wide
// logrus instance.
type Logger struct {
	*logrus.Logger
	file io.Closer
}

// New builds a logger writing colored lines to console and plain lines to a
// lumberjack-rotated file at logFilePath.
func New(cfg *config.LogConfig, console io.Writer, logFilePath string) (*Logger, error) {
	l := logrus.New()
	parsedLevel, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		parsedLevel = logrus.InfoLevel
	}
	l.SetLevel(parsedLevel)
	l.SetFormatter(&logrus.TextFormatter{
		ForceColors:            true,
		FullTimestamp:          true,
		TimestampFormat:        "2006-01-02 15:04:05",
		DisableLevelTruncation: true,
		PadLevelText:           true,
	})
	if console == nil {
		console = os.Stdout
	}
	l.SetOutput(console)

	logger := &Logger{Logger: l}
	if logFilePath == "" {
		return logger, nil
	}

	logDir := filepath.Dir(logFilePath)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	lumberjackLogger := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	fileFormatter := &logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
	l.AddHook(newFileHook(lumberjackLogger, fileFormatter))
	logger.file = lumberjackLogger

	l.Infof("Logging system initialized, file: %s", logFilePath)
	return logger, nil
}

// For returns a logger tagged with the component name.
func (l *Logger) For(component string) logrus.FieldLogger {
	return l.WithField("component", component)
}

// Close closes the rotated file behind the logger.
func (l *Logger) Close() {
	l.Info("Logging system closed.")
	if l.file != nil {
		_ = l.file.Close()
	}
}

// Discard returns a logger that drops everything; handy default for optional sinks.
func Discard() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
