package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

// MustConfigureApplicationLogging sets up logging suitable for a long running sweep.
// Note that this function will immediately shut down the application if it fails.
func MustConfigureApplicationLogging(config Config) {
	if err := ConfigureApplicationLogging(config); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error initializing logging: "+err.Error())
		os.Exit(1)
	}
}

// ConfigureApplicationLogging replaces the output of the standard logrus logger with a console writer and,
// if enabled, a rotated log file. Each sink filters on its own level.
func ConfigureApplicationLogging(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}

	consoleLevel, _ := parseLogLevel(config.Console.Level)
	hooks := []*writerHook{newWriterHook(os.Stdout, consoleLevel, config.Console.Format)}
	lowest := consoleLevel

	if config.File.Enabled {
		fileLevel, _ := parseLogLevel(config.File.Level)
		rotated := &lumberjack.Logger{
			Filename:   config.File.LogFile,
			MaxSize:    config.File.Rotation.MaxSizeMb,
			MaxBackups: config.File.Rotation.MaxBackups,
			MaxAge:     config.File.Rotation.MaxAgeDays,
			Compress:   config.File.Rotation.Compress,
		}
		hooks = append(hooks, newWriterHook(rotated, fileLevel, config.File.Format))
		if fileLevel > lowest {
			lowest = fileLevel
		}
	}

	logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	logrus.SetOutput(io.Discard)
	logrus.SetLevel(lowest)
	for _, hook := range hooks {
		logrus.AddHook(hook)
	}
	return nil
}

// ConfigureCommandLineLogging sets up plain message-only output for short-lived commands.
func ConfigureCommandLineLogging() {
	logrus.SetFormatter(new(CommandLineFormatter))
	logrus.SetOutput(os.Stdout)
}

// writerHook writes entries at or above a level to a single sink.
type writerHook struct {
	writer    io.Writer
	formatter logrus.Formatter
	levels    []logrus.Level
}

func newWriterHook(w io.Writer, level logrus.Level, format string) *writerHook {
	var formatter logrus.Formatter
	if format == FormatJson {
		formatter = &logrus.JSONFormatter{TimestampFormat: RFC3339Milli}
	} else {
		formatter = &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: RFC3339Milli, DisableColors: w != os.Stdout}
	}
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= level {
			levels = append(levels, l)
		}
	}
	return &writerHook{writer: w, formatter: formatter, levels: levels}
}

func (h *writerHook) Levels() []logrus.Level {
	return h.levels
}

func (h *writerHook) Fire(entry *logrus.Entry) error {
	b, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(b)
	return err
}

// CommandLineFormatter prints only the message of each entry.
type CommandLineFormatter struct{}

func (f *CommandLineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("%s\n", entry.Message)), nil
}
