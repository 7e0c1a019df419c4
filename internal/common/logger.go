package common

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

const logFileName = "recap.log"

// InitLogger builds the arbor logger from the logging section: console and/or a rotating
// file in Logging.Dir, at the configured level. Falls back to console output when the
// log directory cannot be created.
func InitLogger(config *Config) arbor.ILogger {
	logger := arbor.NewLogger()

	timeFormat := config.Logging.TimeFormat
	if timeFormat == "" {
		timeFormat = "15:04:05"
	}

	console := false
	file := false
	for _, output := range config.Logging.Output {
		switch output {
		case "stdout", "console":
			console = true
		case "file":
			file = true
		}
	}

	if file {
		if err := os.MkdirAll(config.Logging.Dir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create log directory %s: %v\n", config.Logging.Dir, err)
			console = true
		} else {
			logger = logger.WithFileWriter(models.WriterConfiguration{
				Type:       models.LogWriterTypeFile,
				FileName:   filepath.Join(config.Logging.Dir, logFileName),
				TimeFormat: timeFormat,
				MaxSize:    50 * 1024 * 1024,
				MaxBackups: 5,
				TextOutput: true,
			})
		}
	}

	if console || !file {
		logger = logger.WithConsoleWriter(models.WriterConfiguration{
			Type:       models.LogWriterTypeConsole,
			TimeFormat: timeFormat,
			TextOutput: true,
		})
	}

	return logger.WithLevelFromString(config.Logging.Level)
}
