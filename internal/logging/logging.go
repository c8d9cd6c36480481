package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

var (
	logFile   *os.File
	logDir    string
	isFileLog bool
)

// Init initializes logging. If toFile is true, logs are written to a dated
// file under dir (default ~/.lumen/logs) instead of stderr, so engine and
// session chatter does not corrupt the TUI or streamed output.
func Init(toFile bool, dir string) error {
	if !toFile {
		log.SetOutput(os.Stderr)
		log.SetFlags(log.Ltime | log.Lshortfile)
		isFileLog = false
		return nil
	}

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = "."
		}
		dir = filepath.Join(homeDir, ".lumen", "logs")
	}
	logDir = dir

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logDir, fmt.Sprintf("lumen-%s.log", timestamp))

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	logFile = f

	log.SetOutput(logFile)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	isFileLog = true

	log.Printf("=== Lumen session started ===")
	return nil
}

// Close closes the log file if one is open.
func Close() {
	if logFile != nil {
		log.Printf("=== Lumen session ended ===")
		logFile.Close()
		logFile = nil
		isFileLog = false
		log.SetOutput(os.Stderr)
	}
}

// Discard sets log output to discard all messages.
// Useful for completely silent operation.
func Discard() {
	log.SetOutput(io.Discard)
}

// GetLogDir returns the directory where logs are stored.
func GetLogDir() string {
	return logDir
}

// IsFileLogging returns true if logging is going to a file.
func IsFileLogging() bool {
	return isFileLog
}
