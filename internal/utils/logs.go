package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Special values of the `logfile` setting
const (
	LogToStderr = "-"
	LogDisabled = "none"
)

// LogRotationConfig holds size-based rotation settings
type LogRotationConfig struct {
	MaxSizeMB  int64 // rotate when the file grows past this size
	MaxBackups int   // backups kept after rotation (0 = keep all)
}

type LogsManager struct {
	dir            string
	logFileName    string
	logger         *log.Logger
	file           *os.File
	mutex          sync.RWMutex
	rotationConfig LogRotationConfig
	fileSize       atomic.Int64
}

// NewLogsManager builds a logger from the `log_*` and `logfile` settings. JSON
// goes to a file in the app log dir; `logfile = -` switches to text on stderr.
func NewLogsManager(cm *ConfigManager) *LogsManager {
	lm := &LogsManager{
		logFileName: cm.GetConfigWithDefault("logfile", AppName+".log"),
		logger:      log.New(),
		rotationConfig: LogRotationConfig{
			MaxSizeMB:  int64(cm.GetConfigInt("log_max_size_mb", 100, 0, 10240)),
			MaxBackups: cm.GetConfigInt("log_max_backups", 10, 0, 1000),
		},
	}

	level, err := log.ParseLevel(cm.GetConfigWithDefault("log_level", "info"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level, defaulting to 'info': %v\n", err)
		level = log.InfoLevel
	}
	lm.logger.SetLevel(level)

	switch lm.logFileName {
	case LogToStderr, "":
		lm.logger.SetOutput(os.Stderr)
		lm.logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case LogDisabled:
		lm.logger.SetOutput(io.Discard)
	default:
		lm.dir = GetAppPaths("").LogDir
		if err := lm.openFile(); err != nil {
			panic(err)
		}
	}

	return lm
}

func (lm *LogsManager) openFile() error {
	path := filepath.Join(lm.dir, filepath.FromSlash(lm.logFileName))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return err
	}

	lm.file = file
	lm.fileSize.Store(0)
	if stat, err := file.Stat(); err == nil {
		lm.fileSize.Store(stat.Size())
	}

	lm.logger.SetOutput(file)
	lm.logger.SetFormatter(&log.JSONFormatter{})
	return nil
}

func (lm *LogsManager) fileInfo(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "<???>:1"
	}
	if slash := strings.LastIndex(file, "/"); slash >= 0 {
		file = file[slash+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// Log writes one entry. Extra fields are merged into the entry.
func (lm *LogsManager) Log(level log.Level, message string, category string, fields ...log.Fields) {
	if !lm.logger.IsLevelEnabled(level) {
		return
	}

	lm.mutex.RLock()
	needsRotation := lm.file != nil && lm.rotationConfig.MaxSizeMB > 0 &&
		lm.fileSize.Load() > lm.rotationConfig.MaxSizeMB*1024*1024
	lm.mutex.RUnlock()
	if needsRotation {
		lm.rotate()
	}

	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	entry := lm.logger.WithFields(log.Fields{
		"category": category,
		"file":     lm.fileInfo(3),
	})
	for _, f := range fields {
		entry = entry.WithFields(f)
	}
	entry.Log(level, message)

	if lm.file != nil {
		lm.fileSize.Add(int64(len(message) + 100))
	}
}

func (lm *LogsManager) Debug(message string, category string, fields ...log.Fields) {
	lm.Log(log.DebugLevel, message, category, fields...)
}

func (lm *LogsManager) Info(message string, category string, fields ...log.Fields) {
	lm.Log(log.InfoLevel, message, category, fields...)
}

func (lm *LogsManager) Warn(message string, category string, fields ...log.Fields) {
	lm.Log(log.WarnLevel, message, category, fields...)
}

func (lm *LogsManager) Error(message string, category string, fields ...log.Fields) {
	lm.Log(log.ErrorLevel, message, category, fields...)
}

// Close closes the log file; later writes are discarded
func (lm *LogsManager) Close() error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	lm.logger.SetOutput(io.Discard)
	if lm.file != nil {
		err := lm.file.Close()
		lm.file = nil
		return err
	}
	return nil
}

// rotate renames the current file to a timestamped backup and reopens
func (lm *LogsManager) rotate() {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.file == nil {
		return
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	backupFileName := fmt.Sprintf("%s.%s.bak", lm.logFileName, timestamp)
	currentPath := filepath.Join(lm.dir, lm.logFileName)

	lm.file.Close()
	lm.file = nil

	if err := os.Rename(currentPath, filepath.Join(lm.dir, backupFileName)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log backup %s: %v\n", backupFileName, err)
	}

	if err := lm.openFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reopen log after rotation: %v\n", err)
		lm.logger.SetOutput(os.Stderr)
		return
	}

	lm.cleanupOldBackups()

	lm.logger.WithFields(log.Fields{
		"category": "logrotate",
		"backup":   backupFileName,
	}).Info("Log rotated")
}

// cleanupOldBackups keeps the newest MaxBackups backups
func (lm *LogsManager) cleanupOldBackups() {
	if lm.rotationConfig.MaxBackups <= 0 {
		return
	}

	backups, err := filepath.Glob(filepath.Join(lm.dir, lm.logFileName+".*.bak"))
	if err != nil || len(backups) <= lm.rotationConfig.MaxBackups {
		return
	}

	// timestamped names sort chronologically
	sort.Strings(backups)
	for _, old := range backups[:len(backups)-lm.rotationConfig.MaxBackups] {
		os.Remove(old)
	}
}

// SetLogLevel updates the log level at runtime
func (lm *LogsManager) SetLogLevel(levelStr string) error {
	level, err := log.ParseLevel(levelStr)
	if err != nil {
		return fmt.Errorf("invalid log level '%s': %w", levelStr, err)
	}

	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	lm.logger.SetLevel(level)

	return nil
}

// GetLogLevel returns the current log level
func (lm *LogsManager) GetLogLevel() string {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()
	return lm.logger.GetLevel().String()
}
