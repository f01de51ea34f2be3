package utils

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName is used for config, log and data directories
const AppName = "swarm-discovery"

type AppPaths struct {
	ConfigDir string
	LogDir    string
	DataDir   string
}

func GetAppPaths(appName string) *AppPaths {
	if appName == "" {
		appName = AppName
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		if homeDir, err = os.Getwd(); err != nil {
			homeDir = "."
		}
	}

	paths := &AppPaths{}

	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		paths.ConfigDir = filepath.Join(appData, appName)
		paths.LogDir = paths.ConfigDir
		paths.DataDir = paths.ConfigDir

	case "darwin":
		paths.ConfigDir = filepath.Join(homeDir, "Library", "Application Support", appName)
		paths.LogDir = filepath.Join(homeDir, "Library", "Logs", appName)
		paths.DataDir = paths.ConfigDir

	case "linux":
		// XDG Base Directory Specification
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			configHome = filepath.Join(homeDir, ".config")
		}

		dataHome := os.Getenv("XDG_DATA_HOME")
		if dataHome == "" {
			dataHome = filepath.Join(homeDir, ".local", "share")
		}

		cacheHome := os.Getenv("XDG_CACHE_HOME")
		if cacheHome == "" {
			cacheHome = filepath.Join(homeDir, ".cache")
		}

		paths.ConfigDir = filepath.Join(configHome, appName)
		paths.LogDir = filepath.Join(cacheHome, appName, "logs")
		paths.DataDir = filepath.Join(dataHome, appName)

	default:
		paths.ConfigDir = filepath.Join(homeDir, "."+appName)
		paths.LogDir = paths.ConfigDir
		paths.DataDir = paths.ConfigDir
	}

	for _, dir := range []string{paths.ConfigDir, paths.LogDir, paths.DataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			// fall back to the working directory
			paths.ConfigDir = "."
			paths.LogDir = "."
			paths.DataDir = "."
			break
		}
	}

	return paths
}

// GetConfigPath returns the path to a config file
func (ap *AppPaths) GetConfigPath(filename string) string {
	return filepath.Join(ap.ConfigDir, filename)
}

// GetLogPath returns the path to a log file
func (ap *AppPaths) GetLogPath(filename string) string {
	return filepath.Join(ap.LogDir, filename)
}
