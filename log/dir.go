package log

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "voicelink"

// ResolveDir picks the log directory: explicit flag, then VOICELINK_LOG_PATH,
// then the per-OS default. Relative paths are anchored at the working dir.
func ResolveDir(flagPath string) (string, error) {
	if flagPath != "" {
		return absolute(flagPath)
	}
	if envPath := os.Getenv("VOICELINK_LOG_PATH"); envPath != "" {
		return absolute(envPath)
	}
	return defaultDir()
}

func absolute(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func defaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", appName), nil
	case "windows":
		local := os.Getenv("LOCALAPPDATA")
		if local == "" {
			local = filepath.Join(home, "AppData", "Local")
		}
		return filepath.Join(local, appName, "logs"), nil
	}

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	if xdgConfig == "" {
		xdgConfig = filepath.Join(home, ".config")
	}
	return filepath.Join(xdgConfig, appName, "logs"), nil
}
