package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment holds the settings chunkfs takes from the process environment.
//
//   - CHUNKFS_CONFIG_PATH names the config file. Otherwise it is
//     chunkfs.toml under $XDG_CONFIG_HOME, or ~/.config.
//   - CHUNKFS_HOME names the data directory. Otherwise it is chunkfs under
//     $XDG_DATA_HOME, or ~/.local/share.
//   - CHUNKFS_USER is the default for --user.
type Environment struct {
	ConfigPath string
	BaseDir    string
	User       string
}

// LoadEnvironment reads the environment through getenv. The home directory
// is only consulted when a path is not set by a variable. On error the
// returned Environment still carries the variables that were set.
func LoadEnvironment(getenv func(string) string) (Environment, error) {
	env := Environment{
		ConfigPath: getenv("CHUNKFS_CONFIG_PATH"),
		BaseDir:    getenv("CHUNKFS_HOME"),
		User:       getenv("CHUNKFS_USER"),
	}

	home := func() (string, error) {
		dir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return dir, nil
	}

	if env.ConfigPath == "" {
		dir := getenv("XDG_CONFIG_HOME")
		if dir == "" {
			h, err := home()
			if err != nil {
				return env, err
			}
			dir = filepath.Join(h, ".config")
		}
		env.ConfigPath = filepath.Join(dir, "chunkfs.toml")
	}

	if env.BaseDir == "" {
		dir := getenv("XDG_DATA_HOME")
		if dir == "" {
			h, err := home()
			if err != nil {
				return env, err
			}
			dir = filepath.Join(h, ".local", "share")
		}
		env.BaseDir = filepath.Join(dir, "chunkfs")
	}

	return env, nil
}
