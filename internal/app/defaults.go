package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths locates the files meshstat uses before a config has been read.
type Paths struct {
	ConfigFile string
	BaseDir    string
	LogDir     string
}

// DefaultPaths resolves Paths from the environment. MESHSTAT_CONFIG_PATH and
// MESHSTAT_HOME win outright; otherwise the XDG config and data homes are
// used, themselves defaulting to ~/.config and ~/.local/share.
func DefaultPaths() (*Paths, error) {
	configFile, err := lookupPath("MESHSTAT_CONFIG_PATH", "XDG_CONFIG_HOME", []string{".config"}, "meshstat.toml")
	if err != nil {
		return nil, err
	}
	baseDir, err := lookupPath("MESHSTAT_HOME", "XDG_DATA_HOME", []string{".local", "share"}, "meshstat")
	if err != nil {
		return nil, err
	}
	return &Paths{
		ConfigFile: configFile,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
	}, nil
}

func lookupPath(override, xdg string, homeRel []string, name string) (string, error) {
	if path := os.Getenv(override); path != "" {
		return path, nil
	}
	if dir := os.Getenv(xdg); dir != "" {
		return filepath.Join(dir, name), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append(append([]string{home}, homeRel...), name)...), nil
}
