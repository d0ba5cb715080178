package config

import (
	"os"
	"path/filepath"
)

func defaultKubeconfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "kubeploy", "kubeconfigs")
	}
	return filepath.Join(home, ".kubeploy", "kubeconfigs")
}
