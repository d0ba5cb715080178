package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	apiclient "github.com/splax/kubeploy/pkg/api/client"
)

const defaultAPI = "http://localhost:4000"

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "kubeploy", "config.json"), nil
}

func loadConfig(path string) (cliConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPI}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPI
	}
	return cfg, nil
}

func saveConfig(path string, cfg cliConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// resolveToken picks the first non-empty of flag, environment and saved
// token, and only then asks the terminal.
func resolveToken(flagValue, envValue, saved string, prompt func() (string, error)) (string, error) {
	for _, candidate := range []string{flagValue, envValue, saved} {
		if token := strings.TrimSpace(candidate); token != "" {
			return token, nil
		}
	}
	if prompt == nil {
		return "", errors.New("no token configured; pass --token or set KUBEPLOY_TOKEN")
	}
	token, err := prompt()
	if err != nil {
		return "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}

// promptToken reads a token without echo. It is nil when stdin is not a terminal.
func promptToken() func() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	return func() (string, error) {
		fmt.Fprint(os.Stderr, "Token: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return string(raw), nil
	}
}

// newClient builds an API client from flags, environment and saved config.
func newClient() (*apiclient.Client, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	token, err := resolveToken(tokenFlag, os.Getenv("KUBEPLOY_TOKEN"), cfg.AccessToken, promptToken())
	if err != nil {
		return nil, err
	}
	base := cfg.APIBaseURL
	if apiFlag != "" {
		base = apiFlag
	}
	return apiclient.New(base, apiclient.WithToken(token))
}
