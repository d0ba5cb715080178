package kubeconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/splax/kubeploy/internal/domain"
)

// ErrNoAccessConfig is returned when no source yields usable configuration.
var ErrNoAccessConfig = errors.New("kubeconfig: no access configuration")

// Cipher seals configuration at rest.
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(payload []byte) ([]byte, error)
}

// Fetcher asks the cluster tool for live configuration.
type Fetcher interface {
	Kubeconfig(ctx context.Context, clusterName string) ([]byte, error)
}

// EnvironmentWriter persists refreshed configuration.
type EnvironmentWriter interface {
	UpdateEnvironment(ctx context.Context, env *domain.Environment) error
}

// Resolver picks the configuration for an environment: stored content first,
// then a readable non-placeholder file, then the cluster tool for managed
// clusters. Tool output is sealed and stored back on the environment.
type Resolver struct {
	cipher  Cipher
	fetcher Fetcher
	envs    EnvironmentWriter
	logger  *slog.Logger
}

// NewResolver constructs a Resolver. fetcher may be nil when no cluster tool is available.
func NewResolver(cipher Cipher, fetcher Fetcher, envs EnvironmentWriter, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{cipher: cipher, fetcher: fetcher, envs: envs, logger: logger}
}

func (r *Resolver) Resolve(ctx context.Context, env *domain.Environment) ([]byte, error) {
	if len(env.Kubeconfig) > 0 {
		content, err := r.cipher.Open(env.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("open stored kubeconfig: %w", err)
		}
		if len(content) > 0 {
			return content, nil
		}
	}

	if env.KubeconfigPath != "" {
		content, err := os.ReadFile(env.KubeconfigPath)
		switch {
		case err != nil:
			r.logger.Warn("kubeconfig file unreadable", "environment_id", env.ID, "path", env.KubeconfigPath, "error", err)
		case !IsPlaceholder(content):
			return content, nil
		}
	}

	if !env.Managed || r.fetcher == nil {
		return nil, ErrNoAccessConfig
	}
	content, err := r.fetcher.Kubeconfig(ctx, env.Name)
	if err != nil {
		return nil, fmt.Errorf("fetch kubeconfig for %s: %w", env.Name, err)
	}
	if len(content) == 0 {
		return nil, ErrNoAccessConfig
	}

	sealed, err := r.cipher.Seal(content)
	if err != nil {
		return nil, fmt.Errorf("seal kubeconfig: %w", err)
	}
	env.Kubeconfig = sealed
	if r.envs != nil {
		if err := r.envs.UpdateEnvironment(ctx, env); err != nil {
			r.logger.Warn("store refreshed kubeconfig failed", "environment_id", env.ID, "error", err)
		}
	}
	return content, nil
}
