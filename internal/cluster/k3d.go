// Package cluster drives the local cluster tool that backs managed environments.
package cluster

import (
	"context"
	"fmt"
	"strconv"

	"github.com/splax/kubeploy/internal/process"
)

// CreateOptions tunes cluster creation.
type CreateOptions struct {
	// ConfigPath is a cluster tool config file.
	ConfigPath string
	// APIPort binds the API server to 127.0.0.1:<port> when set.
	APIPort int
}

// Tool creates and tears down managed clusters.
type Tool interface {
	Create(ctx context.Context, name string, opts CreateOptions) error
	Delete(ctx context.Context, name string) error
	Kubeconfig(ctx context.Context, name string) ([]byte, error)
	ImportImage(ctx context.Context, name, image string) error
}

// K3d shells out to the k3d binary.
type K3d struct {
	bin    string
	runner process.Runner
}

// NewK3d returns a Tool using bin (default "k3d").
func NewK3d(bin string, runner process.Runner) *K3d {
	if bin == "" {
		bin = "k3d"
	}
	return &K3d{bin: bin, runner: runner}
}

var _ Tool = (*K3d)(nil)

func (k *K3d) Create(ctx context.Context, name string, opts CreateOptions) error {
	args := []string{"cluster", "create", name}
	if opts.ConfigPath != "" {
		args = append(args, "--config", opts.ConfigPath)
	}
	if opts.APIPort > 0 {
		args = append(args, "--api-port", "127.0.0.1:"+strconv.Itoa(opts.APIPort))
	}
	args = append(args, "--wait")
	if err := k.runner.Run(ctx, "", k.bin, args...); err != nil {
		return fmt.Errorf("create cluster %s: %w", name, err)
	}
	return nil
}

func (k *K3d) Delete(ctx context.Context, name string) error {
	if err := k.runner.Run(ctx, "", k.bin, "cluster", "delete", name); err != nil {
		return fmt.Errorf("delete cluster %s: %w", name, err)
	}
	return nil
}

func (k *K3d) Kubeconfig(ctx context.Context, name string) ([]byte, error) {
	out, err := k.runner.Output(ctx, "", k.bin, "kubeconfig", "get", name)
	if err != nil {
		return nil, fmt.Errorf("get kubeconfig for %s: %w", name, err)
	}
	return out, nil
}

// ImportImage loads a locally built image into the cluster's nodes.
func (k *K3d) ImportImage(ctx context.Context, name, image string) error {
	if err := k.runner.Run(ctx, "", k.bin, "image", "import", image, "-c", name); err != nil {
		return fmt.Errorf("import image %s into %s: %w", image, name, err)
	}
	return nil
}
