// Package kubeconfig writes the bootstrap access configuration for managed
// clusters and resolves the live configuration for any environment.
package kubeconfig

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

const (
	defaultName      = "default"
	placeholderToken = "dummy-token"
)

// ErrInvalidConfig is returned when a written file does not read back as expected.
var ErrInvalidConfig = errors.New("kubeconfig: invalid generated config")

// Generated describes a bootstrap file written by Generate.
type Generated struct {
	Path string
	Port int
}

// Generate reserves a free local port and writes <dir>/<name>-kubeconfig.yaml
// pointing at it with a placeholder token.
func Generate(dir, name string) (Generated, error) {
	port, err := freePort()
	if err != nil {
		return Generated{}, fmt.Errorf("find free port: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Generated{}, fmt.Errorf("create kubeconfig dir: %w", err)
	}

	server := "https://127.0.0.1:" + strconv.Itoa(port)
	cfg := clientcmdapi.NewConfig()
	cfg.Clusters[defaultName] = &clientcmdapi.Cluster{Server: server, InsecureSkipTLSVerify: true}
	cfg.AuthInfos[defaultName] = &clientcmdapi.AuthInfo{Token: placeholderToken}
	cfg.Contexts[defaultName] = &clientcmdapi.Context{Cluster: defaultName, AuthInfo: defaultName}
	cfg.CurrentContext = defaultName

	content, err := clientcmd.Write(*cfg)
	if err != nil {
		return Generated{}, fmt.Errorf("encode kubeconfig: %w", err)
	}
	path := filepath.Join(dir, name+"-kubeconfig.yaml")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return Generated{}, fmt.Errorf("write kubeconfig: %w", err)
	}

	written, err := os.ReadFile(path)
	if err != nil {
		return Generated{}, fmt.Errorf("read back kubeconfig: %w", err)
	}
	if !bytes.Contains(written, []byte("apiVersion: v1")) || !bytes.Contains(written, []byte("127.0.0.1:"+strconv.Itoa(port))) {
		return Generated{}, ErrInvalidConfig
	}
	return Generated{Path: path, Port: port}, nil
}

// IsPlaceholder reports whether content is a bootstrap file whose token has
// not been replaced by real cluster credentials.
func IsPlaceholder(content []byte) bool {
	cfg, err := clientcmd.Load(content)
	if err != nil {
		return false
	}
	for _, auth := range cfg.AuthInfos {
		if auth.Token == placeholderToken {
			return true
		}
	}
	return false
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Validate checks that content parses and names a usable current context.
func Validate(content []byte) error {
	cfg, err := clientcmd.Load(content)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	ctx, ok := cfg.Contexts[cfg.CurrentContext]
	if !ok {
		return fmt.Errorf("%w: current context %q not defined", ErrInvalidConfig, cfg.CurrentContext)
	}
	if _, ok := cfg.Clusters[ctx.Cluster]; !ok {
		return fmt.Errorf("%w: cluster %q not defined", ErrInvalidConfig, ctx.Cluster)
	}
	return nil
}
