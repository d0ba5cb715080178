// Package kube opens per-environment cluster clients and applies resources
// idempotently.
package kube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/splax/kubeploy/internal/domain"
)

const defaultRequestTimeout = 30 * time.Second

// ErrEmptyConfig is returned when an environment resolves to no access configuration.
var ErrEmptyConfig = errors.New("kube: empty access configuration")

// ConfigSource resolves the raw kubeconfig for an environment.
type ConfigSource interface {
	Resolve(ctx context.Context, env *domain.Environment) ([]byte, error)
}

// Factory opens a client for an environment's cluster.
type Factory interface {
	Connect(ctx context.Context, env *domain.Environment) (*Client, error)
}

// Client bundles typed and dynamic access to one cluster. Callers must Close it.
// Typed and Dynamic calls are bounded by the connector timeout; Streaming has
// no client-side deadline and is meant for follow-mode log reads bounded by
// their context.
type Client struct {
	Typed     kubernetes.Interface
	Dynamic   dynamic.Interface
	Streaming kubernetes.Interface
	closeFn   func()
}

// NewClient wraps existing interfaces. closeFn may be nil. Streaming uses typed.
func NewClient(typed kubernetes.Interface, dyn dynamic.Interface, closeFn func()) *Client {
	return &Client{Typed: typed, Dynamic: dyn, Streaming: typed, closeFn: closeFn}
}

// Close releases idle connections held by the client.
func (c *Client) Close() {
	if c != nil && c.closeFn != nil {
		c.closeFn()
	}
}

// Connector builds clients from resolved kubeconfig content.
type Connector struct {
	source  ConfigSource
	timeout time.Duration
}

// NewConnector returns a Connector reading access configuration from source.
func NewConnector(source ConfigSource, timeout time.Duration) *Connector {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Connector{source: source, timeout: timeout}
}

var _ Factory = (*Connector)(nil)

// Connect resolves env's kubeconfig and opens typed and dynamic clients over
// one shared transport.
func (c *Connector) Connect(ctx context.Context, env *domain.Environment) (*Client, error) {
	raw, err := c.source.Resolve(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("resolve access config for %s: %w", env.Name, err)
	}
	if len(raw) == 0 {
		return nil, ErrEmptyConfig
	}
	cfg, err := clientcmd.RESTConfigFromKubeConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("parse kubeconfig for %s: %w", env.Name, err)
	}
	// http.Client.Timeout also covers reading the body, which would cut
	// follow-mode streams. Only the request-bound client gets it.
	cfg.Timeout = 0
	streamHTTP, err := rest.HTTPClientFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("create http client: %w", err)
	}
	boundedHTTP := &http.Client{Transport: streamHTTP.Transport, Timeout: c.timeout}

	typed, err := kubernetes.NewForConfigAndClient(cfg, boundedHTTP)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	dyn, err := dynamic.NewForConfigAndClient(cfg, boundedHTTP)
	if err != nil {
		return nil, fmt.Errorf("create dynamic client: %w", err)
	}
	streaming, err := kubernetes.NewForConfigAndClient(cfg, streamHTTP)
	if err != nil {
		return nil, fmt.Errorf("create streaming client: %w", err)
	}
	client := NewClient(typed, dyn, streamHTTP.CloseIdleConnections)
	client.Streaming = streaming
	return client, nil
}
