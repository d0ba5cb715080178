package kubeconfig

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/splax/kubeploy/internal/domain"
	"github.com/splax/kubeploy/pkg/crypto"
)

func TestGenerateWritesPlaceholder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	gen, err := Generate(dir, "dev")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gen.Path != filepath.Join(dir, "dev-kubeconfig.yaml") {
		t.Fatalf("unexpected path %s", gen.Path)
	}
	content, err := os.ReadFile(gen.Path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	text := string(content)
	for _, want := range []string{"apiVersion: v1", "https://127.0.0.1:" + strconv.Itoa(gen.Port), "insecure-skip-tls-verify: true", "current-context: default"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in:\n%s", want, text)
		}
	}
	if !IsPlaceholder(content) {
		t.Fatalf("generated config should be a placeholder")
	}
}

type fakeFetcher struct {
	content []byte
	calls   int
}

func (f *fakeFetcher) Kubeconfig(context.Context, string) ([]byte, error) {
	f.calls++
	return f.content, nil
}

type recordingWriter struct{ saved *domain.Environment }

func (w *recordingWriter) UpdateEnvironment(_ context.Context, env *domain.Environment) error {
	w.saved = env
	return nil
}

const liveConfig = `apiVersion: v1
kind: Config
clusters:
- name: k3d-dev
  cluster:
    server: https://0.0.0.0:40000
contexts:
- name: k3d-dev
  context:
    cluster: k3d-dev
    user: admin@k3d-dev
current-context: k3d-dev
users:
- name: admin@k3d-dev
  user:
    token: real
`

func newTestResolver(t *testing.T, fetcher Fetcher, writer EnvironmentWriter) (*Resolver, crypto.Sealer) {
	t.Helper()
	sealer, err := crypto.NewSealer("test-secret")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return NewResolver(sealer, fetcher, writer, slog.New(slog.NewTextHandler(io.Discard, nil))), sealer
}

func TestResolvePrefersStoredContent(t *testing.T) {
	fetcher := &fakeFetcher{content: []byte("unused")}
	r, sealer := newTestResolver(t, fetcher, nil)
	sealed, _ := sealer.Seal([]byte(liveConfig))

	got, err := r.Resolve(context.Background(), &domain.Environment{Name: "dev", Kubeconfig: sealed, Managed: true})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(got) != liveConfig || fetcher.calls != 0 {
		t.Fatalf("expected stored content without fetching, calls=%d", fetcher.calls)
	}
}

func TestResolveReadsRealFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte(liveConfig), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, _ := newTestResolver(t, nil, nil)
	got, err := r.Resolve(context.Background(), &domain.Environment{Name: "dev", KubeconfigPath: path})
	if err != nil || string(got) != liveConfig {
		t.Fatalf("expected file content, got err=%v", err)
	}
}

func TestResolveReplacesPlaceholderFromTool(t *testing.T) {
	gen, err := Generate(t.TempDir(), "dev")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	fetcher := &fakeFetcher{content: []byte(liveConfig)}
	writer := &recordingWriter{}
	r, sealer := newTestResolver(t, fetcher, writer)

	env := &domain.Environment{ID: "env-1", Name: "dev", KubeconfigPath: gen.Path, Managed: true}
	got, err := r.Resolve(context.Background(), env)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(got) != liveConfig || fetcher.calls != 1 {
		t.Fatalf("expected tool content, calls=%d", fetcher.calls)
	}
	if writer.saved == nil {
		t.Fatalf("expected refreshed config to be stored")
	}
	opened, _ := sealer.Open(writer.saved.Kubeconfig)
	if string(opened) != liveConfig {
		t.Fatalf("stored config should be sealed tool output")
	}
}

func TestResolveUnmanagedWithoutConfig(t *testing.T) {
	r, _ := newTestResolver(t, &fakeFetcher{content: []byte(liveConfig)}, nil)
	_, err := r.Resolve(context.Background(), &domain.Environment{Name: "shared"})
	if !errors.Is(err, ErrNoAccessConfig) {
		t.Fatalf("expected ErrNoAccessConfig, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate([]byte(liveConfig)); err != nil {
		t.Fatalf("expected live config to validate: %v", err)
	}
	if err := Validate([]byte("current-context: nowhere\n")); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if err := Validate([]byte("{not yaml")); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for garbage, got %v", err)
	}
}
