package cluster

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/splax/kubeploy/internal/process"
)

type fakeRunner struct {
	calls  []string
	output []byte
	err    error
}

func (f *fakeRunner) Run(_ context.Context, _ string, name string, args ...string) error {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	return f.err
}

func (f *fakeRunner) Output(_ context.Context, _ string, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	return f.output, f.err
}

func TestK3dCommands(t *testing.T) {
	runner := &fakeRunner{output: []byte("apiVersion: v1")}
	k := NewK3d("", runner)
	ctx := context.Background()

	_ = k.Create(ctx, "dev", CreateOptions{ConfigPath: "/tmp/dev.yaml", APIPort: 40123})
	_ = k.Create(ctx, "plain", CreateOptions{})
	_ = k.Delete(ctx, "dev")
	out, _ := k.Kubeconfig(ctx, "dev")
	_ = k.ImportImage(ctx, "dev", "web:abc123")

	want := []string{
		"k3d cluster create dev --config /tmp/dev.yaml --api-port 127.0.0.1:40123 --wait",
		"k3d cluster create plain --wait",
		"k3d cluster delete dev",
		"k3d kubeconfig get dev",
		"k3d image import web:abc123 -c dev",
	}
	if len(runner.calls) != len(want) {
		t.Fatalf("expected %d calls, got %v", len(want), runner.calls)
	}
	for i := range want {
		if runner.calls[i] != want[i] {
			t.Fatalf("call %d: expected %q, got %q", i, want[i], runner.calls[i])
		}
	}
	if string(out) != "apiVersion: v1" {
		t.Fatalf("unexpected kubeconfig output %q", out)
	}
}

func TestK3dWrapsCommandErrors(t *testing.T) {
	cmdErr := &process.CommandError{Command: "k3d cluster delete dev", ExitCode: 1}
	k := NewK3d("k3d", &fakeRunner{err: cmdErr})
	err := k.Delete(context.Background(), "dev")
	var got *process.CommandError
	if !errors.As(err, &got) || got.ExitCode != 1 {
		t.Fatalf("expected wrapped CommandError, got %v", err)
	}
}
