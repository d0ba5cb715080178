package kube

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/splax/kubeploy/internal/domain"
)

func kubeconfigFor(server string) []byte {
	return []byte(strings.Replace(sampleKubeconfig, "https://127.0.0.1:6443", server, 1))
}

func TestFollowStreamOutlivesRequestTimeout(t *testing.T) {
	const lines = 6
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/namespaces/team-a/pods/web-0/log" {
			http.NotFound(w, r)
			return
		}
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for i := 0; i < lines; i++ {
			_, _ = fmt.Fprintf(w, "line %d\n", i)
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(300 * time.Millisecond):
			}
		}
	}))
	defer srv.Close()

	c := NewConnector(staticSource(kubeconfigFor(srv.URL)), time.Second)
	client, err := c.Connect(context.Background(), &domain.Environment{Name: "dev"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := client.Streaming.CoreV1().Pods("team-a").
		GetLogs("web-0", &corev1.PodLogOptions{Follow: true}).Stream(ctx)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	var got int
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		got++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("stream cut after %d lines: %v", got, err)
	}
	if got != lines {
		t.Fatalf("expected %d lines, got %d", lines, got)
	}
}

func TestRequestClientKeepsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewConnector(staticSource(kubeconfigFor(srv.URL)), 200*time.Millisecond)
	client, err := c.Connect(context.Background(), &domain.Environment{Name: "dev"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	start := time.Now()
	_, err = client.Typed.CoreV1().Namespaces().Get(context.Background(), "team-a", metav1.GetOptions{})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("request was not bounded, took %s", elapsed)
	}
}
