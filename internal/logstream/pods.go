package logstream

import (
	"bufio"
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const maxLogLine = 1024 * 1024

// TailPod follows every container of a pod, one worker per container, and
// forwards lines as "[<container>] <line>". It returns when all workers have
// stopped: stream end, read error, session cancellation or ctx expiry.
func (g *Gateway) TailPod(ctx context.Context, client kubernetes.Interface, namespace, podName, sessionID string) error {
	pod, err := client.CoreV1().Pods(namespace).Get(ctx, podName, kubeapimeta.GetOptions{})
	if err != nil {
		if kubeerr.IsNotFound(err) {
			g.Send(sessionID, KindApp, "Pod not found: "+podName)
		}
		return fmt.Errorf("get pod %s: %w", podName, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-g.Done(sessionID):
			cancel()
		case <-ctx.Done():
		}
	}()

	var group errgroup.Group
	for _, c := range pod.Spec.Containers {
		container := c.Name
		group.Go(func() error {
			g.tailContainer(ctx, client, namespace, podName, container, sessionID)
			return nil
		})
	}
	return group.Wait()
}

func (g *Gateway) tailContainer(ctx context.Context, client kubernetes.Interface, namespace, podName, container, sessionID string) {
	prefix := "[" + container + "] "
	opts := &kubecore.PodLogOptions{Container: container, Follow: true}
	stream, err := client.CoreV1().Pods(namespace).GetLogs(podName, opts).Stream(ctx)
	if err != nil {
		g.logger.Warn("open pod log stream failed", "pod", podName, "container", container, "error", err)
		g.Send(sessionID, KindApp, prefix+"Error: "+err.Error())
		return
	}
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLine)
	for scanner.Scan() {
		if g.IsCancelled(sessionID) {
			return
		}
		g.Send(sessionID, KindApp, prefix+scanner.Text())
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		g.logger.Warn("pod log stream failed", "pod", podName, "container", container, "error", err)
		g.Send(sessionID, KindApp, prefix+"Error: "+err.Error())
	}
}
