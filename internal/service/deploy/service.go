// Package deploy reconciles an application's workload, service, routes and
// certificates in its environment's cluster.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"

	"github.com/splax/kubeploy/internal/domain"
	"github.com/splax/kubeploy/internal/kube"
	"github.com/splax/kubeploy/internal/logstream"
	"github.com/splax/kubeploy/internal/metrics"
	"github.com/splax/kubeploy/internal/worker"
)

const (
	defaultReadyAttempts = 30
	defaultReadyInterval = time.Second
	defaultTailMax       = 30 * time.Minute
	defaultTailGrace     = 2 * time.Minute
	defaultIssuer        = "letsencrypt-staging"
)

// ErrInvalidRequest is returned when a request lacks an application, image or namespace.
var ErrInvalidRequest = errors.New("deploy: invalid request")

// PodNotReadyError reports that no running pod appeared within the readiness budget.
type PodNotReadyError struct {
	Application string
	Attempts    int
	Err         error
}

func (e *PodNotReadyError) Error() string {
	return fmt.Sprintf("pod for %s not ready after %d attempts", e.Application, e.Attempts)
}

func (e *PodNotReadyError) Unwrap() error { return e.Err }

// Pool runs detached work. Go is for long-lived tasks that must not hold a
// bounded slot.
type Pool interface {
	Submit(name string, task worker.Task) error
	Go(name string, task worker.Task) error
}

// LogGateway receives session output and tails pods on its behalf.
type LogGateway interface {
	logstream.Sender
	AwaitClient(ctx context.Context, sessionID string, grace time.Duration) bool
	TailPod(ctx context.Context, client kubernetes.Interface, namespace, pod, sessionID string) error
}

// Config tunes readiness polling, log tailing and certificate issuance.
// TailGrace bounds how long a tail waits for a viewer before giving up.
type Config struct {
	CertIssuer    string
	ReadyAttempts int
	ReadyInterval time.Duration
	TailMax       time.Duration
	TailGrace     time.Duration
}

// Request describes one rollout.
type Request struct {
	Application domain.Application
	Domains     []domain.Domain
	Environment domain.Environment
	Namespace   string
	ImageTag    string
}

// ResultFunc observes the outcome of a rollout of imageTag. err is nil once a
// pod is running.
type ResultFunc func(applicationID, imageTag string, err error)

// Service applies rollouts in the background.
type Service struct {
	clients  kube.Factory
	pool     Pool
	logs     LogGateway
	cfg      Config
	logger   *slog.Logger
	onResult ResultFunc

	rollouts *prometheus.CounterVec
}

// New returns a deploy service.
func New(clients kube.Factory, pool Pool, logs LogGateway, cfg Config, logger *slog.Logger) *Service {
	if cfg.ReadyAttempts <= 0 {
		cfg.ReadyAttempts = defaultReadyAttempts
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = defaultReadyInterval
	}
	if cfg.TailMax <= 0 {
		cfg.TailMax = defaultTailMax
	}
	if cfg.TailGrace <= 0 {
		cfg.TailGrace = defaultTailGrace
	}
	if cfg.CertIssuer == "" {
		cfg.CertIssuer = defaultIssuer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		clients:  clients,
		pool:     pool,
		logs:     logs,
		cfg:      cfg,
		logger:   logger,
		rollouts: metrics.NewCounterVec("deploy", "rollouts_total", "Rollouts by outcome", "outcome"),
	}
}

// OnResult registers fn to be called when each rollout finishes.
func (s *Service) OnResult(fn ResultFunc) {
	s.onResult = fn
}

// Deploy validates req, schedules the rollout and returns the session id it
// reports to. An empty sessionID allocates a new one.
func (s *Service) Deploy(_ context.Context, sessionID string, req Request) (string, error) {
	if req.Application.Name == "" || req.ImageTag == "" || req.Namespace == "" {
		return "", ErrInvalidRequest
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	err := s.pool.Submit("deploy", func(ctx context.Context) {
		s.run(ctx, sessionID, req)
	})
	if err != nil {
		return "", fmt.Errorf("schedule rollout: %w", err)
	}
	return sessionID, nil
}

func (s *Service) run(ctx context.Context, sessionID string, req Request) {
	log := s.logger.With("application_id", req.Application.ID, "session_id", sessionID, "namespace", req.Namespace)
	err := s.rollout(ctx, sessionID, req, log)
	if err != nil {
		log.Error("rollout failed", "error", err)
		s.logs.Send(sessionID, logstream.KindDeploy, "Error: "+err.Error())
		s.rollouts.WithLabelValues("failed").Inc()
	} else {
		s.rollouts.WithLabelValues("succeeded").Inc()
	}
	if s.onResult != nil {
		s.onResult(req.Application.ID, req.ImageTag, err)
	}
}

func (s *Service) rollout(ctx context.Context, sessionID string, req Request, log *slog.Logger) error {
	app := req.Application.Name
	ns := req.Namespace
	s.logs.Send(sessionID, logstream.KindDeploy, "Starting deployment of "+app)

	client, err := s.clients.Connect(ctx, &req.Environment)
	if err != nil {
		return err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			client.Close()
		}
	}()

	if err := kube.EnsureNamespace(ctx, client.Typed, ns); err != nil {
		return err
	}
	port := 0
	if len(req.Domains) > 0 {
		port = req.Domains[0].Port
	}
	if err := kube.ApplyDeployment(ctx, client.Typed, buildDeployment(ns, app, req.ImageTag, port)); err != nil {
		return err
	}
	s.logs.Send(sessionID, logstream.KindDeploy, "Deployment created.")
	log.Info("deployment applied", "image", req.ImageTag)

	if len(req.Domains) > 0 {
		s.expose(ctx, client, sessionID, req, port, log)
	}

	pod, err := s.waitForPod(ctx, client.Typed, ns, app)
	if err != nil {
		return err
	}
	s.logs.Send(sessionID, logstream.KindDeploy, "Streaming logs from pod: "+pod)

	tail := func(ctx context.Context) {
		defer client.Close()
		if !s.logs.AwaitClient(ctx, sessionID, s.cfg.TailGrace) {
			log.Info("no log client attached, skipping pod tail", "pod", pod)
			return
		}
		ctx, cancel := context.WithTimeout(ctx, s.cfg.TailMax)
		defer cancel()
		if err := s.logs.TailPod(ctx, client.Streaming, ns, pod, sessionID); err != nil {
			log.Warn("pod log tailing stopped", "pod", pod, "error", err)
		}
	}
	if err := s.pool.Go("tail-pod", tail); err != nil {
		log.Warn("pod log tailing not scheduled", "pod", pod, "error", err)
	} else {
		handedOff = true
	}

	s.logs.Send(sessionID, logstream.KindDeploy, "Deployment completed.")
	return nil
}

// expose applies the service, gateways, routes and certificates. Failures are
// reported but leave the workload in place.
func (s *Service) expose(ctx context.Context, client *kube.Client, sessionID string, req Request, port int, log *slog.Logger) {
	app := req.Application.Name
	ns := req.Namespace
	report := func(err error) {
		log.Warn("exposure step failed", "error", err)
		s.logs.Send(sessionID, logstream.KindDeploy, "Error: "+err.Error())
	}

	if err := kube.ApplyService(ctx, client.Typed, buildService(ns, app, port)); err != nil {
		report(err)
		return
	}
	for _, d := range req.Domains {
		created, err := kube.CreateUnstructuredIfAbsent(ctx, client.Dynamic, kube.GatewayResource, buildGateway(ns, d.Gateway))
		if err != nil {
			report(err)
			continue
		}
		if created {
			log.Info("gateway created", "gateway", gatewayName(d.Gateway))
		}
		if d.TLS {
			if err := kube.ApplyUnstructured(ctx, client.Dynamic, kube.CertificateResource, buildCertificate(ns, app, s.cfg.CertIssuer, d)); err != nil {
				report(err)
			}
		}
		if err := kube.ApplyUnstructured(ctx, client.Dynamic, kube.HTTPRouteResource, buildRoute(ns, app, d)); err != nil {
			report(err)
			continue
		}
		log.Info("route applied", "host", d.Host, "gateway", gatewayName(d.Gateway), "tls", d.TLS)
	}
}

func (s *Service) waitForPod(ctx context.Context, cs kubernetes.Interface, namespace, app string) (string, error) {
	var podName string
	timeout := s.cfg.ReadyInterval * time.Duration(s.cfg.ReadyAttempts)
	selector := appLabel + "=" + app
	err := wait.PollUntilContextTimeout(ctx, s.cfg.ReadyInterval, timeout, true, func(ctx context.Context) (bool, error) {
		pods, err := cs.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			return false, err
		}
		for _, pod := range pods.Items {
			if pod.Status.Phase == corev1.PodRunning {
				podName = pod.Name
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		if wait.Interrupted(err) {
			return "", &PodNotReadyError{Application: app, Attempts: s.cfg.ReadyAttempts, Err: err}
		}
		return "", fmt.Errorf("wait for pod %s: %w", app, err)
	}
	return podName, nil
}
