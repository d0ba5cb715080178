package rbac

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/splax/kubeploy/internal/domain"
	"github.com/splax/kubeploy/internal/kube"
	"github.com/splax/kubeploy/internal/repository/memory"
	"github.com/splax/kubeploy/internal/worker"
)

type inlinePool struct{}

func (inlinePool) Submit(_ string, task worker.Task) error {
	task(context.Background())
	return nil
}

// heldPool keeps tasks until run is called, then runs them in reverse order.
type heldPool struct {
	tasks []worker.Task
}

func (p *heldPool) Submit(_ string, task worker.Task) error {
	p.tasks = append(p.tasks, task)
	return nil
}

func (p *heldPool) runReversed() {
	for i := len(p.tasks) - 1; i >= 0; i-- {
		p.tasks[i](context.Background())
	}
	p.tasks = nil
}

type fakeConnector struct {
	typed  *fake.Clientset
	err    error
	opened int
	closed int
}

func (f *fakeConnector) Connect(context.Context, *domain.Environment) (*kube.Client, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.opened++
	return kube.NewClient(f.typed, nil, func() { f.closed++ }), nil
}

func newTestService(t *testing.T, opts ...func(*Service)) (Service, *memory.Store, *fakeConnector, domain.Team) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	if err := store.CreateEnvironment(ctx, &domain.Environment{ID: "env-1", Name: "dev", Status: domain.EnvironmentReady}); err != nil {
		t.Fatalf("seed environment: %v", err)
	}
	team := domain.Team{ID: "team-1", EnvironmentID: "env-1", Name: "Platform Team", Namespace: "platform-team"}
	if err := store.CreateTeam(ctx, &team); err != nil {
		t.Fatalf("seed team: %v", err)
	}
	conn := &fakeConnector{typed: fake.NewSimpleClientset()}
	svc := New(store, store, conn, inlinePool{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, opt := range opts {
		opt(&svc)
	}
	return svc, store, conn, team
}

func TestNamespaceSanitization(t *testing.T) {
	cases := map[string]string{
		"Platform Team":         "platform-team",
		"  --Data__Science--  ": "data-science",
		"ÄÖÜ":                   "team",
		"":                      "team",
		"a..b":                  "a-b",
		strings.Repeat("x", 80): strings.Repeat("x", 63),
	}
	for in, want := range cases {
		if got := Namespace(in); got != want {
			t.Fatalf("Namespace(%q): expected %q, got %q", in, want, got)
		}
	}
	if got := BindingName("Alice@Example.com"); got != "alice-example-com-binding" {
		t.Fatalf("unexpected binding name %q", got)
	}
}

func TestEnsureNamespaceBindsMembers(t *testing.T) {
	svc, store, conn, team := newTestService(t)
	ctx := context.Background()
	_ = store.UpsertBinding(ctx, &domain.UserRoleBinding{TeamID: team.ID, UserID: "alice", Role: domain.RoleOwner})
	_ = store.UpsertBinding(ctx, &domain.UserRoleBinding{TeamID: team.ID, UserID: "bob", Role: domain.RoleViewer})

	if err := svc.EnsureNamespace(ctx, team); err != nil {
		t.Fatalf("EnsureNamespace: %v", err)
	}
	if _, err := conn.typed.CoreV1().Namespaces().Get(ctx, "platform-team", metav1.GetOptions{}); err != nil {
		t.Fatalf("expected namespace: %v", err)
	}
	rb, err := conn.typed.RbacV1().RoleBindings("platform-team").Get(ctx, "bob-binding", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("expected bob binding: %v", err)
	}
	if rb.RoleRef.Kind != "ClusterRole" || rb.RoleRef.Name != domain.ClusterRoleView {
		t.Fatalf("unexpected role ref %+v", rb.RoleRef)
	}
	if rb.Subjects[0].Kind != "User" || rb.Subjects[0].Name != "bob" || rb.Subjects[0].APIGroup != "rbac.authorization.k8s.io" {
		t.Fatalf("unexpected subject %+v", rb.Subjects[0])
	}
	if conn.opened != conn.closed {
		t.Fatalf("client leaked: opened %d closed %d", conn.opened, conn.closed)
	}
}

func TestSyncBindingUpdatesAndDeletes(t *testing.T) {
	svc, _, conn, team := newTestService(t)
	ctx := context.Background()
	dev := domain.RoleDeveloper
	admin := domain.RoleAdmin

	if err := svc.SyncBinding(ctx, team, "carol", &dev); err != nil {
		t.Fatalf("SyncBinding: %v", err)
	}
	if err := svc.SyncBinding(ctx, team, "carol", &admin); err != nil {
		t.Fatalf("SyncBinding promote: %v", err)
	}
	rb, _ := conn.typed.RbacV1().RoleBindings("platform-team").Get(ctx, "carol-binding", metav1.GetOptions{})
	if rb.RoleRef.Name != domain.ClusterRoleAdmin {
		t.Fatalf("expected admin after promotion, got %s", rb.RoleRef.Name)
	}

	if err := svc.SyncBinding(ctx, team, "carol", nil); err != nil {
		t.Fatalf("SyncBinding delete: %v", err)
	}
	if _, err := conn.typed.RbacV1().RoleBindings("platform-team").Get(ctx, "carol-binding", metav1.GetOptions{}); !apierrors.IsNotFound(err) {
		t.Fatalf("expected binding deleted, got %v", err)
	}
	if err := svc.SyncBinding(ctx, team, "carol", nil); err != nil {
		t.Fatalf("deleting a missing binding should succeed, got %v", err)
	}
}

func TestDeleteNamespace(t *testing.T) {
	svc, _, conn, team := newTestService(t)
	ctx := context.Background()
	_ = svc.EnsureNamespace(ctx, team)
	if err := svc.DeleteNamespace(ctx, team); err != nil {
		t.Fatalf("DeleteNamespace: %v", err)
	}
	if _, err := conn.typed.CoreV1().Namespaces().Get(ctx, "platform-team", metav1.GetOptions{}); !apierrors.IsNotFound(err) {
		t.Fatalf("expected namespace removed, got %v", err)
	}
}

func TestSubmitSwallowsErrors(t *testing.T) {
	svc, _, conn, team := newTestService(t)
	conn.err = errors.New("cluster unreachable")

	svc.SubmitEnsureNamespace(team)
	svc.SubmitSyncBinding(team, "dave")
	svc.SubmitDeleteNamespace(team)
}

func TestMissingEnvironment(t *testing.T) {
	svc, _, _, team := newTestService(t)
	team.EnvironmentID = "gone"
	if err := svc.EnsureNamespace(context.Background(), team); err == nil {
		t.Fatalf("expected error for unknown environment")
	}
}

func TestReconcileFollowsStoredMembership(t *testing.T) {
	pool := &heldPool{}
	svc, store, conn, team := newTestService(t, func(s *Service) { s.pool = pool })
	ctx := context.Background()

	// Add then remove, with the background tasks running out of order.
	_ = store.UpsertBinding(ctx, &domain.UserRoleBinding{TeamID: team.ID, UserID: "erin", Role: domain.RoleDeveloper})
	svc.SubmitSyncBinding(team, "erin")
	_ = store.DeleteBinding(ctx, team.ID, "erin")
	svc.SubmitSyncBinding(team, "erin")
	pool.runReversed()

	if _, err := conn.typed.RbacV1().RoleBindings("platform-team").Get(ctx, "erin-binding", metav1.GetOptions{}); !apierrors.IsNotFound(err) {
		t.Fatalf("expected no binding for a removed member, got %v", err)
	}
}

func TestReconcileAppliesLatestRole(t *testing.T) {
	pool := &heldPool{}
	svc, store, conn, team := newTestService(t, func(s *Service) { s.pool = pool })
	ctx := context.Background()

	_ = store.UpsertBinding(ctx, &domain.UserRoleBinding{TeamID: team.ID, UserID: "frank", Role: domain.RoleViewer})
	svc.SubmitSyncBinding(team, "frank")
	_ = store.UpsertBinding(ctx, &domain.UserRoleBinding{TeamID: team.ID, UserID: "frank", Role: domain.RoleAdmin})
	svc.SubmitSyncBinding(team, "frank")
	pool.runReversed()

	rb, err := conn.typed.RbacV1().RoleBindings("platform-team").Get(ctx, "frank-binding", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("expected binding: %v", err)
	}
	if rb.RoleRef.Name != domain.ClusterRoleAdmin {
		t.Fatalf("expected latest role %s, got %s", domain.ClusterRoleAdmin, rb.RoleRef.Name)
	}
}
