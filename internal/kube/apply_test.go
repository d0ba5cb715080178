package kube

import (
	"context"
	"errors"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/splax/kubeploy/internal/domain"
)

func TestEnsureNamespaceIsIdempotent(t *testing.T) {
	cs := fake.NewSimpleClientset()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := EnsureNamespace(ctx, cs, "team-a"); err != nil {
			t.Fatalf("EnsureNamespace: %v", err)
		}
	}
	ns, err := cs.CoreV1().Namespaces().Get(ctx, "team-a", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get namespace: %v", err)
	}
	if ns.Labels[ManagedByLabel] != ManagedBy {
		t.Fatalf("expected managed-by label, got %v", ns.Labels)
	}
	if err := DeleteNamespace(ctx, cs, "team-a"); err != nil {
		t.Fatalf("DeleteNamespace: %v", err)
	}
	if err := DeleteNamespace(ctx, cs, "team-a"); err != nil {
		t.Fatalf("deleting a missing namespace should succeed, got %v", err)
	}
}

func TestApplyDeploymentUpdatesExisting(t *testing.T) {
	cs := fake.NewSimpleClientset()
	ctx := context.Background()
	desired := func(image string) *appsv1.Deployment {
		return &appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "ns"},
			Spec: appsv1.DeploymentSpec{Template: corev1.PodTemplateSpec{Spec: corev1.PodSpec{
				Containers: []corev1.Container{{Name: "web", Image: image}},
			}}},
		}
	}
	if err := ApplyDeployment(ctx, cs, desired("web:1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ApplyDeployment(ctx, cs, desired("web:2")); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := cs.AppsV1().Deployments("ns").Get(ctx, "web", metav1.GetOptions{})
	if image := got.Spec.Template.Spec.Containers[0].Image; image != "web:2" {
		t.Fatalf("expected updated image, got %s", image)
	}
}

func TestApplyServiceKeepsClusterIP(t *testing.T) {
	existing := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "ns"},
		Spec:       corev1.ServiceSpec{ClusterIP: "10.0.0.7"},
	}
	cs := fake.NewSimpleClientset(existing)
	ctx := context.Background()
	desired := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "ns"},
		Spec:       corev1.ServiceSpec{Ports: []corev1.ServicePort{{Port: 8080}}},
	}
	if err := ApplyService(ctx, cs, desired); err != nil {
		t.Fatalf("ApplyService: %v", err)
	}
	got, _ := cs.CoreV1().Services("ns").Get(ctx, "web", metav1.GetOptions{})
	if got.Spec.ClusterIP != "10.0.0.7" || len(got.Spec.Ports) != 1 {
		t.Fatalf("unexpected service spec %+v", got.Spec)
	}
}

func TestApplyRoleBindingRecreatesOnRoleChange(t *testing.T) {
	cs := fake.NewSimpleClientset()
	ctx := context.Background()
	binding := func(role string) *rbacv1.RoleBinding {
		return &rbacv1.RoleBinding{
			ObjectMeta: metav1.ObjectMeta{Name: "alice-binding", Namespace: "ns"},
			Subjects:   []rbacv1.Subject{{Kind: rbacv1.UserKind, APIGroup: rbacv1.GroupName, Name: "alice"}},
			RoleRef:    rbacv1.RoleRef{APIGroup: rbacv1.GroupName, Kind: "ClusterRole", Name: role},
		}
	}
	if err := ApplyRoleBinding(ctx, cs, binding("edit")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ApplyRoleBinding(ctx, cs, binding("admin")); err != nil {
		t.Fatalf("change role: %v", err)
	}
	got, _ := cs.RbacV1().RoleBindings("ns").Get(ctx, "alice-binding", metav1.GetOptions{})
	if got.RoleRef.Name != "admin" {
		t.Fatalf("expected admin role ref, got %s", got.RoleRef.Name)
	}

	var deleted bool
	for _, action := range cs.Actions() {
		if action.GetVerb() == "delete" && action.GetResource().Resource == "rolebindings" {
			deleted = true
		}
	}
	if !deleted {
		t.Fatalf("expected role change to delete and recreate the binding")
	}
	if err := DeleteRoleBinding(ctx, cs, "ns", "missing"); err != nil {
		t.Fatalf("expected NotFound to be ignored, got %v", err)
	}
}

func TestRejectedWriteIsClusterApplyError(t *testing.T) {
	cs := fake.NewSimpleClientset()
	cs.PrependReactor("create", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("admission webhook denied")
	})
	err := ApplyDeployment(context.Background(), cs, &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "ns"}})
	var applyErr *ClusterApplyError
	if !errors.As(err, &applyErr) {
		t.Fatalf("expected ClusterApplyError, got %v", err)
	}
	if applyErr.Kind != "Deployment" || applyErr.Name != "web" {
		t.Fatalf("unexpected error fields %+v", applyErr)
	}
}

func newRoute(host string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "gateway.networking.k8s.io/v1",
		"kind":       "HTTPRoute",
		"metadata":   map[string]any{"name": "web-route", "namespace": "ns"},
		"spec":       map[string]any{"hostnames": []any{host}},
	}}
	return obj
}

func TestApplyUnstructured(t *testing.T) {
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), ListKinds)
	ctx := context.Background()
	if err := ApplyUnstructured(ctx, dyn, HTTPRouteResource, newRoute("a.example.com")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ApplyUnstructured(ctx, dyn, HTTPRouteResource, newRoute("b.example.com")); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := dyn.Resource(HTTPRouteResource).Namespace("ns").Get(ctx, "web-route", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	hosts, _, _ := unstructured.NestedStringSlice(got.Object, "spec", "hostnames")
	if len(hosts) != 1 || hosts[0] != "b.example.com" {
		t.Fatalf("expected updated hostnames, got %v", hosts)
	}

	created, err := CreateUnstructuredIfAbsent(ctx, dyn, HTTPRouteResource, newRoute("c.example.com"))
	if err != nil || created {
		t.Fatalf("expected existing object to be left alone, created=%v err=%v", created, err)
	}
}

type staticSource []byte

func (s staticSource) Resolve(context.Context, *domain.Environment) ([]byte, error) {
	return s, nil
}

const sampleKubeconfig = `apiVersion: v1
kind: Config
clusters:
- name: default
  cluster:
    server: https://127.0.0.1:6443
    insecure-skip-tls-verify: true
contexts:
- name: default
  context:
    cluster: default
    user: default
current-context: default
users:
- name: default
  user:
    token: dummy-token
`

func TestConnectorBuildsClients(t *testing.T) {
	c := NewConnector(staticSource(sampleKubeconfig), 0)
	client, err := c.Connect(context.Background(), &domain.Environment{Name: "dev"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()
	if client.Typed == nil || client.Dynamic == nil {
		t.Fatalf("expected both clients to be set")
	}

	if _, err := NewConnector(staticSource(nil), 0).Connect(context.Background(), &domain.Environment{Name: "dev"}); !errors.Is(err, ErrEmptyConfig) {
		t.Fatalf("expected ErrEmptyConfig, got %v", err)
	}
}
