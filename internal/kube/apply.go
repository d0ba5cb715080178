package kube

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
)

// ManagedByLabel marks every object this control plane writes.
const ManagedByLabel = "app.kubernetes.io/managed-by"

// ManagedBy is the value stored under ManagedByLabel.
const ManagedBy = "kubeploy"

// Custom resources written through the dynamic client.
var (
	GatewayResource     = schema.GroupVersionResource{Group: "gateway.networking.k8s.io", Version: "v1", Resource: "gateways"}
	HTTPRouteResource   = schema.GroupVersionResource{Group: "gateway.networking.k8s.io", Version: "v1", Resource: "httproutes"}
	CertificateResource = schema.GroupVersionResource{Group: "cert-manager.io", Version: "v1", Resource: "certificates"}
)

// ListKinds maps the custom resources above to their list kinds.
var ListKinds = map[schema.GroupVersionResource]string{
	GatewayResource:     "GatewayList",
	HTTPRouteResource:   "HTTPRouteList",
	CertificateResource: "CertificateList",
}

// ClusterApplyError reports an object the control plane rejected.
type ClusterApplyError struct {
	Kind string
	Name string
	Err  error
}

func (e *ClusterApplyError) Error() string {
	return fmt.Sprintf("apply %s %s: %v", e.Kind, e.Name, e.Err)
}

func (e *ClusterApplyError) Unwrap() error { return e.Err }

func applyErr(kind, name string, err error) error {
	return &ClusterApplyError{Kind: kind, Name: name, Err: err}
}

// EnsureNamespace creates the namespace when it does not exist.
func EnsureNamespace(ctx context.Context, cs kubernetes.Interface, name string) error {
	namespaces := cs.CoreV1().Namespaces()
	_, err := namespaces.Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !errors.IsNotFound(err) {
		return applyErr("Namespace", name, err)
	}
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
		Name:   name,
		Labels: map[string]string{ManagedByLabel: ManagedBy},
	}}
	if _, err := namespaces.Create(ctx, ns, metav1.CreateOptions{}); err != nil && !errors.IsAlreadyExists(err) {
		return applyErr("Namespace", name, err)
	}
	return nil
}

// DeleteNamespace removes the namespace. A missing namespace is not an error.
func DeleteNamespace(ctx context.Context, cs kubernetes.Interface, name string) error {
	err := cs.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return applyErr("Namespace", name, err)
	}
	return nil
}

// ApplyDeployment creates or replaces desired.
func ApplyDeployment(ctx context.Context, cs kubernetes.Interface, desired *appsv1.Deployment) error {
	deployments := cs.AppsV1().Deployments(desired.Namespace)
	existing, err := deployments.Get(ctx, desired.Name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		if _, err := deployments.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
			return applyErr("Deployment", desired.Name, err)
		}
		return nil
	}
	if err != nil {
		return applyErr("Deployment", desired.Name, err)
	}
	desired.ResourceVersion = existing.ResourceVersion
	if _, err := deployments.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return applyErr("Deployment", desired.Name, err)
	}
	return nil
}

// ApplyService creates or replaces desired, keeping the allocated cluster IP.
func ApplyService(ctx context.Context, cs kubernetes.Interface, desired *corev1.Service) error {
	services := cs.CoreV1().Services(desired.Namespace)
	existing, err := services.Get(ctx, desired.Name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		if _, err := services.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
			return applyErr("Service", desired.Name, err)
		}
		return nil
	}
	if err != nil {
		return applyErr("Service", desired.Name, err)
	}
	desired.ResourceVersion = existing.ResourceVersion
	desired.Spec.ClusterIP = existing.Spec.ClusterIP
	desired.Spec.ClusterIPs = existing.Spec.ClusterIPs
	if _, err := services.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return applyErr("Service", desired.Name, err)
	}
	return nil
}

// ApplyRoleBinding creates or replaces desired. roleRef is immutable, so a
// binding pointing at another role is deleted and recreated.
func ApplyRoleBinding(ctx context.Context, cs kubernetes.Interface, desired *rbacv1.RoleBinding) error {
	bindings := cs.RbacV1().RoleBindings(desired.Namespace)
	existing, err := bindings.Get(ctx, desired.Name, metav1.GetOptions{})
	switch {
	case errors.IsNotFound(err):
	case err != nil:
		return applyErr("RoleBinding", desired.Name, err)
	case !equality.Semantic.DeepEqual(existing.RoleRef, desired.RoleRef):
		if err := bindings.Delete(ctx, desired.Name, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
			return applyErr("RoleBinding", desired.Name, err)
		}
	default:
		desired.ResourceVersion = existing.ResourceVersion
		if _, err := bindings.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
			return applyErr("RoleBinding", desired.Name, err)
		}
		return nil
	}
	if _, err := bindings.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
		return applyErr("RoleBinding", desired.Name, err)
	}
	return nil
}

// DeleteRoleBinding removes a binding. A missing binding is not an error.
func DeleteRoleBinding(ctx context.Context, cs kubernetes.Interface, namespace, name string) error {
	err := cs.RbacV1().RoleBindings(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return applyErr("RoleBinding", name, err)
	}
	return nil
}

// ApplyUnstructured creates or replaces a namespaced custom resource.
func ApplyUnstructured(ctx context.Context, dyn dynamic.Interface, gvr schema.GroupVersionResource, desired *unstructured.Unstructured) error {
	resources := dyn.Resource(gvr).Namespace(desired.GetNamespace())
	existing, err := resources.Get(ctx, desired.GetName(), metav1.GetOptions{})
	if errors.IsNotFound(err) {
		if _, err := resources.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
			return applyErr(desired.GetKind(), desired.GetName(), err)
		}
		return nil
	}
	if err != nil {
		return applyErr(desired.GetKind(), desired.GetName(), err)
	}
	desired.SetResourceVersion(existing.GetResourceVersion())
	if _, err := resources.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return applyErr(desired.GetKind(), desired.GetName(), err)
	}
	return nil
}

// CreateUnstructuredIfAbsent creates desired only when no object of that name
// exists. It reports whether it created one.
func CreateUnstructuredIfAbsent(ctx context.Context, dyn dynamic.Interface, gvr schema.GroupVersionResource, desired *unstructured.Unstructured) (bool, error) {
	resources := dyn.Resource(gvr).Namespace(desired.GetNamespace())
	_, err := resources.Get(ctx, desired.GetName(), metav1.GetOptions{})
	if err == nil {
		return false, nil
	}
	if !errors.IsNotFound(err) {
		return false, applyErr(desired.GetKind(), desired.GetName(), err)
	}
	if _, err := resources.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
		if errors.IsAlreadyExists(err) {
			return false, nil
		}
		return false, applyErr(desired.GetKind(), desired.GetName(), err)
	}
	return true, nil
}
