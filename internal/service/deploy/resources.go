package deploy

import (
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/splax/kubeploy/internal/domain"
	"github.com/splax/kubeploy/internal/kube"
)

const appLabel = "app"

func labelsFor(app string) map[string]string {
	return map[string]string{appLabel: app, kube.ManagedByLabel: kube.ManagedBy}
}

func buildDeployment(namespace, app, image string, port int) *appsv1.Deployment {
	container := corev1.Container{Name: app, Image: image}
	if port > 0 {
		container.Ports = []corev1.ContainerPort{{ContainerPort: int32(port)}}
	}
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: app, Namespace: namespace, Labels: labelsFor(app)},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To[int32](1),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{appLabel: app}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labelsFor(app)},
				Spec:       corev1.PodSpec{Containers: []corev1.Container{container}},
			},
		},
	}
}

func buildService(namespace, app string, port int) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: app, Namespace: namespace, Labels: labelsFor(app)},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{appLabel: app},
			Ports: []corev1.ServicePort{{
				Port:       int32(port),
				TargetPort: intstr.FromInt(port),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
}

// hostSuffix turns a.example.com into a-example-com.
func hostSuffix(host string) string {
	return strings.ReplaceAll(strings.ToLower(host), ".", "-")
}

func gatewayName(gw domain.GatewayType) string {
	return gatewayClass(gw) + "-gateway"
}

func gatewayClass(gw domain.GatewayType) string {
	if gw == domain.GatewayNginx {
		return "nginx"
	}
	return "traefik"
}

func routeName(app, host string) string { return app + "-route-" + hostSuffix(host) }

// TLSSecretName is the secret a TLS domain's certificate is written to.
func TLSSecretName(app, host string) string { return app + "-tls-" + hostSuffix(host) }

func buildGateway(namespace string, gw domain.GatewayType) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "gateway.networking.k8s.io/v1",
		"kind":       "Gateway",
		"metadata": map[string]any{
			"name":      gatewayName(gw),
			"namespace": namespace,
			"labels":    map[string]any{kube.ManagedByLabel: kube.ManagedBy},
		},
		"spec": map[string]any{
			"gatewayClassName": gatewayClass(gw),
			"listeners": []any{
				map[string]any{"name": "http", "protocol": "HTTP", "port": int64(80)},
				map[string]any{"name": "https", "protocol": "HTTPS", "port": int64(443)},
			},
		},
	}}
}

func buildRoute(namespace, app string, d domain.Domain) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "gateway.networking.k8s.io/v1",
		"kind":       "HTTPRoute",
		"metadata": map[string]any{
			"name":      routeName(app, d.Host),
			"namespace": namespace,
			"labels":    map[string]any{appLabel: app, kube.ManagedByLabel: kube.ManagedBy},
		},
		"spec": map[string]any{
			"parentRefs": []any{map[string]any{"name": gatewayName(d.Gateway)}},
			"hostnames":  []any{d.Host},
			"rules": []any{map[string]any{
				"matches": []any{map[string]any{
					"path": map[string]any{"type": "PathPrefix", "value": "/"},
				}},
				"backendRefs": []any{map[string]any{"name": app, "port": int64(d.Port)}},
			}},
		},
	}}
}

func buildCertificate(namespace, app, issuer string, d domain.Domain) *unstructured.Unstructured {
	secret := TLSSecretName(app, d.Host)
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "cert-manager.io/v1",
		"kind":       "Certificate",
		"metadata": map[string]any{
			"name":      secret,
			"namespace": namespace,
			"labels":    map[string]any{appLabel: app, kube.ManagedByLabel: kube.ManagedBy},
		},
		"spec": map[string]any{
			"secretName": secret,
			"dnsNames":   []any{d.Host},
			"issuerRef":  map[string]any{"name": issuer, "kind": "ClusterIssuer"},
		},
	}}
}
