package domain

import "time"

// EnvironmentStatus tracks cluster provisioning progress.
type EnvironmentStatus string

const (
	EnvironmentCreating EnvironmentStatus = "CREATING"
	EnvironmentReady    EnvironmentStatus = "READY"
	EnvironmentFailed   EnvironmentStatus = "FAILED"
)

// Environment is a tenant boundary backed by exactly one Kubernetes cluster.
type Environment struct {
	ID             string
	Name           string
	KubeconfigPath string
	// Kubeconfig holds sealed access configuration content.
	Kubeconfig    []byte
	Managed       bool
	Status        EnvironmentStatus
	StatusMessage string
	// CreatedBy is the user who registered the environment.
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt     time.Time
}

// HasAccessConfig reports whether any cluster access configuration is recorded.
func (e Environment) HasAccessConfig() bool {
	return len(e.Kubeconfig) > 0 || e.KubeconfigPath != ""
}
