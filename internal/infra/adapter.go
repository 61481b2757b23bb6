// Package infra defines the boundary between orchestration and the cluster,
// release manager and database server a tenant is built from.
package infra

import "context"

// Result reports what a mutating adapter call actually did.
type Result int

const (
	Applied Result = iota
	AlreadyDone
	// Unverified means the call returned without proof of effect; callers
	// must re-check the resource before moving on.
	Unverified
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case AlreadyDone:
		return "already_done"
	case Unverified:
		return "unverified"
	}
	return "unknown"
}

// DatabaseSpec describes a tenant database and its owning role.
type DatabaseSpec struct {
	Name     string
	Owner    string
	Password string
}

// ReleaseSpec carries everything the chart needs for one tenant.
type ReleaseSpec struct {
	TenantID    string
	Namespace   string
	ReleaseName string
	Hostname    string
	AppName     string
	Plan        string

	Database DatabaseSpec

	StorageSize string
	Replicas    int
	CPU         string
	Memory      string
}

// SetupSpec describes the one-time in-cluster installer run.
type SetupSpec struct {
	Namespace   string
	ReleaseName string
	AppName     string
	AdminEmail  string
}

// Credentials are generated by the one-time setup.
type Credentials struct {
	Username string
	Password string
}

// Adapter performs idempotent infrastructure operations for a tenant.
// Every mutating call must be safe to repeat.
type Adapter interface {
	CreateNamespace(ctx context.Context, name string, labels map[string]string) (Result, error)
	DeleteNamespace(ctx context.Context, name string) (Result, error)
	NamespaceExists(ctx context.Context, name string) (bool, error)

	CreateDatabase(ctx context.Context, spec DatabaseSpec) (Result, error)
	DropDatabase(ctx context.Context, name, owner string) (Result, error)
	DatabaseExists(ctx context.Context, name string) (bool, error)

	InstallOrUpgradeRelease(ctx context.Context, spec ReleaseSpec) (Result, error)
	UninstallRelease(ctx context.Context, namespace, release string) (Result, error)
	ScaleRelease(ctx context.Context, namespace, release string, replicas int) (Result, error)

	RunOneTimeSetup(ctx context.Context, spec SetupSpec) (Result, error)
	ReadGeneratedCredentials(ctx context.Context, namespace, release string) (Credentials, error)
}

// ReplicaReader is implemented by adapters that can report the live
// replica count of a release. ok is false when the release is not deployed.
type ReplicaReader interface {
	ReleaseReplicas(ctx context.Context, namespace, release string) (replicas int, ok bool, err error)
}
