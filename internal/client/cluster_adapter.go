package client

import (
	"context"

	"github.com/wenwu/saas-platform/tenant-provisioner/internal/infra"
)

var (
	_ infra.Adapter       = (*ClusterAdapter)(nil)
	_ infra.ReplicaReader = (*ClusterAdapter)(nil)
)

// ClusterAdapter is the production infra.Adapter: namespaces and scaling go
// through the cluster API, releases through helm, databases through the
// tenant database server.
type ClusterAdapter struct {
	kube      *KubeClient
	helm      *HelmClient
	db        *TenantDBAdmin
	installer *Installer
}

func NewClusterAdapter(kube *KubeClient, helm *HelmClient, db *TenantDBAdmin, installer *Installer) *ClusterAdapter {
	return &ClusterAdapter{kube: kube, helm: helm, db: db, installer: installer}
}

func (a *ClusterAdapter) CreateNamespace(ctx context.Context, name string, labels map[string]string) (infra.Result, error) {
	return a.kube.CreateNamespace(ctx, name, labels)
}

func (a *ClusterAdapter) DeleteNamespace(ctx context.Context, name string) (infra.Result, error) {
	return a.kube.DeleteNamespace(ctx, name)
}

func (a *ClusterAdapter) NamespaceExists(ctx context.Context, name string) (bool, error) {
	return a.kube.NamespaceExists(ctx, name)
}

func (a *ClusterAdapter) CreateDatabase(ctx context.Context, spec infra.DatabaseSpec) (infra.Result, error) {
	return a.db.CreateDatabase(ctx, spec)
}

func (a *ClusterAdapter) DropDatabase(ctx context.Context, name, owner string) (infra.Result, error) {
	return a.db.DropDatabase(ctx, name, owner)
}

func (a *ClusterAdapter) DatabaseExists(ctx context.Context, name string) (bool, error) {
	return a.db.DatabaseExists(ctx, name)
}

func (a *ClusterAdapter) InstallOrUpgradeRelease(ctx context.Context, spec infra.ReleaseSpec) (infra.Result, error) {
	return a.helm.InstallOrUpgrade(ctx, spec)
}

func (a *ClusterAdapter) UninstallRelease(ctx context.Context, namespace, release string) (infra.Result, error) {
	return a.helm.Uninstall(ctx, namespace, release)
}

// ScaleRelease scales the release's deployment, which the chart names after the release.
func (a *ClusterAdapter) ScaleRelease(ctx context.Context, namespace, release string, replicas int) (infra.Result, error) {
	return a.kube.ScaleDeployment(ctx, namespace, release, replicas)
}

func (a *ClusterAdapter) ReleaseReplicas(ctx context.Context, namespace, release string) (int, bool, error) {
	return a.kube.DeploymentReplicas(ctx, namespace, release)
}

func (a *ClusterAdapter) RunOneTimeSetup(ctx context.Context, spec infra.SetupSpec) (infra.Result, error) {
	return a.installer.Run(ctx, spec)
}

func (a *ClusterAdapter) ReadGeneratedCredentials(ctx context.Context, namespace, release string) (infra.Credentials, error) {
	return a.installer.ReadCredentials(ctx, namespace, release)
}
