package client

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/infra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func testReleaseSpec() infra.ReleaseSpec {
	return infra.ReleaseSpec{
		TenantID:    "t-1",
		Namespace:   "ca-1",
		ReleaseName: "ca-1",
		Hostname:    "ca-1.tenants.example.com",
		AppName:     "tenant_1",
		Plan:        "pro",
		Database:    infra.DatabaseSpec{Name: "ca_1", Owner: "ca_1", Password: "dbpw"},
		StorageSize: "100Gi",
		Replicas:    2,
		CPU:         "1",
		Memory:      "2Gi",
	}
}

func newTestHelm(r Runner) *HelmClient {
	return NewHelmClient(HelmConfig{
		Chart:        "./charts/collectiveaccess",
		Image:        "registry.example.com/ca:2.0",
		AdminEmail:   "ops@example.com",
		DatabaseHost: "tenant-db",
		DatabasePort: "5432",
	}, r, zap.NewNop())
}

func TestHelm_InstallWritesValuesFile(t *testing.T) {
	r := newFakeRunner()
	r.on("status", `{"info":{"status":"deployed"}}`, nil)

	var values map[string]any
	var valuesPath string
	r.onRun = func(args []string) {
		if args[0] != "upgrade" {
			return
		}
		for i, a := range args {
			if a == "--values" {
				valuesPath = args[i+1]
				data, err := os.ReadFile(valuesPath)
				require.NoError(t, err)
				require.NoError(t, yaml.Unmarshal(data, &values))
			}
		}
	}

	res, err := newTestHelm(r).InstallOrUpgrade(context.Background(), testReleaseSpec())
	require.NoError(t, err)
	assert.Equal(t, infra.Applied, res)

	install := r.calls[0]
	assert.Equal(t, []string{"helm", "upgrade", "--install", "ca-1", "./charts/collectiveaccess"}, install[:5])
	assert.Contains(t, install, "--atomic")
	assert.Contains(t, install, "--wait")
	for _, a := range install {
		assert.NotContains(t, a, "dbpw", "secrets stay out of argv")
	}

	require.NotNil(t, values)
	assert.Equal(t, "ca-1.tenants.example.com", values["domain"])
	assert.Equal(t, "100Gi", values["storageSize"])
	assert.Equal(t, 2, values["replicaCount"])
	db := values["database"].(map[string]any)
	assert.Equal(t, "dbpw", db["password"])
	app := values["app"].(map[string]any)
	assert.Equal(t, "tenant_1", app["caAppName"])

	_, err = os.Stat(valuesPath)
	assert.True(t, os.IsNotExist(err), "values file is removed")
}

func TestHelm_InstallNotDeployedIsUnverified(t *testing.T) {
	r := newFakeRunner()
	r.on("status", `{"info":{"status":"pending-install"}}`, nil)

	res, err := newTestHelm(r).InstallOrUpgrade(context.Background(), testReleaseSpec())
	require.NoError(t, err)
	assert.Equal(t, infra.Unverified, res)
}

func TestHelm_LockedReleaseRollsBack(t *testing.T) {
	r := newFakeRunner()
	r.on("upgrade", "Error: UPGRADE FAILED: another operation (install/upgrade/rollback) is in progress", errors.New("exit status 1"))
	r.on("history", `[{"revision":3,"status":"pending-upgrade"}]`, nil)

	_, err := newTestHelm(r).InstallOrUpgrade(context.Background(), testReleaseSpec())
	require.Error(t, err)
	assert.Equal(t, infra.KindTransient, infra.KindOf(err))
	assert.Equal(t, []string{"upgrade", "history", "rollback"}, r.subcommands())
	assert.Equal(t, "3", r.calls[2][3])
}

func TestHelm_InstallErrorClassification(t *testing.T) {
	r := newFakeRunner()
	r.on("upgrade", "Error: INSTALLATION FAILED: timed out waiting for the condition", errors.New("exit status 1"))
	_, err := newTestHelm(r).InstallOrUpgrade(context.Background(), testReleaseSpec())
	assert.Equal(t, infra.KindTransient, infra.KindOf(err))

	r = newFakeRunner()
	r.on("upgrade", "Error: template: collectiveaccess/templates/deploy.yaml:12: unexpected EOF", errors.New("exit status 1"))
	_, err = newTestHelm(r).InstallOrUpgrade(context.Background(), testReleaseSpec())
	assert.Equal(t, infra.KindPermanent, infra.KindOf(err))
}

func TestHelm_Uninstall(t *testing.T) {
	r := newFakeRunner()
	res, err := newTestHelm(r).Uninstall(context.Background(), "ca-1", "ca-1")
	require.NoError(t, err)
	assert.Equal(t, infra.Applied, res)

	r = newFakeRunner()
	r.on("uninstall", "Error: uninstall: Release not loaded: ca-1: release: not found", errors.New("exit status 1"))
	res, err = newTestHelm(r).Uninstall(context.Background(), "ca-1", "ca-1")
	require.NoError(t, err)
	assert.Equal(t, infra.AlreadyDone, res)
}
