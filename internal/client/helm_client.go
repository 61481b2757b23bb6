package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/infra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const helmLockedMarker = "another operation (install/upgrade/rollback) is in progress"

// HelmConfig holds chart level values shared by every tenant release.
type HelmConfig struct {
	Binary       string
	Chart        string
	Image        string
	CertIssuer   string
	Timezone     string
	AdminEmail   string
	Timeout      time.Duration
	DatabaseHost string
	DatabasePort string
}

// HelmClient installs tenant releases with the helm CLI
type HelmClient struct {
	cfg    HelmConfig
	runner Runner
	log    *zap.Logger
}

// NewHelmClient creates a new helm client
func NewHelmClient(cfg HelmConfig, runner Runner, log *zap.Logger) *HelmClient {
	if cfg.Binary == "" {
		cfg.Binary = "helm"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &HelmClient{cfg: cfg, runner: runner, log: log}
}

// values renders the chart values for a tenant.
func (c *HelmClient) values(spec infra.ReleaseSpec) map[string]any {
	v := map[string]any{
		"tenantName":   spec.ReleaseName,
		"domain":       spec.Hostname,
		"image":        c.cfg.Image,
		"storageSize":  spec.StorageSize,
		"certIssuer":   c.cfg.CertIssuer,
		"replicaCount": spec.Replicas,
		"database": map[string]any{
			"name":     spec.Database.Name,
			"user":     spec.Database.Owner,
			"password": spec.Database.Password,
			"host":     c.cfg.DatabaseHost,
			"port":     c.cfg.DatabasePort,
		},
		"app": map[string]any{
			"timezone":          c.cfg.Timezone,
			"adminEmail":        c.cfg.AdminEmail,
			"instanceId":        spec.TenantID,
			"tenantDisplayName": spec.ReleaseName,
			"caAppName":         spec.AppName,
			"plan":              spec.Plan,
		},
	}
	resources := map[string]any{}
	if spec.CPU != "" {
		resources["cpu"] = spec.CPU
	}
	if spec.Memory != "" {
		resources["memory"] = spec.Memory
	}
	if len(resources) > 0 {
		v["resources"] = map[string]any{"requests": resources, "limits": resources}
	}
	return v
}

// InstallOrUpgrade converges the release on spec. A locked release is
// rolled back to its last revision and reported as transient so the
// install is retried.
func (c *HelmClient) InstallOrUpgrade(ctx context.Context, spec infra.ReleaseSpec) (infra.Result, error) {
	valuesFile, cleanup, err := writeValues(c.values(spec))
	if err != nil {
		return infra.Unverified, infra.Permanent(err)
	}
	defer cleanup()

	args := []string{
		"upgrade", "--install", spec.ReleaseName, c.cfg.Chart,
		"--namespace", spec.Namespace,
		"--values", valuesFile,
		"--atomic",
		"--wait",
		"--timeout", c.cfg.Timeout.String(),
	}
	out, err := c.runner.Run(ctx, c.cfg.Binary, args...)
	if err != nil {
		if strings.Contains(string(out), helmLockedMarker) || strings.Contains(err.Error(), helmLockedMarker) {
			c.log.Warn("helm release locked, rolling back", zap.String("release", spec.ReleaseName))
			if rbErr := c.rollback(ctx, spec.Namespace, spec.ReleaseName); rbErr != nil {
				return infra.Unverified, infra.Transient(fmt.Errorf("release %s locked, rollback failed: %w", spec.ReleaseName, rbErr))
			}
			return infra.Unverified, infra.Transient(fmt.Errorf("release %s was locked and has been rolled back", spec.ReleaseName))
		}
		return infra.Unverified, classifyCommand(err, out)
	}

	status, err := c.Status(ctx, spec.Namespace, spec.ReleaseName)
	if err != nil {
		return infra.Unverified, nil
	}
	if status != "deployed" {
		c.log.Warn("helm release not deployed after install",
			zap.String("release", spec.ReleaseName),
			zap.String("status", status),
		)
		return infra.Unverified, nil
	}
	c.log.Info("helm release deployed", zap.String("release", spec.ReleaseName), zap.String("namespace", spec.Namespace))
	return infra.Applied, nil
}

// Status returns the release status reported by helm, e.g. "deployed".
func (c *HelmClient) Status(ctx context.Context, namespace, release string) (string, error) {
	out, err := c.runner.Run(ctx, c.cfg.Binary, "status", release, "--namespace", namespace, "--output", "json")
	if err != nil {
		if isNotFound(out, err) {
			return "", ErrNotFound
		}
		return "", classifyCommand(err, out)
	}
	return gjson.GetBytes(out, "info.status").String(), nil
}

// Uninstall removes the release. A missing release is AlreadyDone.
func (c *HelmClient) Uninstall(ctx context.Context, namespace, release string) (infra.Result, error) {
	out, err := c.runner.Run(ctx, c.cfg.Binary, "uninstall", release, "--namespace", namespace, "--wait")
	if err != nil {
		if isNotFound(out, err) {
			return infra.AlreadyDone, nil
		}
		return infra.Unverified, classifyCommand(err, out)
	}
	c.log.Info("helm release uninstalled", zap.String("release", release))
	return infra.Applied, nil
}

func (c *HelmClient) rollback(ctx context.Context, namespace, release string) error {
	out, err := c.runner.Run(ctx, c.cfg.Binary, "history", release, "--namespace", namespace, "--max", "1", "--output", "json")
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	revisions := gjson.ParseBytes(out).Array()
	if len(revisions) == 0 {
		return errors.New("release has no revisions")
	}
	rev := revisions[len(revisions)-1].Get("revision").Int()
	if rev == 0 {
		return errors.New("release has no revisions")
	}
	if _, err := c.runner.Run(ctx, c.cfg.Binary, "rollback", release, strconv.FormatInt(rev, 10), "--namespace", namespace, "--wait"); err != nil {
		return fmt.Errorf("rollback to %d: %w", rev, err)
	}
	return nil
}

func writeValues(values map[string]any) (string, func(), error) {
	data, err := yaml.Marshal(values)
	if err != nil {
		return "", nil, fmt.Errorf("encode helm values: %w", err)
	}
	f, err := os.CreateTemp("", "tenant-values-*.yaml")
	if err != nil {
		return "", nil, fmt.Errorf("create values file: %w", err)
	}
	cleanup := func() { os.Remove(f.Name()) }
	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write values file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close values file: %w", err)
	}
	return f.Name(), cleanup, nil
}

func isNotFound(out []byte, err error) bool {
	return strings.Contains(strings.ToLower(string(out)+" "+err.Error()), "not found")
}

var transientMarkers = []string{
	"timed out",
	"timeout",
	"connection refused",
	"connection reset",
	"i/o timeout",
	"tls handshake",
	"the server is currently unable",
	"etcdserver",
	"too many requests",
	helmLockedMarker,
}

// classifyCommand treats cluster connectivity and timeouts as transient
// and everything else (bad chart, invalid values) as permanent.
func classifyCommand(err error, out []byte) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return infra.Transient(err)
	}
	text := strings.ToLower(string(out) + " " + err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(text, m) {
			return infra.Transient(err)
		}
	}
	return infra.Permanent(err)
}
