package service

import (
	"context"
	"fmt"

	"github.com/wenwu/saas-platform/tenant-provisioner/internal/infra"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/models"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/plans"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/repository"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/secret"
)

type stepKind int

const (
	provisionStep stepKind = iota
	toggleStep
	teardownStep
)

// run is the mutable state of one pipeline execution.
type run struct {
	tenant  *models.Tenant
	plan    plans.Plan
	eventID *string
	origin  string

	// produced by EXTRACT_CREDENTIALS, persisted with its SUCCEEDED row
	username string
	sealed   []byte

	// teardown sub-steps that failed in this run
	teardownFailures []string
}

// step is one row of a pipeline.
type step struct {
	Action models.Action
	kind   stepKind
	// Done reports whether the step's effect is already in place.
	Done func(ctx context.Context, r *run) (bool, error)
	// Exec performs the side effect. It must be safe to repeat.
	Exec func(ctx context.Context, r *run) error
	// Transition is the status written with the SUCCEEDED row, if any.
	Transition models.TenantStatus
	// Commit writes additional tenant fields in the SUCCEEDED transaction.
	Commit func(ctx context.Context, q repository.Queries, r *run) error
}

func (e *Executor) succeeded(action models.Action) func(ctx context.Context, r *run) (bool, error) {
	return func(ctx context.Context, r *run) (bool, error) {
		return e.store.HasSucceeded(ctx, r.tenant.ID, action)
	}
}

func inStatus(status models.TenantStatus) func(ctx context.Context, r *run) (bool, error) {
	return func(_ context.Context, r *run) (bool, error) {
		return r.tenant.Status == status, nil
	}
}

func (e *Executor) provisionSteps() []step {
	return []step{
		{
			Action: models.ActionCreateNamespace,
			kind:   provisionStep,
			Done:   e.succeeded(models.ActionCreateNamespace),
			Exec:   e.createNamespace,
		},
		{
			Action: models.ActionCreateDatabase,
			kind:   provisionStep,
			Done:   e.succeeded(models.ActionCreateDatabase),
			Exec:   e.createDatabase,
		},
		{
			Action: models.ActionInstallRelease,
			kind:   provisionStep,
			Done:   e.succeeded(models.ActionInstallRelease),
			Exec:   e.installRelease,
		},
		{
			Action: models.ActionRunInstaller,
			kind:   provisionStep,
			Done:   e.succeeded(models.ActionRunInstaller),
			Exec:   e.runInstaller,
		},
		{
			Action: models.ActionExtractCredentials,
			kind:   provisionStep,
			Done:   e.succeeded(models.ActionExtractCredentials),
			Exec:   e.extractCredentials,
			Commit: func(ctx context.Context, q repository.Queries, r *run) error {
				return q.SetTenantCredentials(ctx, r.tenant.ID, r.username, r.sealed)
			},
		},
		{
			Action:     models.ActionMarkActive,
			kind:       provisionStep,
			Done:       e.succeeded(models.ActionMarkActive),
			Exec:       func(context.Context, *run) error { return nil },
			Transition: models.TenantActive,
			Commit: func(ctx context.Context, q repository.Queries, r *run) error {
				return q.MarkTenantDeployed(ctx, r.tenant.ID, e.now().UTC())
			},
		},
	}
}

func (e *Executor) suspendStep() step {
	return step{
		Action:     models.ActionSuspend,
		kind:       toggleStep,
		Done:       inStatus(models.TenantSuspended),
		Exec:       e.scaleTo(func(*run) int { return 0 }),
		Transition: models.TenantSuspended,
		Commit: func(ctx context.Context, q repository.Queries, r *run) error {
			reason := models.SuspendBilling
			if r.origin == models.TaskOriginAdmin {
				reason = models.SuspendAdmin
			}
			return q.UpdateTenantSuspension(ctx, r.tenant.ID, models.TenantSuspended, reason)
		},
	}
}

func (e *Executor) resumeStep() step {
	return step{
		Action:     models.ActionResume,
		kind:       toggleStep,
		Done:       inStatus(models.TenantActive),
		Exec:       e.scaleTo(func(r *run) int { return r.plan.Sizing.Replicas }),
		Transition: models.TenantActive,
		Commit: func(ctx context.Context, q repository.Queries, r *run) error {
			return q.UpdateTenantSuspension(ctx, r.tenant.ID, models.TenantActive, models.SuspendNone)
		},
	}
}

func (e *Executor) teardownSteps() []step {
	return []step{
		{
			Action: models.ActionDeleteNamespace,
			kind:   teardownStep,
			Done:   e.succeeded(models.ActionDeleteNamespace),
			Exec: func(ctx context.Context, r *run) error {
				_, err := e.adapter.DeleteNamespace(ctx, r.tenant.Namespace)
				return err
			},
		},
		{
			Action: models.ActionDropDatabase,
			kind:   teardownStep,
			Done:   e.succeeded(models.ActionDropDatabase),
			Exec: func(ctx context.Context, r *run) error {
				_, err := e.adapter.DropDatabase(ctx, r.tenant.DatabaseName, r.tenant.DatabaseName)
				return err
			},
		},
		{
			Action: models.ActionUninstallRelease,
			kind:   teardownStep,
			Done:   e.succeeded(models.ActionUninstallRelease),
			Exec: func(ctx context.Context, r *run) error {
				_, err := e.adapter.UninstallRelease(ctx, r.tenant.Namespace, r.tenant.ReleaseName)
				return err
			},
		},
		{
			Action:     models.ActionDelete,
			kind:       teardownStep,
			Done:       inStatus(models.TenantDeleted),
			Exec:       func(context.Context, *run) error { return nil },
			Transition: models.TenantDeleted,
		},
	}
}

// ---- step bodies ----

func (e *Executor) createNamespace(ctx context.Context, r *run) error {
	t := r.tenant
	labels := map[string]string{
		"app":                          "collectiveaccess",
		"app.kubernetes.io/managed-by": "tenant-provisioner",
		"tenant-id":                    t.ID,
	}
	res, err := e.adapter.CreateNamespace(ctx, t.Namespace, labels)
	if err != nil {
		return err
	}
	exists, err := e.adapter.NamespaceExists(ctx, t.Namespace)
	if err != nil {
		return err
	}
	if !exists {
		return infra.Consistency(fmt.Errorf("namespace %s not found after create (%s)", t.Namespace, res))
	}
	return nil
}

func (e *Executor) createDatabase(ctx context.Context, r *run) error {
	t := r.tenant
	res, err := e.adapter.CreateDatabase(ctx, e.databaseSpec(t))
	if err != nil {
		return err
	}
	exists, err := e.adapter.DatabaseExists(ctx, t.DatabaseName)
	if err != nil {
		return err
	}
	if !exists {
		return infra.Consistency(fmt.Errorf("database %s not found after create (%s)", t.DatabaseName, res))
	}
	return nil
}

func (e *Executor) installRelease(ctx context.Context, r *run) error {
	t := r.tenant
	exists, err := e.adapter.NamespaceExists(ctx, t.Namespace)
	if err != nil {
		return err
	}
	if !exists {
		return infra.Consistency(fmt.Errorf("namespace %s missing before release install", t.Namespace))
	}

	sizing := r.plan.Sizing
	res, err := e.adapter.InstallOrUpgradeRelease(ctx, infra.ReleaseSpec{
		TenantID:    t.ID,
		Namespace:   t.Namespace,
		ReleaseName: t.ReleaseName,
		Hostname:    t.Hostname,
		AppName:     t.AppName,
		Plan:        r.plan.Name,
		Database:    e.databaseSpec(t),
		StorageSize: sizing.StorageSize,
		Replicas:    sizing.Replicas,
		CPU:         sizing.CPU,
		Memory:      sizing.Memory,
	})
	if err != nil {
		return err
	}
	if res == infra.Unverified {
		return infra.Transient(fmt.Errorf("release %s install unverified", t.ReleaseName))
	}
	return nil
}

func (e *Executor) runInstaller(ctx context.Context, r *run) error {
	t := r.tenant
	res, err := e.adapter.RunOneTimeSetup(ctx, infra.SetupSpec{
		Namespace:   t.Namespace,
		ReleaseName: t.ReleaseName,
		AppName:     t.AppName,
		AdminEmail:  e.cfg.AdminEmail,
	})
	if err != nil {
		return err
	}
	if res == infra.Unverified {
		return infra.Transient(fmt.Errorf("installer for %s unverified", t.ReleaseName))
	}
	return nil
}

func (e *Executor) extractCredentials(ctx context.Context, r *run) error {
	t := r.tenant
	creds, err := e.adapter.ReadGeneratedCredentials(ctx, t.Namespace, t.ReleaseName)
	if err != nil {
		return err
	}
	if creds.Password == "" {
		return infra.Permanent(infra.ErrCredentialsMissing)
	}
	username := creds.Username
	if username == "" {
		username = models.DefaultAdminUsername
	}
	sealed, err := e.sealer.SealCredentials(t.ID, secret.Credentials{Username: username, Password: creds.Password})
	if err != nil {
		return infra.Permanent(err)
	}
	r.username = username
	r.sealed = sealed
	return nil
}

func (e *Executor) scaleTo(replicas func(*run) int) func(ctx context.Context, r *run) error {
	return func(ctx context.Context, r *run) error {
		res, err := e.adapter.ScaleRelease(ctx, r.tenant.Namespace, r.tenant.ReleaseName, replicas(r))
		if err != nil {
			return err
		}
		if res == infra.Unverified {
			return infra.Transient(fmt.Errorf("scale of %s unverified", r.tenant.ReleaseName))
		}
		return nil
	}
}

func (e *Executor) databaseSpec(t *models.Tenant) infra.DatabaseSpec {
	return infra.DatabaseSpec{
		Name:     t.DatabaseName,
		Owner:    t.DatabaseName,
		Password: e.sealer.DatabasePassword(t.ID),
	}
}
