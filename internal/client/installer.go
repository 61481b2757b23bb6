package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wenwu/saas-platform/tenant-provisioner/internal/infra"
	"go.uber.org/zap"
)

const defaultInstallerCmd = "php /var/www/html/ca/support/bin/caUtils install --profile-name=default"

type secretStore interface {
	GetSecret(ctx context.Context, namespace, name string) (map[string]string, error)
	CreateSecret(ctx context.Context, namespace, name string, data, labels map[string]string) (infra.Result, error)
}

// Installer runs the application's one-time setup inside the tenant
// deployment and keeps the generated admin login in a secret named
// <release>-admin. The secret doubles as the "already installed" marker.
type Installer struct {
	secrets secretStore
	runner  Runner
	kubectl string
	command []string
	log     *zap.Logger
}

func NewInstaller(secrets secretStore, runner Runner, kubectl, command string, log *zap.Logger) *Installer {
	if kubectl == "" {
		kubectl = "kubectl"
	}
	if strings.TrimSpace(command) == "" {
		command = defaultInstallerCmd
	}
	return &Installer{
		secrets: secrets,
		runner:  runner,
		kubectl: kubectl,
		command: strings.Fields(command),
		log:     log,
	}
}

func adminSecretName(release string) string {
	return release + "-admin"
}

// Run executes the installer unless the admin secret already exists.
func (i *Installer) Run(ctx context.Context, spec infra.SetupSpec) (infra.Result, error) {
	secretName := adminSecretName(spec.ReleaseName)
	if _, err := i.secrets.GetSecret(ctx, spec.Namespace, secretName); err == nil {
		return infra.AlreadyDone, nil
	} else if !errors.Is(err, ErrNotFound) {
		return infra.Unverified, err
	}

	args := []string{"exec", "--namespace", spec.Namespace, "deploy/" + spec.ReleaseName, "--"}
	args = append(args, i.command...)
	args = append(args,
		"--admin-email="+spec.AdminEmail,
		"--app-name="+spec.AppName,
		"--overwrite",
	)

	out, err := i.runner.Run(ctx, i.kubectl, args...)
	if err != nil {
		return infra.Unverified, classifyExec(err, out)
	}

	password := parsePassword(out)
	if password == "" {
		i.log.Warn("installer finished without reporting a password", zap.String("release", spec.ReleaseName))
		return infra.Applied, nil
	}

	_, err = i.secrets.CreateSecret(ctx, spec.Namespace, secretName,
		map[string]string{"username": "administrator", "password": password},
		map[string]string{"app.kubernetes.io/managed-by": "tenant-provisioner"},
	)
	if errors.Is(err, ErrNotFound) {
		return infra.Unverified, infra.Consistency(fmt.Errorf("namespace %s vanished while storing admin secret", spec.Namespace))
	}
	if err != nil {
		return infra.Unverified, err
	}
	i.log.Info("installer completed", zap.String("release", spec.ReleaseName))
	return infra.Applied, nil
}

// ReadCredentials returns the login stored by Run.
func (i *Installer) ReadCredentials(ctx context.Context, namespace, release string) (infra.Credentials, error) {
	data, err := i.secrets.GetSecret(ctx, namespace, adminSecretName(release))
	if errors.Is(err, ErrNotFound) {
		return infra.Credentials{}, infra.Permanent(infra.ErrCredentialsMissing)
	}
	if err != nil {
		return infra.Credentials{}, err
	}
	if data["password"] == "" {
		return infra.Credentials{}, infra.Permanent(infra.ErrCredentialsMissing)
	}
	return infra.Credentials{Username: data["username"], Password: data["password"]}, nil
}

// parsePassword takes the last word of the first output line mentioning a password.
func parsePassword(out []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(strings.ToLower(line), "password") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		pw := strings.Trim(fields[len(fields)-1], `"'`)
		if strings.EqualFold(strings.TrimSuffix(pw, ":"), "password") {
			continue
		}
		return pw
	}
	return ""
}

var execTransientMarkers = []string{
	"unable to upgrade connection",
	"container not found",
	"does not have minimum availability",
	"pod not found",
	"no running pods",
}

// classifyExec treats a not-yet-running deployment as transient.
func classifyExec(err error, out []byte) error {
	text := strings.ToLower(string(out) + " " + err.Error())
	for _, m := range execTransientMarkers {
		if strings.Contains(text, m) {
			return infra.Transient(err)
		}
	}
	return classifyCommand(err, out)
}
