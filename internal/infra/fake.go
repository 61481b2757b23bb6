package infra

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Operation names used by Fake for call recording and failure injection.
const (
	OpCreateNamespace  = "CreateNamespace"
	OpDeleteNamespace  = "DeleteNamespace"
	OpNamespaceExists  = "NamespaceExists"
	OpCreateDatabase   = "CreateDatabase"
	OpDropDatabase     = "DropDatabase"
	OpDatabaseExists   = "DatabaseExists"
	OpInstallRelease   = "InstallOrUpgradeRelease"
	OpUninstallRelease = "UninstallRelease"
	OpScaleRelease     = "ScaleRelease"
	OpRunSetup         = "RunOneTimeSetup"
	OpReadCredentials  = "ReadGeneratedCredentials"
	OpReleaseReplicas  = "ReleaseReplicas"
)

// Call is one recorded adapter invocation.
type Call struct {
	Op     string
	Target string
}

// Fake is an in-memory Adapter. Safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	namespaces map[string]map[string]string
	databases  map[string]DatabaseSpec
	releases   map[string]ReleaseSpec
	replicas   map[string]int
	setupDone  map[string]bool
	creds      map[string]Credentials

	failNext   map[string][]error
	failAlways map[string]error
	calls      []Call

	// SkipCredentials makes setup succeed without producing credentials.
	SkipCredentials bool
	// AdminUsername overrides the account setup reports; empty means
	// the installer default.
	AdminUsername string
	// OnCall runs before each operation, outside the lock.
	OnCall func(op, target string)
}

// NewFake returns an empty fake cluster.
func NewFake() *Fake {
	return &Fake{
		namespaces: make(map[string]map[string]string),
		databases:  make(map[string]DatabaseSpec),
		releases:   make(map[string]ReleaseSpec),
		replicas:   make(map[string]int),
		setupDone:  make(map[string]bool),
		creds:      make(map[string]Credentials),
		failNext:   make(map[string][]error),
		failAlways: make(map[string]error),
	}
}

// FailNext queues errors returned by the next calls of op, in order.
func (f *Fake) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = append(f.failNext[op], errs...)
}

// FailAlways makes every call of op fail with err until cleared with nil.
func (f *Fake) FailAlways(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failAlways, op)
		return
	}
	f.failAlways[op] = err
}

// Calls returns a copy of recorded invocations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CountCalls returns how many times op was invoked.
func (f *Fake) CountCalls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Replicas reports the current replica count for a release.
func (f *Fake) Replicas(namespace, release string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.replicas[releaseKey(namespace, release)]
	return n, ok
}

// HasRelease reports whether a release is installed.
func (f *Fake) HasRelease(namespace, release string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.releases[releaseKey(namespace, release)]
	return ok
}

// Release returns the last spec installed for a release.
func (f *Fake) Release(namespace, release string) (ReleaseSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.releases[releaseKey(namespace, release)]
	return spec, ok
}

// HasDatabase reports whether a database exists.
func (f *Fake) HasDatabase(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.databases[name]
	return ok
}

// NamespaceLabels returns the labels of a namespace.
func (f *Fake) NamespaceLabels(name string) (map[string]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	labels, ok := f.namespaces[name]
	return labels, ok
}

// RemoveNamespace deletes a namespace behind the orchestrator's back.
func (f *Fake) RemoveNamespace(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.namespaces, name)
}

func (f *Fake) enter(op, target string) error {
	if hook := f.OnCall; hook != nil {
		hook(op, target)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Target: target})
	if queued := f.failNext[op]; len(queued) > 0 {
		f.failNext[op] = queued[1:]
		return queued[0]
	}
	return f.failAlways[op]
}

func (f *Fake) CreateNamespace(_ context.Context, name string, labels map[string]string) (Result, error) {
	if err := f.enter(OpCreateNamespace, name); err != nil {
		return Unverified, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.namespaces[name]; ok {
		return AlreadyDone, nil
	}
	copied := make(map[string]string, len(labels))
	for k, v := range labels {
		copied[k] = v
	}
	f.namespaces[name] = copied
	return Applied, nil
}

func (f *Fake) DeleteNamespace(_ context.Context, name string) (Result, error) {
	if err := f.enter(OpDeleteNamespace, name); err != nil {
		return Unverified, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.namespaces[name]; !ok {
		return AlreadyDone, nil
	}
	delete(f.namespaces, name)
	for key := range f.releases {
		if releaseNamespace(key) == name {
			delete(f.releases, key)
			delete(f.replicas, key)
			delete(f.setupDone, key)
			delete(f.creds, key)
		}
	}
	return Applied, nil
}

func (f *Fake) NamespaceExists(_ context.Context, name string) (bool, error) {
	if err := f.enter(OpNamespaceExists, name); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.namespaces[name]
	return ok, nil
}

func (f *Fake) CreateDatabase(_ context.Context, spec DatabaseSpec) (Result, error) {
	if err := f.enter(OpCreateDatabase, spec.Name); err != nil {
		return Unverified, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.databases[spec.Name]; ok {
		return AlreadyDone, nil
	}
	f.databases[spec.Name] = spec
	return Applied, nil
}

func (f *Fake) DropDatabase(_ context.Context, name, _ string) (Result, error) {
	if err := f.enter(OpDropDatabase, name); err != nil {
		return Unverified, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.databases[name]; !ok {
		return AlreadyDone, nil
	}
	delete(f.databases, name)
	return Applied, nil
}

func (f *Fake) DatabaseExists(_ context.Context, name string) (bool, error) {
	if err := f.enter(OpDatabaseExists, name); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.databases[name]
	return ok, nil
}

func (f *Fake) InstallOrUpgradeRelease(_ context.Context, spec ReleaseSpec) (Result, error) {
	if err := f.enter(OpInstallRelease, spec.ReleaseName); err != nil {
		return Unverified, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.namespaces[spec.Namespace]; !ok {
		return Unverified, Permanent(fmt.Errorf("namespace %s not found", spec.Namespace))
	}
	key := releaseKey(spec.Namespace, spec.ReleaseName)
	_, existed := f.releases[key]
	f.releases[key] = spec
	f.replicas[key] = spec.Replicas
	if existed {
		return AlreadyDone, nil
	}
	return Applied, nil
}

func (f *Fake) UninstallRelease(_ context.Context, namespace, release string) (Result, error) {
	if err := f.enter(OpUninstallRelease, release); err != nil {
		return Unverified, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := releaseKey(namespace, release)
	if _, ok := f.releases[key]; !ok {
		return AlreadyDone, nil
	}
	delete(f.releases, key)
	delete(f.replicas, key)
	return Applied, nil
}

func (f *Fake) ScaleRelease(_ context.Context, namespace, release string, replicas int) (Result, error) {
	if err := f.enter(OpScaleRelease, release); err != nil {
		return Unverified, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := releaseKey(namespace, release)
	if _, ok := f.releases[key]; !ok {
		return Unverified, Permanent(fmt.Errorf("release %s not installed", release))
	}
	if f.replicas[key] == replicas {
		return AlreadyDone, nil
	}
	f.replicas[key] = replicas
	return Applied, nil
}

func (f *Fake) RunOneTimeSetup(_ context.Context, spec SetupSpec) (Result, error) {
	if err := f.enter(OpRunSetup, spec.ReleaseName); err != nil {
		return Unverified, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := releaseKey(spec.Namespace, spec.ReleaseName)
	if _, ok := f.releases[key]; !ok {
		return Unverified, Consistency(fmt.Errorf("release %s not installed", spec.ReleaseName))
	}
	if f.setupDone[key] {
		return AlreadyDone, nil
	}
	f.setupDone[key] = true
	if !f.SkipCredentials {
		username := f.AdminUsername
		if username == "" {
			username = "administrator"
		}
		f.creds[key] = Credentials{Username: username, Password: "pw-" + spec.AppName}
	}
	return Applied, nil
}

func (f *Fake) ReadGeneratedCredentials(_ context.Context, namespace, release string) (Credentials, error) {
	if err := f.enter(OpReadCredentials, release); err != nil {
		return Credentials{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	creds, ok := f.creds[releaseKey(namespace, release)]
	if !ok {
		return Credentials{}, Permanent(ErrCredentialsMissing)
	}
	return creds, nil
}

func (f *Fake) ReleaseReplicas(_ context.Context, namespace, release string) (int, bool, error) {
	if err := f.enter(OpReleaseReplicas, release); err != nil {
		return 0, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.replicas[releaseKey(namespace, release)]
	return n, ok, nil
}

func releaseKey(namespace, release string) string {
	return namespace + "/" + release
}

func releaseNamespace(key string) string {
	ns, _, _ := strings.Cut(key, "/")
	return ns
}

var (
	_ Adapter       = (*Fake)(nil)
	_ ReplicaReader = (*Fake)(nil)
)
