package infra

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindTransient, KindOf(base), "unclassified is transient")
	assert.Equal(t, KindTransient, KindOf(Transient(base)))
	assert.Equal(t, KindPermanent, KindOf(Permanent(base)))
	assert.Equal(t, KindConsistency, KindOf(Consistency(base)))

	wrapped := fmt.Errorf("install release: %w", Permanent(base))
	assert.Equal(t, KindPermanent, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, base))
	assert.Equal(t, "install release: boom", wrapped.Error())

	assert.Nil(t, Permanent(nil))
	assert.True(t, IsRetryable(base))
	assert.False(t, IsRetryable(Consistency(base)))
	assert.False(t, IsRetryable(nil))
}

func TestFake_IdempotentOperations(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	res, err := f.CreateNamespace(ctx, "tenant-a", map[string]string{"tenant-id": "a"})
	require.NoError(t, err)
	assert.Equal(t, Applied, res)
	res, err = f.CreateNamespace(ctx, "tenant-a", nil)
	require.NoError(t, err)
	assert.Equal(t, AlreadyDone, res)

	spec := ReleaseSpec{Namespace: "tenant-a", ReleaseName: "tenant-a", AppName: "tenant_a", Replicas: 2}
	res, err = f.InstallOrUpgradeRelease(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, Applied, res)

	res, err = f.RunOneTimeSetup(ctx, SetupSpec{Namespace: "tenant-a", ReleaseName: "tenant-a", AppName: "tenant_a"})
	require.NoError(t, err)
	assert.Equal(t, Applied, res)
	res, err = f.RunOneTimeSetup(ctx, SetupSpec{Namespace: "tenant-a", ReleaseName: "tenant-a", AppName: "tenant_a"})
	require.NoError(t, err)
	assert.Equal(t, AlreadyDone, res)

	creds, err := f.ReadGeneratedCredentials(ctx, "tenant-a", "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "administrator", creds.Username)

	res, err = f.DeleteNamespace(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, Applied, res)
	assert.False(t, f.HasRelease("tenant-a", "tenant-a"))
	res, err = f.DeleteNamespace(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, AlreadyDone, res)
}

func TestFake_FailureInjection(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	boom := errors.New("boom")

	f.FailNext(OpCreateDatabase, Transient(boom))
	_, err := f.CreateDatabase(ctx, DatabaseSpec{Name: "ca_a"})
	assert.Equal(t, KindTransient, KindOf(err))
	_, err = f.CreateDatabase(ctx, DatabaseSpec{Name: "ca_a"})
	assert.NoError(t, err)
	assert.True(t, f.HasDatabase("ca_a"))

	f.FailAlways(OpDropDatabase, Permanent(boom))
	_, err = f.DropDatabase(ctx, "ca_a", "ca_a")
	assert.Error(t, err)
	_, err = f.DropDatabase(ctx, "ca_a", "ca_a")
	assert.Error(t, err)
	f.FailAlways(OpDropDatabase, nil)
	_, err = f.DropDatabase(ctx, "ca_a", "ca_a")
	assert.NoError(t, err)

	assert.Equal(t, 3, f.CountCalls(OpDropDatabase))
}

func TestFake_MissingCredentials(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.SkipCredentials = true

	_, err := f.CreateNamespace(ctx, "ns", nil)
	require.NoError(t, err)
	_, err = f.InstallOrUpgradeRelease(ctx, ReleaseSpec{Namespace: "ns", ReleaseName: "ns"})
	require.NoError(t, err)
	_, err = f.RunOneTimeSetup(ctx, SetupSpec{Namespace: "ns", ReleaseName: "ns"})
	require.NoError(t, err)

	_, err = f.ReadGeneratedCredentials(ctx, "ns", "ns")
	assert.ErrorIs(t, err, ErrCredentialsMissing)
	assert.Equal(t, KindPermanent, KindOf(err))
}
