package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedResult struct {
	out string
	err error
}

// fakeRunner answers commands whose joined args start with a registered prefix.
type fakeRunner struct {
	mu      sync.Mutex
	scripts map[string][]scriptedResult
	calls   [][]string
	onRun   func(args []string)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{scripts: make(map[string][]scriptedResult)}
}

func (f *fakeRunner) on(prefix, out string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[prefix] = append(f.scripts[prefix], scriptedResult{out: out, err: err})
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	if f.onRun != nil {
		f.onRun(args)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))

	line := strings.Join(args, " ")
	for prefix, results := range f.scripts {
		if !strings.HasPrefix(line, prefix) || len(results) == 0 {
			continue
		}
		r := results[0]
		if len(results) > 1 {
			f.scripts[prefix] = results[1:]
		}
		return []byte(r.out), r.err
	}
	return nil, nil
}

func (f *fakeRunner) subcommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if len(c) > 1 {
			out = append(out, c[1])
		}
	}
	return out
}

func TestExecRunner(t *testing.T) {
	r := &ExecRunner{}

	out, err := r.Run(context.Background(), "sh", "-c", "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	out, err = r.Run(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, string(out), "boom")
	assert.Contains(t, err.Error(), "boom")
}

func TestExecRunner_Timeout(t *testing.T) {
	r := &ExecRunner{Timeout: 50 * time.Millisecond}
	_, err := r.Run(context.Background(), "sh", "-c", "sleep 5")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
