package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nudge/internal/app"
	"nudge/internal/credential"
	"nudge/internal/notifier"
	"nudge/internal/registrar"
)

type recorder struct {
	mu   sync.Mutex
	sent int
	fail map[string]bool
}

func (r *recorder) Notify(_ context.Context, n notifier.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[n.Subject.ID] {
		return errors.New("mailbox full")
	}
	r.sent++
	return nil
}

func setup(t *testing.T, rec *recorder) *RootOptions {
	t.Helper()
	dir := t.TempDir()
	cfg := `
logging:
  level: error
  console: true
storage:
  driver: file
  path: ` + filepath.Join(dir, "state") + `
tasks:
  - name: welcome
    schedule: 24h
    at: "04:30"
    subjects:
      kind: user
      static:
        - id: "1"
        - id: "2"
`
	path := filepath.Join(dir, "nudge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))

	creds := credential.NewResolver(credential.WithKeyring(keyring.NewArrayKeyring(nil)))
	return &RootOptions{
		ConfigPath: path,
		NewApp: func(p string) (*app.App, error) {
			return app.New(p, app.WithCredentials(creds), app.WithNotifier("default", rec))
		},
	}
}

func execute(t *testing.T, opts *RootOptions, args ...string) (string, error) {
	t.Helper()
	path := opts.ConfigPath
	cmd := NewRootCommandWith(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--config", path))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"deploy", "run", "fire", "status", "reports", "check", "secret", "version"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
	f := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, f)
	assert.Equal(t, "c", f.Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	opts := setup(t, &recorder{})
	_, err := execute(t, opts, "status", "--format", "xml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDeployStatusFireCheck(t *testing.T) {
	rec := &recorder{}
	opts := setup(t, rec)

	out, err := execute(t, opts, "deploy", "--format", "json")
	require.NoError(t, err)
	var reports []registrar.TaskReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, "welcome", reports[0].TaskName)

	_, err = execute(t, opts, "deploy")
	require.NoError(t, err)

	out, err = execute(t, opts, "status", "--format", "json")
	require.NoError(t, err)
	var status []app.TaskStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	require.Len(t, status, 1)
	assert.True(t, status[0].Registered)
	assert.False(t, status[0].Drift)

	out, err = execute(t, opts, "reports", "welcome", "--format", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	assert.Len(t, reports, 2)

	out, err = execute(t, opts, "fire", "welcome", "--format", "json")
	require.NoError(t, err)
	var res registrar.BatchResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.Notified)

	out, err = execute(t, opts, "fire", "welcome", "--format", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 0, res.Notified)
	assert.Equal(t, 2, res.AlreadyNotified)
	assert.Equal(t, 2, rec.sent)

	out, err = execute(t, opts, "check", "welcome", "user", "1", "--format", "json")
	require.NoError(t, err)
	var check struct {
		Notified bool `json:"notified"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &check))
	assert.True(t, check.Notified)

	out, err = execute(t, opts, "check", "welcome", "user", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "not notified")
}

func TestFireExitCodes(t *testing.T) {
	rec := &recorder{fail: map[string]bool{"2": true}}
	opts := setup(t, rec)

	out, err := execute(t, opts, "fire", "welcome")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "mailbox full")

	_, err = execute(t, opts, "fire", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, app.ErrUnknownTask)
}

func TestBadConfigIsCommandError(t *testing.T) {
	opts := &RootOptions{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")}
	_, err := execute(t, opts, "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestVersion(t *testing.T) {
	opts := setup(t, &recorder{})
	out, err := execute(t, opts, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "nudge dev")
}
