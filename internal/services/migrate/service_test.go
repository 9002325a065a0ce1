package migrate

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockExecutor struct {
	calls       [][]string
	envs        [][]string
	executeFunc func(args []string) ([]byte, error)
}

func (m *mockExecutor) ExecuteWithEnv(_ context.Context, env []string, name string, args ...string) ([]byte, error) {
	m.calls = append(m.calls, append([]string{name}, args...))
	m.envs = append(m.envs, env)
	if m.executeFunc != nil {
		return m.executeFunc(args)
	}
	return []byte("Phase 7/7: Running 'FLUSH PRIVILEGES'\nOK"), nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func hasForce(args []string) bool {
	for _, a := range args {
		if a == "--force" {
			return true
		}
	}
	return false
}

func TestUpgrade_Success(t *testing.T) {
	executor := &mockExecutor{}
	svc := NewWithExecutor(testLogger(), executor)

	result, err := svc.Upgrade(context.Background(), "root", "secret")

	require.NoError(t, err)
	require.NoError(t, result.Error)
	assert.Equal(t, [][]string{
		{"mariadb-upgrade", "--user=root"},
		{"mariadb-upgrade", "--user=root", "--force"},
	}, executor.calls)
	for _, env := range executor.envs {
		assert.Equal(t, []string{"MYSQL_PWD=secret"}, env)
	}
	assert.Contains(t, result.FirstOutput, "FLUSH PRIVILEGES")
	assert.Contains(t, result.ForcedOutput, "FLUSH PRIVILEGES")
}

func TestUpgrade_AlreadyUpgradedStillForces(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(args []string) ([]byte, error) {
			if hasForce(args) {
				return []byte("OK"), nil
			}
			return []byte("This installation of MariaDB is already upgraded to 10.6.16-MariaDB.\n" +
				"There is no need to run mariadb-upgrade again for 10.6.16-MariaDB."), nil
		},
	}
	svc := NewWithExecutor(testLogger(), executor)

	result, err := svc.Upgrade(context.Background(), "root", "secret")

	require.NoError(t, err)
	require.NoError(t, result.Error)
	assert.Len(t, executor.calls, 2)
}

func TestUpgrade_FirstPassFails(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func([]string) ([]byte, error) {
			return []byte("mariadb-upgrade: Got error: 2002: Can't connect to local server"), errors.New("exit status 1")
		},
	}
	svc := NewWithExecutor(testLogger(), executor)

	result, err := svc.Upgrade(context.Background(), "root", "secret")

	require.NoError(t, err)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "review the upgrade log")
	assert.Contains(t, result.Error.Error(), "Can't connect")
	assert.Len(t, executor.calls, 1)
}

func TestUpgrade_ForcedPassFails(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(args []string) ([]byte, error) {
			if hasForce(args) {
				return []byte("ERROR 1728 (HY000): Cannot load from mysql.proc"), errors.New("exit status 1")
			}
			return []byte("OK"), nil
		},
	}
	svc := NewWithExecutor(testLogger(), executor)

	result, err := svc.Upgrade(context.Background(), "root", "secret")

	require.NoError(t, err)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "--force failed")
	assert.Equal(t, "OK", result.FirstOutput)
	assert.Len(t, executor.calls, 2)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "c | d | e", tail([]byte("a\nb\nc\nd\ne\n")))
	assert.Equal(t, "only", tail([]byte("only")))
}
