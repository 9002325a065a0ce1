package systemd

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDBus records calls and serves unit properties from a queue.
type stubDBus struct {
	calls     []string
	states    []map[string]interface{}
	jobResult string
	stopErr   error
	startErr  error
	enableErr error
	reloadErr error
	closed    bool
}

func (s *stubDBus) StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error) {
	s.calls = append(s.calls, "stop "+name+" "+mode)
	if s.stopErr != nil {
		return 0, s.stopErr
	}
	ch <- s.result()
	return 1, nil
}

func (s *stubDBus) StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error) {
	s.calls = append(s.calls, "start "+name+" "+mode)
	if s.startErr != nil {
		return 0, s.startErr
	}
	ch <- s.result()
	return 2, nil
}

func (s *stubDBus) EnableUnitFilesContext(ctx context.Context, files []string, runtime bool, force bool) (bool, []dbus.EnableUnitFileChange, error) {
	s.calls = append(s.calls, "enable "+files[0])
	return false, nil, s.enableErr
}

func (s *stubDBus) ReloadContext(ctx context.Context) error {
	s.calls = append(s.calls, "reload")
	return s.reloadErr
}

func (s *stubDBus) GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error) {
	s.calls = append(s.calls, "props "+unit)
	if len(s.states) == 0 {
		return nil, errors.New("no such unit")
	}
	state := s.states[0]
	if len(s.states) > 1 {
		s.states = s.states[1:]
	}
	return state, nil
}

func (s *stubDBus) Close() {
	s.closed = true
}

func (s *stubDBus) result() string {
	if s.jobResult == "" {
		return "done"
	}
	return s.jobResult
}

func state(active, sub string) map[string]interface{} {
	return map[string]interface{}{
		"LoadState":   "loaded",
		"ActiveState": active,
		"SubState":    sub,
	}
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func newTestService(stub *stubDBus) *Impl {
	svc := NewWithDBus(testLogger(), func(ctx context.Context) (DBusAPI, error) {
		return stub, nil
	})
	svc.pollInterval = time.Millisecond
	svc.settleTimeout = 20 * time.Millisecond
	return svc
}

func TestStop_Success(t *testing.T) {
	stub := &stubDBus{states: []map[string]interface{}{state("inactive", "dead")}}
	svc := newTestService(stub)

	status, err := svc.Stop(context.Background(), "mariadb.service")

	require.NoError(t, err)
	assert.True(t, status.Inactive())
	assert.Equal(t, "dead", status.SubState)
	assert.Equal(t, "stop mariadb.service replace", stub.calls[0])
}

func TestStop_WaitsForDeactivation(t *testing.T) {
	stub := &stubDBus{states: []map[string]interface{}{
		state("deactivating", "stop-sigterm"),
		state("deactivating", "stop-sigterm"),
		state("inactive", "dead"),
	}}
	svc := newTestService(stub)

	status, err := svc.Stop(context.Background(), "mariadb.service")

	require.NoError(t, err)
	assert.True(t, status.Inactive())
}

func TestStop_NeverInactive(t *testing.T) {
	stub := &stubDBus{
		jobResult: "failed",
		states:    []map[string]interface{}{state("failed", "failed")},
	}
	svc := newTestService(stub)

	status, err := svc.Stop(context.Background(), "mariadb.service")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServiceState)
	assert.Contains(t, err.Error(), "mariadb.service is failed")
	assert.Equal(t, "failed", status.ActiveState)
}

func TestStop_DBusError(t *testing.T) {
	stub := &stubDBus{stopErr: errors.New("access denied")}
	svc := newTestService(stub)

	_, err := svc.Stop(context.Background(), "mariadb.service")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopping mariadb.service")
	assert.Contains(t, err.Error(), "access denied")
}

func TestEnableAndStart_Success(t *testing.T) {
	stub := &stubDBus{states: []map[string]interface{}{state("active", "running")}}
	svc := newTestService(stub)

	status, err := svc.EnableAndStart(context.Background(), "mariadb.service")

	require.NoError(t, err)
	assert.True(t, status.Running())
	assert.Equal(t, []string{
		"reload",
		"enable mariadb.service",
		"start mariadb.service replace",
		"props mariadb.service",
	}, stub.calls)
}

func TestEnableAndStart_ActiveButExited(t *testing.T) {
	stub := &stubDBus{states: []map[string]interface{}{state("active", "exited")}}
	svc := newTestService(stub)

	_, err := svc.EnableAndStart(context.Background(), "mariadb.service")

	assert.ErrorIs(t, err, ErrServiceState)
}

func TestEnableAndStart_EnableFails(t *testing.T) {
	stub := &stubDBus{enableErr: errors.New("unit file does not exist")}
	svc := newTestService(stub)

	_, err := svc.EnableAndStart(context.Background(), "mariadb.service")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "enabling mariadb.service")
	assert.NotContains(t, stub.calls, "start mariadb.service replace")
}

func TestEnableAndStart_ContextCanceled(t *testing.T) {
	stub := &stubDBus{states: []map[string]interface{}{state("activating", "start")}}
	svc := newTestService(stub)
	svc.settleTimeout = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := svc.EnableAndStart(ctx, "mariadb.service")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnectError(t *testing.T) {
	svc := NewWithDBus(testLogger(), func(ctx context.Context) (DBusAPI, error) {
		return nil, errors.New("no system bus")
	})

	_, err := svc.Status(context.Background(), "mariadb.service")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to systemd")
}

func TestClose(t *testing.T) {
	stub := &stubDBus{states: []map[string]interface{}{state("active", "running")}}
	svc := newTestService(stub)

	_, err := svc.Status(context.Background(), "mariadb.service")
	require.NoError(t, err)

	svc.Close()
	svc.Close()
	assert.True(t, stub.closed)
}
