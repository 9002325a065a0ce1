//go:build e2e

package e2e

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/services/systemd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Read-only: queries the unit over the system bus without changing it.
func TestSystemdStatus_E2E(t *testing.T) {
	unit := os.Getenv("TEST_SYSTEMD_UNIT")
	if unit == "" {
		t.Skip("TEST_SYSTEMD_UNIT not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc := systemd.New(testLogger())
	defer svc.Close()

	status, err := svc.Status(ctx, unit)

	require.NoError(t, err)
	assert.Equal(t, unit, status.Name)
	assert.Equal(t, "loaded", status.LoadState)
	assert.NotEmpty(t, status.ActiveState)
}

func TestSystemdStatus_UnknownUnit_E2E(t *testing.T) {
	if os.Getenv("TEST_SYSTEMD_UNIT") == "" {
		t.Skip("TEST_SYSTEMD_UNIT not set")
	}

	svc := systemd.New(testLogger())
	defer svc.Close()

	status, err := svc.Status(context.Background(), "no-such-unit-for-e2e.service")

	require.NoError(t, err)
	assert.Equal(t, "not-found", status.LoadState)
	assert.Equal(t, "inactive", status.ActiveState)
}
