// Package systemd controls the database unit over the systemd D-Bus API.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/models"
	"github.com/rs/zerolog"
)

// ErrServiceState is returned when a unit does not reach the expected state.
var ErrServiceState = errors.New("unexpected service state")

// Service defines the interface for unit control.
type Service interface {
	Status(ctx context.Context, unit string) (models.UnitStatus, error)
	Stop(ctx context.Context, unit string) (models.UnitStatus, error)
	EnableAndStart(ctx context.Context, unit string) (models.UnitStatus, error)
	Close()
}

// DBusAPI is the subset of *dbus.Conn used here.
type DBusAPI interface {
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	EnableUnitFilesContext(ctx context.Context, files []string, runtime bool, force bool) (bool, []dbus.EnableUnitFileChange, error)
	ReloadContext(ctx context.Context) error
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
	Close()
}

// DBusAPIFactory opens a D-Bus connection.
type DBusAPIFactory func(ctx context.Context) (DBusAPI, error)

// NewDBusAPI connects to the system bus.
func NewDBusAPI(ctx context.Context) (DBusAPI, error) {
	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Impl implements the systemd Service interface.
type Impl struct {
	newDBus       DBusAPIFactory
	conn          DBusAPI
	pollInterval  time.Duration
	settleTimeout time.Duration
	logger        zerolog.Logger
}

// New creates a new systemd service.
func New(logger zerolog.Logger) *Impl {
	return NewWithDBus(logger, NewDBusAPI)
}

// NewWithDBus creates a new systemd service with a custom D-Bus factory (for testing).
func NewWithDBus(logger zerolog.Logger, factory DBusAPIFactory) *Impl {
	return &Impl{
		newDBus:       factory,
		pollInterval:  time.Second,
		settleTimeout: 30 * time.Second,
		logger:        logger,
	}
}

func (s *Impl) connect(ctx context.Context) (DBusAPI, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	conn, err := s.newDBus(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to systemd: %w", err)
	}
	s.conn = conn
	return conn, nil
}

// Close releases the D-Bus connection.
func (s *Impl) Close() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Status returns the load, active and sub state of unit.
func (s *Impl) Status(ctx context.Context, unit string) (models.UnitStatus, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return models.UnitStatus{}, err
	}

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return models.UnitStatus{}, fmt.Errorf("reading properties of %s: %w", unit, err)
	}

	return models.UnitStatus{
		Name:        unit,
		LoadState:   stringProp(props, "LoadState"),
		ActiveState: stringProp(props, "ActiveState"),
		SubState:    stringProp(props, "SubState"),
	}, nil
}

// Stop stops unit and requires it to end up inactive.
func (s *Impl) Stop(ctx context.Context, unit string) (models.UnitStatus, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return models.UnitStatus{}, err
	}

	s.logger.Info().Str("unit", unit).Msg("stopping service")

	ch := make(chan string, 1)
	if _, err := conn.StopUnitContext(ctx, unit, "replace", ch); err != nil {
		return models.UnitStatus{}, fmt.Errorf("stopping %s: %w", unit, err)
	}
	job, err := waitJob(ctx, ch)
	if err != nil {
		return models.UnitStatus{}, fmt.Errorf("stopping %s: %w", unit, err)
	}
	s.logger.Debug().Str("unit", unit).Str("job", job).Msg("stop job finished")

	status, err := s.waitFor(ctx, unit, models.UnitStatus.Inactive)
	if err != nil {
		return status, err
	}

	s.logger.Info().Str("unit", unit).Str("state", status.ActiveState).Msg("service stopped")
	return status, nil
}

// EnableAndStart reloads unit files, enables and starts unit and requires it
// to be active (running).
func (s *Impl) EnableAndStart(ctx context.Context, unit string) (models.UnitStatus, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return models.UnitStatus{}, err
	}

	if err := conn.ReloadContext(ctx); err != nil {
		return models.UnitStatus{}, fmt.Errorf("reloading systemd: %w", err)
	}

	if _, _, err := conn.EnableUnitFilesContext(ctx, []string{unit}, false, true); err != nil {
		return models.UnitStatus{}, fmt.Errorf("enabling %s: %w", unit, err)
	}
	s.logger.Info().Str("unit", unit).Msg("service enabled")

	ch := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, unit, "replace", ch); err != nil {
		return models.UnitStatus{}, fmt.Errorf("starting %s: %w", unit, err)
	}
	job, err := waitJob(ctx, ch)
	if err != nil {
		return models.UnitStatus{}, fmt.Errorf("starting %s: %w", unit, err)
	}
	s.logger.Debug().Str("unit", unit).Str("job", job).Msg("start job finished")

	status, err := s.waitFor(ctx, unit, models.UnitStatus.Running)
	if err != nil {
		return status, err
	}

	s.logger.Info().Str("unit", unit).Msg("service active (running)")
	return status, nil
}

func waitJob(ctx context.Context, ch <-chan string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case result := <-ch:
		return result, nil
	}
}

// waitFor polls the unit until want holds or the settle timeout passes.
func (s *Impl) waitFor(ctx context.Context, unit string, want func(models.UnitStatus) bool) (models.UnitStatus, error) {
	deadline := time.Now().Add(s.settleTimeout)

	for {
		status, err := s.Status(ctx, unit)
		if err != nil {
			return status, err
		}
		if want(status) {
			return status, nil
		}

		if time.Now().After(deadline) {
			return status, fmt.Errorf("%w: %s is %s (%s)", ErrServiceState, unit, status.ActiveState, status.SubState)
		}

		s.logger.Debug().
			Str("unit", unit).
			Str("active", status.ActiveState).
			Str("sub", status.SubState).
			Msg("waiting for service state")

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

func stringProp(props map[string]interface{}, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}
