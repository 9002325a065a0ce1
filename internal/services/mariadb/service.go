// Package mariadb talks to the running server over the MySQL protocol.
package mariadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/models"
	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
)

// ErrEmptyCredential is returned when the credential file holds no password.
var ErrEmptyCredential = errors.New("database credential is empty")

// ErrNotConnected is returned when a query is issued before Connect.
var ErrNotConnected = errors.New("not connected to database")

// Service defines the interface for database operations.
type Service interface {
	Connect(ctx context.Context, cfg models.DatabaseConfig, password string) error
	ListDatabases(ctx context.Context, exclude []string) ([]string, error)
	ServerVersion(ctx context.Context) (string, error)
	PrepareShutdown(ctx context.Context) (int, error)
	Close() error
}

// Conn is the minimal query surface used by this package.
type Conn interface {
	Exec(ctx context.Context, query string) error
	QueryColumn(ctx context.Context, query string) ([]string, error)
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Open(ctx context.Context, dsn string) (Conn, error)
}

// DefaultDialer opens a database/sql pool with the go-sql-driver/mysql driver.
type DefaultDialer struct{}

// Open connects and pings the server.
func (DefaultDialer) Open(ctx context.Context, dsn string) (Conn, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &sqlConn{db: db}, nil
}

type sqlConn struct {
	db *sql.DB
}

func (c *sqlConn) Exec(ctx context.Context, query string) error {
	_, err := c.db.ExecContext(ctx, query)
	return err
}

// QueryColumn returns the first column of every row as a string.
func (c *sqlConn) QueryColumn(ctx context.Context, query string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	values := make([]sql.RawBytes, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}

	var out []string
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if len(values) == 0 {
			out = append(out, "")
			continue
		}
		out = append(out, string(values[0]))
	}

	return out, rows.Err()
}

func (c *sqlConn) Close() error {
	return c.db.Close()
}

// Impl implements the mariadb Service interface.
type Impl struct {
	dialer Dialer
	conn   Conn
	logger zerolog.Logger
}

// New creates a new mariadb service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		dialer: DefaultDialer{},
		logger: logger,
	}
}

// NewWithDialer creates a new mariadb service with a custom dialer (for testing).
func NewWithDialer(logger zerolog.Logger, dialer Dialer) *Impl {
	return &Impl{
		dialer: dialer,
		logger: logger,
	}
}

// ReadCredential reads the root password CyberPanel stores on disk.
func ReadCredential(path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if err != nil {
		return "", fmt.Errorf("reading credential: %w", err)
	}

	password := strings.TrimSpace(string(data))
	if password == "" {
		return "", fmt.Errorf("%w: %s", ErrEmptyCredential, path)
	}

	return password, nil
}

// DSN builds a go-sql-driver/mysql data source name.
func DSN(cfg models.DatabaseConfig, password string) string {
	c := mysql.NewConfig()
	c.User = cfg.User
	c.Passwd = password
	c.Timeout = 10 * time.Second

	if cfg.Socket != "" {
		c.Net = "unix"
		c.Addr = cfg.Socket
	} else {
		c.Net = "tcp"
		c.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}

	return c.FormatDSN()
}

// Connect opens the connection used by the other methods.
func (s *Impl) Connect(ctx context.Context, cfg models.DatabaseConfig, password string) error {
	if password == "" {
		return ErrEmptyCredential
	}

	addr := cfg.Socket
	if addr == "" {
		addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}
	s.logger.Debug().Str("user", cfg.User).Str("addr", addr).Msg("connecting to database")

	conn, err := s.dialer.Open(ctx, DSN(cfg, password))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}

	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = conn

	return nil
}

// ListDatabases returns every schema except the excluded ones, sorted.
func (s *Impl) ListDatabases(ctx context.Context, exclude []string) ([]string, error) {
	if s.conn == nil {
		return nil, ErrNotConnected
	}

	names, err := s.conn.QueryColumn(ctx, "SHOW DATABASES")
	if err != nil {
		return nil, fmt.Errorf("listing databases: %w", err)
	}

	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[strings.ToLower(e)] = true
	}

	databases := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" || skip[strings.ToLower(name)] {
			continue
		}
		databases = append(databases, name)
	}
	sort.Strings(databases)

	s.logger.Info().Int("count", len(databases)).Strs("databases", databases).Msg("databases found")
	return databases, nil
}

// ServerVersion returns the version reported by the running server.
func (s *Impl) ServerVersion(ctx context.Context) (string, error) {
	if s.conn == nil {
		return "", ErrNotConnected
	}

	values, err := s.conn.QueryColumn(ctx, "SELECT VERSION()")
	if err != nil {
		return "", fmt.Errorf("querying version: %w", err)
	}
	if len(values) == 0 {
		return "", fmt.Errorf("querying version: no rows")
	}

	return values[0], nil
}

// PrepareShutdown requests a slow InnoDB shutdown so the new server starts
// from a clean redo log, then reports prepared XA transactions which would
// otherwise be lost. It returns the number of prepared transactions.
func (s *Impl) PrepareShutdown(ctx context.Context) (int, error) {
	if s.conn == nil {
		return 0, ErrNotConnected
	}

	if err := s.conn.Exec(ctx, "SET GLOBAL innodb_fast_shutdown = 0"); err != nil {
		return 0, fmt.Errorf("setting innodb_fast_shutdown: %w", err)
	}
	s.logger.Info().Msg("innodb_fast_shutdown set to 0")

	xids, err := s.conn.QueryColumn(ctx, "XA RECOVER")
	if err != nil {
		return 0, fmt.Errorf("recovering XA transactions: %w", err)
	}

	if len(xids) > 0 {
		s.logger.Warn().Int("count", len(xids)).Msg("prepared XA transactions found, they must be committed or rolled back manually")
	} else {
		s.logger.Info().Msg("no prepared XA transactions")
	}

	return len(xids), nil
}

// Close releases the connection. It is safe to call more than once.
func (s *Impl) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
