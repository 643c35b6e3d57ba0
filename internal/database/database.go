// Package database manages the MySQL connection behind the capture catalog.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/dbsmedya/dbusreplay/internal/config"
	"github.com/dbsmedya/dbusreplay/internal/logger"
)

const (
	maxRetries      = 3
	initialBackoff  = time.Second
	connMaxLifetime = 10 * time.Minute
)

// Manager owns the catalog connection.
type Manager struct {
	DB     *sql.DB
	config *config.DatabaseConfig
	logger *logger.Logger
}

// NewManager creates a manager for cfg. Nothing is dialed until Connect.
func NewManager(cfg *config.DatabaseConfig, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Manager{config: cfg, logger: log}
}

// Connect opens and pings the catalog database, retrying with exponential
// backoff.
func (m *Manager) Connect(ctx context.Context) error {
	if m.config == nil {
		return fmt.Errorf("database configuration is nil")
	}

	var err error
	backoff := initialBackoff
	for i := 0; i < maxRetries; i++ {
		var db *sql.DB
		db, err = open(m.config)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				m.DB = db
				return nil
			}
			db.Close()
		}

		m.logger.Warnw("Catalog connection attempt failed",
			"attempt", i+1,
			"host", m.config.Host,
			"error", err,
		)
		if i < maxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}
	return fmt.Errorf("failed to connect to catalog database after %d attempts: %w", maxRetries, err)
}

func open(cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", BuildDSN(cfg))
	if err != nil {
		return nil, err
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConnections > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConnections)
	}
	db.SetConnMaxLifetime(connMaxLifetime)
	return db, nil
}

// BuildDSN renders cfg as a go-sql-driver DSN. Timestamps are parsed into
// time.Time.
func BuildDSN(cfg *config.DatabaseConfig) string {
	dc := mysql.NewConfig()
	dc.User = cfg.User
	dc.Passwd = cfg.Password
	dc.Net = "tcp"
	dc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dc.DBName = cfg.Database
	dc.ParseTime = true

	switch cfg.TLS {
	case "disable":
		dc.TLSConfig = "false"
	case "required":
		dc.TLSConfig = "true"
	default:
		dc.TLSConfig = "preferred"
	}
	return dc.FormatDSN()
}

// Close closes the connection if one is open.
func (m *Manager) Close() error {
	if m.DB == nil {
		return nil
	}
	if err := m.DB.Close(); err != nil {
		return fmt.Errorf("catalog close: %w", err)
	}
	m.DB = nil
	return nil
}

// Ping verifies the connection is alive.
func (m *Manager) Ping(ctx context.Context) error {
	if m.DB == nil {
		return fmt.Errorf("catalog database is not connected")
	}
	if err := m.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("catalog ping failed: %w", err)
	}
	return nil
}
