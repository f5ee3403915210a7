// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stepforge/stepforge/internal/config"
)

// Store wraps the GORM connection and implements the C2/C3 contract: CRUD +
// status-transition operations for projects, protocol runs, step runs, and
// the append-only event log. Concurrent status updates on the same
// protocol_run_id are linearised by going through a single SQL row under the
// database's own locking (§4.1 "concurrent status updates must be
// linearisable per protocol_run_id").
type Store struct {
	db *gorm.DB
}

// New opens a connection to the configured database driver (postgres or
// sqlite, per SPEC_FULL §4 "Postgres and SQLite dual support").
func New(cfg *config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{db: db}, nil
}

// AutoMigrate creates or updates the four logical tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&projectRow{},
		&protocolRunRow{},
		&stepRunRow{},
		&eventRow{},
	)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
