package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/agentplexus/calltest"
	"github.com/agentplexus/calltest/orchestrator"
)

const createResultsTable = `
CREATE TABLE IF NOT EXISTS call_test_results (
	session_id  VARCHAR(64)  NOT NULL,
	test_name   VARCHAR(255) NOT NULL,
	phone       VARCHAR(32)  NOT NULL,
	call_status VARCHAR(16)  NOT NULL,
	passed      BOOLEAN      NOT NULL,
	started_at  DATETIME(3)  NOT NULL,
	ended_at    DATETIME(3)  NOT NULL,
	result      JSON         NOT NULL,
	PRIMARY KEY (session_id),
	INDEX idx_started (started_at)
)`

const insertResult = `INSERT INTO call_test_results
	(session_id, test_name, phone, call_status, passed, started_at, ended_at, result)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// MySQLConfig addresses the results database.
type MySQLConfig struct {
	Addr     string
	User     string
	Password string
	Database string
}

// DSN renders the go-sql-driver data source name.
func (c MySQLConfig) DSN() string {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = c.Addr
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.DBName = c.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// MySQL stores one row per session.
type MySQL struct {
	db    execer
	close func() error
}

// OpenMySQL connects, pings and ensures the results table exists.
func OpenMySQL(ctx context.Context, cfg MySQLConfig) (*MySQL, error) {
	if cfg.Addr == "" || cfg.Database == "" {
		return nil, calltest.NewError(calltest.CodeConfig, "MYSQL_ADDR", errors.New("store: mysql address and database are required"))
	}
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}
	s, err := newMySQL(ctx, db, db.Close)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func newMySQL(ctx context.Context, db execer, closeFn func() error) (*MySQL, error) {
	if _, err := db.ExecContext(ctx, createResultsTable); err != nil {
		return nil, fmt.Errorf("store: create results table: %w", err)
	}
	return &MySQL{db: db, close: closeFn}, nil
}

// Save inserts the result row.
func (m *MySQL) Save(ctx context.Context, result *orchestrator.TestResult) error {
	if result == nil || result.SessionID == "" {
		return errors.New("store: result without session id")
	}
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("store: encode result: %w", err)
	}
	_, err = m.db.ExecContext(ctx, insertResult,
		result.SessionID,
		result.Test.Name(),
		result.Test.PhoneNumber,
		string(result.CallStatus),
		result.Passed(),
		result.StartedAt.UTC(),
		result.EndedAt.UTC(),
		string(body),
	)
	if err != nil {
		return fmt.Errorf("store: insert result: %w", err)
	}
	return nil
}

func (m *MySQL) Close() error {
	if m.close == nil {
		return nil
	}
	return m.close()
}
