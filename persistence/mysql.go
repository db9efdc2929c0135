package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/go-sql-driver/mysql"
)

// MySQL is a persistence backend for multi-process or multi-host engine
// deployments: a connection-pooled *sql.DB against a pre-existing
// MySQL/compatible server, auto-migrated on first use.
type MySQL struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewMySQL opens a connection pool using dsn (a go-sql-driver/mysql data
// source name, e.g. "user:pass@tcp(host:3306)/dbname?parseTime=true") and
// ensures its schema exists.
func NewMySQL(dsn string) (*MySQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: open mysql: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("persistence: ping mysql: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			` + "`key`" + ` VARCHAR(255) PRIMARY KEY,
			data LONGBLOB NOT NULL
		) ENGINE=InnoDB;`); err != nil {
		return nil, fmt.Errorf("persistence: migrate mysql: %w", err)
	}
	return &MySQL{db: db}, nil
}

func (m *MySQL) Save(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.db.ExecContext(ctx,
		"INSERT INTO snapshots (`key`, data) VALUES (?, ?) ON DUPLICATE KEY UPDATE data = VALUES(data)", key, data)
	return err
}

func (m *MySQL) Load(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var data []byte
	err := m.db.QueryRowContext(ctx, "SELECT data FROM snapshots WHERE `key` = ?", key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (m *MySQL) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.db.ExecContext(ctx, "DELETE FROM snapshots WHERE `key` = ?", key)
	return err
}

func (m *MySQL) Close() error {
	return m.db.Close()
}
