/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package spool

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type sqlQueries struct {
	create string
	upsert string
	get    string
	delete string
	keys   string
}

func queriesFor(driver, table string) (sqlQueries, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return sqlQueries{
			create: `CREATE TABLE IF NOT EXISTS ` + table + ` (
				msg_key TEXT PRIMARY KEY NOT NULL,
				record BLOB NOT NULL,
				updated_at INTEGER NOT NULL)`,
			upsert: `INSERT INTO ` + table + ` (msg_key, record, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(msg_key) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
			get:    `SELECT record FROM ` + table + ` WHERE msg_key = ?`,
			delete: `DELETE FROM ` + table + ` WHERE msg_key = ?`,
			keys:   `SELECT msg_key FROM ` + table,
		}, nil
	case "postgres":
		return sqlQueries{
			create: `CREATE TABLE IF NOT EXISTS ` + table + ` (
				msg_key VARCHAR(255) PRIMARY KEY NOT NULL,
				record BYTEA NOT NULL,
				updated_at BIGINT NOT NULL)`,
			upsert: `INSERT INTO ` + table + ` (msg_key, record, updated_at) VALUES ($1, $2, $3)
				ON CONFLICT(msg_key) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
			get:    `SELECT record FROM ` + table + ` WHERE msg_key = $1`,
			delete: `DELETE FROM ` + table + ` WHERE msg_key = $1`,
			keys:   `SELECT msg_key FROM ` + table,
		}, nil
	case "mysql":
		return sqlQueries{
			create: `CREATE TABLE IF NOT EXISTS ` + table + ` (
				msg_key VARCHAR(255) PRIMARY KEY NOT NULL,
				record LONGBLOB NOT NULL,
				updated_at BIGINT NOT NULL)`,
			upsert: `INSERT INTO ` + table + ` (msg_key, record, updated_at) VALUES (?, ?, ?)
				ON DUPLICATE KEY UPDATE record = VALUES(record), updated_at = VALUES(updated_at)`,
			get:    `SELECT record FROM ` + table + ` WHERE msg_key = ?`,
			delete: `DELETE FROM ` + table + ` WHERE msg_key = ?`,
			keys:   `SELECT msg_key FROM ` + table,
		}, nil
	default:
		return sqlQueries{}, fmt.Errorf("spool: unsupported SQL driver: %s", driver)
	}
}

// SQLBackend keeps records in a single table of an SQL database.
//
// Supported drivers are sqlite (pure Go), sqlite3 (cgo builds only),
// postgres and mysql.
type SQLBackend struct {
	db *sql.DB

	put  *sql.Stmt
	get  *sql.Stmt
	del  *sql.Stmt
	keys *sql.Stmt
}

// OpenSQL connects to the database and creates the table if it does not
// exist. Empty table means "spool".
func OpenSQL(driver, dsn, table string) (*SQLBackend, error) {
	if table == "" {
		table = "spool"
	}
	q, err := queriesFor(driver, table)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("spool: failed to open db: %w", err)
	}
	if strings.HasPrefix(driver, "sqlite") {
		// SQLite does not handle concurrent writers, serialize them here
		// instead of retrying on SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	sb := &SQLBackend{db: db}
	if err := sb.prepare(q); err != nil {
		db.Close()
		return nil, err
	}
	return sb, nil
}

func (sb *SQLBackend) prepare(q sqlQueries) error {
	if _, err := sb.db.Exec(q.create); err != nil {
		return fmt.Errorf("spool: create table: %w", err)
	}

	var err error
	sb.put, err = sb.db.Prepare(q.upsert)
	if err != nil {
		return fmt.Errorf("spool: prepare put: %w", err)
	}
	sb.get, err = sb.db.Prepare(q.get)
	if err != nil {
		return fmt.Errorf("spool: prepare get: %w", err)
	}
	sb.del, err = sb.db.Prepare(q.delete)
	if err != nil {
		return fmt.Errorf("spool: prepare delete: %w", err)
	}
	sb.keys, err = sb.db.Prepare(q.keys)
	if err != nil {
		return fmt.Errorf("spool: prepare keys: %w", err)
	}
	return nil
}

func (sb *SQLBackend) Put(ctx context.Context, key string, rec []byte) error {
	_, err := sb.put.ExecContext(ctx, key, rec, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("spool: put %s: %w", key, err)
	}
	return nil
}

func (sb *SQLBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var rec []byte
	if err := sb.get.QueryRowContext(ctx, key).Scan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("spool: get %s: %w", key, err)
	}
	return rec, nil
}

func (sb *SQLBackend) Delete(ctx context.Context, key string) error {
	if _, err := sb.del.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("spool: delete %s: %w", key, err)
	}
	return nil
}

func (sb *SQLBackend) Keys(ctx context.Context) ([]string, error) {
	rows, err := sb.keys.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("spool: keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("spool: keys: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (sb *SQLBackend) Close() error {
	for _, stmt := range []*sql.Stmt{sb.put, sb.get, sb.del, sb.keys} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return sb.db.Close()
}
