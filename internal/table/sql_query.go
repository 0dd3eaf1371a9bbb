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


package table

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/module"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQL runs a configured query to look up the key. The key is passed as
// the only query argument, the placeholder syntax depends on the driver.
//
// If the add, list, set and del queries are configured, the table can be
// modified using the CLI.
type SQL struct {
	modName  string
	instName string

	db     *sql.DB
	lookup *sql.Stmt
	add    *sql.Stmt
	list   *sql.Stmt
	set    *sql.Stmt
	del    *sql.Stmt
}

func NewSQL(modName, instName string, _, _ []string) (module.Module, error) {
	return &SQL{
		modName:  modName,
		instName: instName,
	}, nil
}

func (s *SQL) Name() string {
	return s.modName
}

func (s *SQL) InstanceName() string {
	return s.instName
}

func (s *SQL) Init(cfg *config.Map) error {
	var (
		driver      string
		initQueries []string
		dsnParts    []string
		lookupQuery string

		addQuery    string
		listQuery   string
		removeQuery string
		setQuery    string
	)
	cfg.String("driver", false, true, "", &driver)
	cfg.StringList("dsn", false, true, nil, &dsnParts)
	cfg.StringList("init", false, false, nil, &initQueries)
	cfg.String("lookup", false, true, "", &lookupQuery)
	cfg.String("add", false, false, "", &addQuery)
	cfg.String("list", false, false, "", &listQuery)
	cfg.String("del", false, false, "", &removeQuery)
	cfg.String("set", false, false, "", &setQuery)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	db, err := sql.Open(driver, strings.Join(dsnParts, " "))
	if err != nil {
		return config.NodeErr(cfg.Block, "failed to open db: %v", err)
	}
	s.db = db

	for _, q := range initQueries {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return config.NodeErr(cfg.Block, "init query failed: %v", err)
		}
	}

	prepare := func(name, query string, out **sql.Stmt) error {
		if query == "" {
			return nil
		}
		stmt, err := db.Prepare(query)
		if err != nil {
			return config.NodeErr(cfg.Block, "failed to prepare %s query: %v", name, err)
		}
		*out = stmt
		return nil
	}
	for _, q := range []struct {
		name, query string
		out         **sql.Stmt
	}{
		{"lookup", lookupQuery, &s.lookup},
		{"add", addQuery, &s.add},
		{"list", listQuery, &s.list},
		{"set", setQuery, &s.set},
		{"del", removeQuery, &s.del},
	} {
		if err := prepare(q.name, q.query, q.out); err != nil {
			s.Close()
			return err
		}
	}

	return nil
}

func (s *SQL) Close() error {
	for _, stmt := range []*sql.Stmt{s.lookup, s.add, s.list, s.set, s.del} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func (s *SQL) Lookup(ctx context.Context, key string) (string, bool, error) {
	var val string
	if err := s.lookup.QueryRowContext(ctx, key).Scan(&val); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%s: lookup %s: %w", s.modName, key, err)
	}
	return val, true, nil
}

func (s *SQL) LookupMulti(ctx context.Context, key string) ([]string, error) {
	rows, err := s.lookup.QueryContext(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%s: lookup %s: %w", s.modName, key, err)
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var val string
		if err := rows.Scan(&val); err != nil {
			return nil, fmt.Errorf("%s: lookup %s: %w", s.modName, key, err)
		}
		res = append(res, val)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: lookup %s: %w", s.modName, key, err)
	}
	return res, nil
}

func (s *SQL) Keys() ([]string, error) {
	if s.list == nil {
		return nil, fmt.Errorf("%s: table is not mutable (no 'list' query)", s.modName)
	}

	rows, err := s.list.Query()
	if err != nil {
		return nil, fmt.Errorf("%s: list: %w", s.modName, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%s: list: %w", s.modName, err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQL) RemoveKey(k string) error {
	if s.del == nil {
		return fmt.Errorf("%s: table is not mutable (no 'del' query)", s.modName)
	}
	if _, err := s.del.Exec(k); err != nil {
		return fmt.Errorf("%s: del %s: %w", s.modName, k, err)
	}
	return nil
}

// SetKey tries the add query first and falls back to set if it fails,
// usually because of a duplicate key.
func (s *SQL) SetKey(k, v string) error {
	if s.add == nil || s.set == nil {
		return fmt.Errorf("%s: table is not mutable (no 'add' or 'set' query)", s.modName)
	}

	if _, err := s.add.Exec(k, v); err == nil {
		return nil
	}
	if _, err := s.set.Exec(k, v); err != nil {
		return fmt.Errorf("%s: set %s: %w", s.modName, k, err)
	}
	return nil
}

func init() {
	module.Register("table.sql_query", NewSQL)
}
