// Package sqlite holds helpers shared by the SQLite-backed stores.
package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// BoolToInt maps a Go bool onto SQLite's integer representation.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// EnsureColumn adds column to table when it is missing. Additive schema
// changes go through here so reopening a database created by an older build
// upgrades it in place.
func EnsureColumn(db *sqlx.DB, table, column, definition string) error {
	exists, err := ColumnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

// ColumnExists reports whether table has column.
func ColumnExists(db *sqlx.DB, table, column string) (bool, error) {
	rows, err := db.Queryx(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()

	var info struct {
		CID     int     `db:"cid"`
		Name    string  `db:"name"`
		Type    string  `db:"type"`
		NotNull int     `db:"notnull"`
		Default *string `db:"dflt_value"`
		PK      int     `db:"pk"`
	}
	for rows.Next() {
		if err := rows.StructScan(&info); err != nil {
			return false, err
		}
		if info.Name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
