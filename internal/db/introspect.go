package db

import (
	"context"
	"database/sql"
	"fmt"
)

// ColumnInfo is one row of PRAGMA table_info.
type ColumnInfo struct {
	Name       string
	Type       string
	NotNull    bool
	PrimaryKey bool
}

// ForeignKeyInfo is one row of PRAGMA foreign_key_list.
type ForeignKeyInfo struct {
	From  string
	Table string
	To    string
}

// TableInfo returns the columns of table in declaration order. An empty
// result means the table does not exist.
func TableInfo(ctx context.Context, q Querier, table string) ([]ColumnInfo, error) {
	rows, err := q.QueryContext(ctx, "PRAGMA table_info("+QuoteIdent(table)+")")
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		cols = append(cols, ColumnInfo{Name: name, Type: typ, NotNull: notNull != 0, PrimaryKey: pk > 0})
	}
	return cols, rows.Err()
}

// ForeignKeys returns the foreign keys declared on table.
func ForeignKeys(ctx context.Context, q Querier, table string) ([]ForeignKeyInfo, error) {
	rows, err := q.QueryContext(ctx, "PRAGMA foreign_key_list("+QuoteIdent(table)+")")
	if err != nil {
		return nil, fmt.Errorf("failed to read foreign keys of %s: %w", table, err)
	}
	defer rows.Close()

	var fks []ForeignKeyInfo
	for rows.Next() {
		var (
			id, seq                     int
			parent, from                string
			to                          sql.NullString
			onUpdate, onDelete, matchTy string
		)
		if err := rows.Scan(&id, &seq, &parent, &from, &to, &onUpdate, &onDelete, &matchTy); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key of %s: %w", table, err)
		}
		fks = append(fks, ForeignKeyInfo{From: from, Table: parent, To: to.String})
	}
	return fks, rows.Err()
}
