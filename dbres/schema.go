package dbres

import (
	"context"
	"fmt"
)

// ColumnInfo describes one column of an introspected table.
type ColumnInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// TableInfo describes one table or view.
type TableInfo struct {
	Name    string       `json:"name"`
	Type    string       `json:"type"`
	Columns []ColumnInfo `json:"columns"`
}

// SchemaInfo is the result of schema introspection for one session.
type SchemaInfo struct {
	Family Family      `json:"family"`
	Tables []TableInfo `json:"tables"`
}

// Schema enumerates tables, views and their columns for the connected
// database, using the engine's own catalog.
func (h *Handle) Schema(ctx context.Context) (SchemaInfo, error) {
	var (
		tables []TableInfo
		err    error
	)
	switch h.family {
	case FamilyPostgres:
		tables, err = h.schemaFromInformationSchema(ctx,
			`SELECT table_name, table_type
			   FROM information_schema.tables
			  WHERE table_schema = 'public'
			  ORDER BY table_name`,
			`SELECT column_name, data_type, is_nullable
			   FROM information_schema.columns
			  WHERE table_schema = 'public' AND table_name = $1
			  ORDER BY ordinal_position`)
	case FamilyMySQL:
		tables, err = h.schemaFromInformationSchema(ctx,
			`SELECT table_name, table_type
			   FROM information_schema.tables
			  WHERE table_schema = DATABASE()
			  ORDER BY table_name`,
			`SELECT column_name, data_type, is_nullable
			   FROM information_schema.columns
			  WHERE table_schema = DATABASE() AND table_name = ?
			  ORDER BY ordinal_position`)
	default:
		tables, err = h.sqliteSchema(ctx)
	}
	if err != nil {
		return SchemaInfo{}, err
	}
	return SchemaInfo{Family: h.family, Tables: tables}, nil
}

func (h *Handle) schemaFromInformationSchema(ctx context.Context, tableQuery, columnQuery string) ([]TableInfo, error) {
	rows, err := h.db.QueryContext(ctx, tableQuery)
	if err != nil {
		return nil, fmt.Errorf("dbres: list tables: %w", err)
	}
	var tables []TableInfo
	for rows.Next() {
		var t TableInfo
		if err := rows.Scan(&t.Name, &t.Type); err != nil {
			rows.Close()
			return nil, fmt.Errorf("dbres: scan table: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("dbres: list tables: %w", err)
	}
	rows.Close()

	for i := range tables {
		cols, err := h.db.QueryContext(ctx, columnQuery, tables[i].Name)
		if err != nil {
			return nil, fmt.Errorf("dbres: list columns of %s: %w", tables[i].Name, err)
		}
		for cols.Next() {
			var c ColumnInfo
			var nullable string
			if err := cols.Scan(&c.Name, &c.Type, &nullable); err != nil {
				cols.Close()
				return nil, fmt.Errorf("dbres: scan column: %w", err)
			}
			c.Nullable = nullable == "YES"
			tables[i].Columns = append(tables[i].Columns, c)
		}
		if err := cols.Err(); err != nil {
			cols.Close()
			return nil, fmt.Errorf("dbres: list columns of %s: %w", tables[i].Name, err)
		}
		cols.Close()
	}
	return tables, nil
}

func (h *Handle) sqliteSchema(ctx context.Context) ([]TableInfo, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT name, type FROM sqlite_master
		  WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
		  ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("dbres: list tables: %w", err)
	}
	var tables []TableInfo
	for rows.Next() {
		var t TableInfo
		if err := rows.Scan(&t.Name, &t.Type); err != nil {
			rows.Close()
			return nil, fmt.Errorf("dbres: scan table: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("dbres: list tables: %w", err)
	}
	rows.Close()

	for i := range tables {
		cols, err := h.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", tables[i].Name))
		if err != nil {
			return nil, fmt.Errorf("dbres: columns of %s: %w", tables[i].Name, err)
		}
		for cols.Next() {
			var (
				cid        int
				name, typ  string
				notNull    int
				defaultVal any
				pk         int
			)
			if err := cols.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
				cols.Close()
				return nil, fmt.Errorf("dbres: scan column: %w", err)
			}
			tables[i].Columns = append(tables[i].Columns, ColumnInfo{
				Name:     name,
				Type:     typ,
				Nullable: notNull == 0,
			})
		}
		if err := cols.Err(); err != nil {
			cols.Close()
			return nil, fmt.Errorf("dbres: columns of %s: %w", tables[i].Name, err)
		}
		cols.Close()
	}
	return tables, nil
}
