package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sheetvault/internal/database"
	"sheetvault/internal/database/migrations"
)

func main() {
	// Both sets share one file when the sqlite object store sits next to the metadata.
	db, err := database.OpenConnection(":memory:")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	sets := []migrations.Set{migrations.Metadata, migrations.Blobs}
	var out strings.Builder
	out.WriteString(`-- This file is auto-generated from migration files.
-- DO NOT EDIT MANUALLY. Run 'go generate ./internal/database' to regenerate.
-- Source: internal/database/migrations/files/*/*.sql

`)
	for _, set := range sets {
		if err := migrations.MigrateUp(db, set); err != nil {
			fmt.Fprintf(os.Stderr, "Migration %s failed: %v\n", set.Name, err)
			os.Exit(1)
		}
	}

	schema, err := extractSchema(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to extract schema: %v\n", err)
		os.Exit(1)
	}
	out.WriteString(schema)

	outPath := filepath.Join("internal", "database", "schema.sql")
	if err := os.WriteFile(outPath, []byte(out.String()), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write schema file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %s from %d migration sets\n", outPath, len(sets))
}

// extractSchema lists the CREATE statements in sqlite_master, tables first,
// skipping SQLite internals and the migration bookkeeping tables.
func extractSchema(db *sql.DB) (string, error) {
	query := `
		SELECT sql || ';'
		FROM sqlite_master
		WHERE type IN ('table', 'index')
		  AND sql IS NOT NULL
		  AND name NOT LIKE 'sqlite_%'
		  AND tbl_name NOT LIKE '%schema_migrations'
		ORDER BY
		  CASE type
		    WHEN 'table' THEN 1
		    WHEN 'index' THEN 2
		  END,
		  name
	`

	rows, err := db.Query(query)
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var schema strings.Builder
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return "", fmt.Errorf("scan failed: %w", err)
		}
		schema.WriteString(stmt + "\n\n")
	}
	return schema.String(), rows.Err()
}
