package db

import (
	"context"
	"encoding/json"
	"fmt"
)

// Bootstrap initializes the database with a default profile if it's empty.
// This is called after migrations and handles first-run setup. settings is
// the JSON settings document for the default profile.
func (db *DB) Bootstrap(ctx context.Context, settings json.RawMessage) error {
	needed, err := db.NeedsBootstrap(ctx)
	if err != nil {
		return err
	}
	if !needed {
		return nil
	}

	doc := string(settings)
	if doc == "" {
		doc = "{}"
	}

	_, err = db.sql.ExecContext(ctx,
		`INSERT INTO profiles (name, settings, is_active) VALUES ('default', ?, 1)`, doc)
	if err != nil {
		return fmt.Errorf("create default profile: %w", err)
	}
	return nil
}

// NeedsBootstrap returns true if the database needs initial setup.
func (db *DB) NeedsBootstrap(ctx context.Context) (bool, error) {
	var count int
	err := db.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check profiles: %w", err)
	}
	return count == 0, nil
}
