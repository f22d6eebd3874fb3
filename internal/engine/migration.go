package engine

import (
	"context"
	"fmt"
)

// Source is a store that can be read in bulk.
type Source interface {
	Exporter
}

// Destination is a store that accepts verbatim records.
type Destination interface {
	Importer
}

// Migrate copies every user and task from src to dst, preserving IDs,
// password hashes and task versions. Users go first so task owners exist.
// This works for:
// - JSON engine -> SQLite (the "upgrade")
// - SQLite -> JSON engine (backup/offline)
func Migrate(ctx context.Context, src Source, dst Destination) error {
	users, err := src.ExportUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	for _, rec := range users {
		if err := dst.ImportUser(ctx, rec); err != nil {
			return fmt.Errorf("failed to import user %s: %w", rec.User.ID, err)
		}
	}

	tasks, err := src.ExportTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	for _, task := range tasks {
		if err := dst.ImportTask(ctx, task); err != nil {
			return fmt.Errorf("failed to import task %s: %w", task.ID, err)
		}
	}
	return nil
}
