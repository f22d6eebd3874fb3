// Package engine defines the storage contracts for users and tasks and
// provides the in-memory engine with optional JSON persistence.
package engine

import (
	"context"
	"errors"

	"github.com/celerix-dev/celerix-tasks/pkg/schema"
)

var (
	// ErrUserNotFound is returned when a requested user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrTaskNotFound is returned when a requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrEmailTaken is returned when registering an email that is already in use.
	ErrEmailTaken = errors.New("email already registered")
	// ErrVersionConflict is returned when an update was based on a stale version.
	ErrVersionConflict = errors.New("task was modified concurrently")
)

// --- Functional Interfaces (Interface Segregation) ---

// UserRepository stores user identities and their password hashes.
type UserRepository interface {
	// CreateUser assigns an ID and creation time and stores the user.
	CreateUser(ctx context.Context, user schema.User, passwordHash string) (schema.User, error)
	// FindUserByID returns ErrUserNotFound when absent.
	FindUserByID(ctx context.Context, id string) (schema.User, error)
	// FindCredentials looks a user up by email and returns the stored hash.
	FindCredentials(ctx context.Context, email string) (schema.User, string, error)
	// ListUsers returns every user ordered by creation.
	ListUsers(ctx context.Context) ([]schema.User, error)
}

// TaskRepository stores tasks. Reads resolve Task.Owner.
type TaskRepository interface {
	CreateTask(ctx context.Context, title, description, ownerID string) (schema.Task, error)
	FindTaskByID(ctx context.Context, id string) (schema.Task, error)
	// UpdateTask stores task if the stored version still equals task.Version
	// and returns the new snapshot with the version incremented.
	UpdateTask(ctx context.Context, task schema.Task) (schema.Task, error)
	// DeleteTask removes the task and returns its last snapshot.
	DeleteTask(ctx context.Context, id string) (schema.Task, error)
	ListTasksByOwner(ctx context.Context, ownerID string) ([]schema.Task, error)
}

// Exporter dumps raw records, for migrations and backups.
type Exporter interface {
	ExportUsers(ctx context.Context) ([]UserRecord, error)
	ExportTasks(ctx context.Context) ([]schema.Task, error)
}

// Importer writes records verbatim, preserving IDs and versions.
type Importer interface {
	ImportUser(ctx context.Context, rec UserRecord) error
	ImportTask(ctx context.Context, task schema.Task) error
}

// --- Composite Interfaces ---

// Store is a complete storage backend.
type Store interface {
	UserRepository
	TaskRepository
	Exporter
	Importer
	Close() error
}

// UserRecord is a user together with its password hash, as persisted.
type UserRecord struct {
	User         schema.User `json:"user"`
	PasswordHash string      `json:"password_hash"`
}
