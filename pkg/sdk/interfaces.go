package sdk

import (
	"context"

	"github.com/celerix-dev/celerix-tasks/internal/apperrors"
	"github.com/celerix-dev/celerix-tasks/pkg/schema"
)

// Errors returned by every TaskAPI implementation. Compare with errors.Is;
// matching is by error code, so remote and embedded errors compare equal.
var (
	ErrUnauthenticated    = apperrors.ErrUnauthenticated
	ErrForbidden          = apperrors.ErrForbidden
	ErrNotFound           = apperrors.ErrNotFound
	ErrInvalidCredentials = apperrors.ErrInvalidCredentials
	ErrValidation         = apperrors.ErrValidation
	ErrAlreadyExists      = apperrors.ErrAlreadyExists
	ErrConflict           = apperrors.ErrConflict
)

// RegisterRequest carries the fields of a new account.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// --- Functional Interfaces (Interface Segregation) ---

// Accounts manages identities and the session token.
type Accounts interface {
	Register(req RegisterRequest) (schema.User, error)
	// Login authenticates and keeps the returned token for later calls.
	Login(email, password string) (string, error)
	// SetToken reuses a token obtained earlier.
	SetToken(token string) error
	Logout() error
	Users() ([]schema.User, error)
}

// TaskReader lists the caller's tasks.
type TaskReader interface {
	Tasks() ([]schema.Task, error)
}

// TaskWriter mutates tasks owned by the caller.
type TaskWriter interface {
	CreateTask(title, description string) (schema.Task, error)
	EditTask(id string, patch schema.TaskPatch) (schema.Task, error)
	DeleteTask(id string) (schema.Task, error)
}

// TaskWatcher streams task changes. The channel is closed when ctx is done
// or the stream breaks.
type TaskWatcher interface {
	Watch(ctx context.Context) (<-chan schema.ChangeEvent, error)
}

// --- Composite Interfaces ---

// TaskAPI is the primary interface for working with the task service,
// whether it runs in another process or embedded in this one.
type TaskAPI interface {
	Accounts
	TaskReader
	TaskWriter
	TaskWatcher
	Close() error
}

// Patch builds a TaskPatch from the non-empty arguments.
func Patch(title, description, status string) schema.TaskPatch {
	var p schema.TaskPatch
	if title != "" {
		p.Title = &title
	}
	if description != "" {
		p.Description = &description
	}
	if status != "" {
		p.Status = &status
	}
	return p
}
