// Package sqlite implements engine.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/celerix-dev/celerix-tasks/internal/engine"
	"github.com/celerix-dev/celerix-tasks/internal/storage/sqlite/migrations"
	"github.com/celerix-dev/celerix-tasks/internal/storage/sqlitemigrate"
	"github.com/celerix-dev/celerix-tasks/pkg/schema"
)

const taskSelect = `
SELECT t.id, t.title, t.description, t.status, t.assigned_to, t.version,
       t.created_at, t.updated_at,
       u.id, u.name, u.email, u.role, u.created_at
FROM tasks t
LEFT JOIN users u ON u.id = t.assigned_to
`

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements engine.Store over SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ engine.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// bundled migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(ctx, db, migrations.FS, "."); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func normaliseEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// --- UserRepository ---

func (s *Store) CreateUser(ctx context.Context, user schema.User, passwordHash string) (schema.User, error) {
	user.ID = uuid.NewString()
	user.Email = normaliseEmail(user.Email)
	user.CreatedAt = fromMillis(toMillis(s.now()))

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Name, user.Email, passwordHash, user.Role, toMillis(user.CreatedAt),
	)
	if isUniqueViolation(err) {
		return schema.User{}, engine.ErrEmailTaken
	}
	if err != nil {
		return schema.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *Store) FindUserByID(ctx context.Context, id string) (schema.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, role, created_at FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.User{}, engine.ErrUserNotFound
	}
	return user, err
}

func (s *Store) FindCredentials(ctx context.Context, email string) (schema.User, string, error) {
	var (
		user      schema.User
		hash      string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, role, created_at, password_hash FROM users WHERE email = ?`,
		normaliseEmail(email),
	).Scan(&user.ID, &user.Name, &user.Email, &user.Role, &createdAt, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.User{}, "", engine.ErrUserNotFound
	}
	if err != nil {
		return schema.User{}, "", fmt.Errorf("select credentials: %w", err)
	}
	user.CreatedAt = fromMillis(createdAt)
	return user, hash, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]schema.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, email, role, created_at FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]schema.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (schema.User, error) {
	var (
		user      schema.User
		createdAt int64
	)
	if err := row.Scan(&user.ID, &user.Name, &user.Email, &user.Role, &createdAt); err != nil {
		return schema.User{}, err
	}
	user.CreatedAt = fromMillis(createdAt)
	return user, nil
}

// --- TaskRepository ---

func (s *Store) CreateTask(ctx context.Context, title, description, ownerID string) (schema.Task, error) {
	now := toMillis(s.now())
	id := uuid.NewString()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, title, description, status, assigned_to, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		id, title, description, schema.StatusTodo, ownerID, now, now,
	)
	if isForeignKeyViolation(err) {
		return schema.Task{}, fmt.Errorf("create task: owner %s: %w", ownerID, engine.ErrUserNotFound)
	}
	if err != nil {
		return schema.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return s.FindTaskByID(ctx, id)
}

func (s *Store) FindTaskByID(ctx context.Context, id string) (schema.Task, error) {
	return findTask(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findTask(ctx context.Context, q queryRower, id string) (schema.Task, error) {
	task, err := scanTask(q.QueryRowContext(ctx, taskSelect+" WHERE t.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Task{}, engine.ErrTaskNotFound
	}
	if err != nil {
		return schema.Task{}, fmt.Errorf("select task: %w", err)
	}
	return task, nil
}

func (s *Store) UpdateTask(ctx context.Context, task schema.Task) (schema.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.Task{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, status = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		task.Title, task.Description, task.Status, toMillis(s.now()), task.ID, task.Version,
	)
	if err != nil {
		return schema.Task{}, fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return schema.Task{}, fmt.Errorf("update task: %w", err)
	}
	if affected == 0 {
		if _, err := findTask(ctx, tx, task.ID); err != nil {
			return schema.Task{}, err
		}
		return schema.Task{}, engine.ErrVersionConflict
	}

	updated, err := findTask(ctx, tx, task.ID)
	if err != nil {
		return schema.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return schema.Task{}, fmt.Errorf("commit update: %w", err)
	}
	return updated, nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) (schema.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.Task{}, fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	snapshot, err := findTask(ctx, tx, id)
	if err != nil {
		return schema.Task{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return schema.Task{}, fmt.Errorf("delete task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return schema.Task{}, fmt.Errorf("commit delete: %w", err)
	}
	return snapshot, nil
}

func (s *Store) ListTasksByOwner(ctx context.Context, ownerID string) ([]schema.Task, error) {
	return s.queryTasks(ctx, taskSelect+" WHERE t.assigned_to = ? ORDER BY t.created_at, t.id", ownerID)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]schema.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]schema.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row scanner) (schema.Task, error) {
	var (
		task                 schema.Task
		createdAt, updatedAt int64
		ownerID, ownerName   sql.NullString
		ownerEmail, ownerRol sql.NullString
		ownerCreated         sql.NullInt64
	)
	err := row.Scan(
		&task.ID, &task.Title, &task.Description, &task.Status, &task.AssignedTo, &task.Version,
		&createdAt, &updatedAt,
		&ownerID, &ownerName, &ownerEmail, &ownerRol, &ownerCreated,
	)
	if err != nil {
		return schema.Task{}, err
	}
	task.CreatedAt = fromMillis(createdAt)
	task.UpdatedAt = fromMillis(updatedAt)
	if ownerID.Valid {
		task.Owner = &schema.User{
			ID:        ownerID.String,
			Name:      ownerName.String,
			Email:     ownerEmail.String,
			Role:      ownerRol.String,
			CreatedAt: fromMillis(ownerCreated.Int64),
		}
	}
	return task, nil
}

// --- Exporter / Importer ---

func (s *Store) ExportUsers(ctx context.Context) ([]engine.UserRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, email, role, created_at, password_hash FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("export users: %w", err)
	}
	defer rows.Close()

	records := make([]engine.UserRecord, 0)
	for rows.Next() {
		var (
			rec       engine.UserRecord
			createdAt int64
		)
		if err := rows.Scan(&rec.User.ID, &rec.User.Name, &rec.User.Email, &rec.User.Role, &createdAt, &rec.PasswordHash); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		rec.User.CreatedAt = fromMillis(createdAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) ExportTasks(ctx context.Context) ([]schema.Task, error) {
	tasks, err := s.queryTasks(ctx, taskSelect+" ORDER BY t.created_at, t.id")
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].Owner = nil
	}
	return tasks, nil
}

func (s *Store) ImportUser(ctx context.Context, rec engine.UserRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email,
		     password_hash = excluded.password_hash, role = excluded.role, created_at = excluded.created_at`,
		rec.User.ID, rec.User.Name, normaliseEmail(rec.User.Email), rec.PasswordHash, rec.User.Role, toMillis(rec.User.CreatedAt),
	)
	if isUniqueViolation(err) {
		return engine.ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("import user %s: %w", rec.User.ID, err)
	}
	return nil
}

func (s *Store) ImportTask(ctx context.Context, task schema.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, title, description, status, assigned_to, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, description = excluded.description,
		     status = excluded.status, assigned_to = excluded.assigned_to, version = excluded.version,
		     created_at = excluded.created_at, updated_at = excluded.updated_at`,
		task.ID, task.Title, task.Description, task.Status, task.AssignedTo, task.Version,
		toMillis(task.CreatedAt), toMillis(task.UpdatedAt),
	)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("import task %s: owner %s: %w", task.ID, task.AssignedTo, engine.ErrUserNotFound)
	}
	if err != nil {
		return fmt.Errorf("import task %s: %w", task.ID, err)
	}
	return nil
}
