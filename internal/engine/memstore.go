package engine

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/celerix-dev/celerix-tasks/pkg/schema"
)

// MemStore is a thread-safe in-memory Store. When a Persistence is attached
// every mutation schedules a background snapshot of the touched collection.
type MemStore struct {
	mu     sync.RWMutex
	users  map[string]UserRecord // by user ID
	emails map[string]string     // normalised email -> user ID
	tasks  map[string]schema.Task

	persister *Persistence
	logger    *slog.Logger
	seq       uint64
	wg        sync.WaitGroup
	now       func() time.Time
}

// NewMemStore initializes a store from an optional snapshot (from
// Persistence.Load) and an optional persister.
func NewMemStore(initial *Snapshot, p *Persistence) *MemStore {
	m := &MemStore{
		users:     make(map[string]UserRecord),
		emails:    make(map[string]string),
		tasks:     make(map[string]schema.Task),
		persister: p,
		logger:    slog.Default(),
		now:       time.Now,
	}
	if p != nil {
		m.logger = p.logger
	}
	if initial != nil {
		for _, rec := range initial.Users {
			m.users[rec.User.ID] = rec
			m.emails[normaliseEmail(rec.User.Email)] = rec.User.ID
		}
		for _, task := range initial.Tasks {
			task.Owner = nil
			m.tasks[task.ID] = task
		}
	}
	return m
}

// Wait waits for all background persistence tasks to complete.
func (m *MemStore) Wait() {
	m.wg.Wait()
}

// Close flushes pending writes.
func (m *MemStore) Close() error {
	m.Wait()
	return nil
}

func normaliseEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// --- UserRepository ---

func (m *MemStore) CreateUser(_ context.Context, user schema.User, passwordHash string) (schema.User, error) {
	key := normaliseEmail(user.Email)

	m.mu.Lock()
	if _, taken := m.emails[key]; taken {
		m.mu.Unlock()
		return schema.User{}, ErrEmailTaken
	}
	user.ID = uuid.NewString()
	user.Email = key
	user.CreatedAt = m.now().UTC()
	m.users[user.ID] = UserRecord{User: user, PasswordHash: passwordHash}
	m.emails[key] = user.ID
	m.persistUsersLocked()
	m.mu.Unlock()

	return user, nil
}

func (m *MemStore) FindUserByID(_ context.Context, id string) (schema.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.users[id]
	if !ok {
		return schema.User{}, ErrUserNotFound
	}
	return rec.User, nil
}

func (m *MemStore) FindCredentials(_ context.Context, email string) (schema.User, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.emails[normaliseEmail(email)]
	if !ok {
		return schema.User{}, "", ErrUserNotFound
	}
	rec := m.users[id]
	return rec.User, rec.PasswordHash, nil
}

func (m *MemStore) ListUsers(_ context.Context) ([]schema.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]schema.User, 0, len(m.users))
	for _, rec := range m.users {
		list = append(list, rec.User)
	}
	slices.SortFunc(list, func(a, b schema.User) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return list, nil
}

// --- TaskRepository ---

func (m *MemStore) CreateTask(_ context.Context, title, description, ownerID string) (schema.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[ownerID]; !ok {
		return schema.Task{}, fmt.Errorf("create task: owner %s: %w", ownerID, ErrUserNotFound)
	}
	now := m.now().UTC()
	task := schema.Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Status:      schema.StatusTodo,
		AssignedTo:  ownerID,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.tasks[task.ID] = task
	m.persistTasksLocked()
	return m.resolveLocked(task), nil
}

func (m *MemStore) FindTaskByID(_ context.Context, id string) (schema.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return schema.Task{}, ErrTaskNotFound
	}
	return m.resolveLocked(task), nil
}

func (m *MemStore) UpdateTask(_ context.Context, task schema.Task) (schema.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.tasks[task.ID]
	if !ok {
		return schema.Task{}, ErrTaskNotFound
	}
	if stored.Version != task.Version {
		return schema.Task{}, ErrVersionConflict
	}

	stored.Title = task.Title
	stored.Description = task.Description
	stored.Status = task.Status
	stored.Version++
	stored.UpdatedAt = m.now().UTC()
	m.tasks[stored.ID] = stored
	m.persistTasksLocked()
	return m.resolveLocked(stored), nil
}

func (m *MemStore) DeleteTask(_ context.Context, id string) (schema.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return schema.Task{}, ErrTaskNotFound
	}
	snapshot := m.resolveLocked(task)
	delete(m.tasks, id)
	m.persistTasksLocked()
	return snapshot, nil
}

func (m *MemStore) ListTasksByOwner(_ context.Context, ownerID string) ([]schema.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]schema.Task, 0)
	for _, task := range m.tasks {
		if task.AssignedTo == ownerID {
			list = append(list, m.resolveLocked(task))
		}
	}
	sortTasks(list)
	return list, nil
}

// resolveLocked fills in Task.Owner. It MUST be called while holding m.mu.
func (m *MemStore) resolveLocked(task schema.Task) schema.Task {
	if rec, ok := m.users[task.AssignedTo]; ok {
		owner := rec.User
		task.Owner = &owner
	}
	return task
}

func sortTasks(list []schema.Task) {
	slices.SortFunc(list, func(a, b schema.Task) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
}

// --- Exporter / Importer ---

func (m *MemStore) ExportUsers(_ context.Context) ([]UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyUsersLocked(), nil
}

func (m *MemStore) ExportTasks(_ context.Context) ([]schema.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyTasksLocked(), nil
}

func (m *MemStore) ImportUser(_ context.Context, rec UserRecord) error {
	key := normaliseEmail(rec.User.Email)

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, taken := m.emails[key]; taken && id != rec.User.ID {
		return ErrEmailTaken
	}
	rec.User.Email = key
	m.users[rec.User.ID] = rec
	m.emails[key] = rec.User.ID
	m.persistUsersLocked()
	return nil
}

func (m *MemStore) ImportTask(_ context.Context, task schema.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[task.AssignedTo]; !ok {
		return fmt.Errorf("import task %s: owner %s: %w", task.ID, task.AssignedTo, ErrUserNotFound)
	}
	task.Owner = nil
	m.tasks[task.ID] = task
	m.persistTasksLocked()
	return nil
}

// --- Persistence helpers ---

// copyUsersLocked creates a copy of the user collection.
// It MUST be called while holding m.mu.Lock or m.mu.RLock.
func (m *MemStore) copyUsersLocked() []UserRecord {
	list := make([]UserRecord, 0, len(m.users))
	for _, rec := range m.users {
		list = append(list, rec)
	}
	slices.SortFunc(list, func(a, b UserRecord) int {
		return cmp.Or(a.User.CreatedAt.Compare(b.User.CreatedAt), cmp.Compare(a.User.ID, b.User.ID))
	})
	return list
}

// copyTasksLocked creates a copy of the task collection without owners.
// It MUST be called while holding m.mu.Lock or m.mu.RLock.
func (m *MemStore) copyTasksLocked() []schema.Task {
	list := make([]schema.Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		list = append(list, task)
	}
	sortTasks(list)
	return list
}

func (m *MemStore) persistUsersLocked() {
	if m.persister == nil {
		return
	}
	m.seq++
	m.saveInBackground(usersFile, m.seq, m.copyUsersLocked())
}

func (m *MemStore) persistTasksLocked() {
	if m.persister == nil {
		return
	}
	m.seq++
	m.saveInBackground(tasksFile, m.seq, m.copyTasksLocked())
}

func (m *MemStore) saveInBackground(name string, seq uint64, data any) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.persister.SaveCollection(name, seq, data); err != nil {
			m.logger.Error("persist collection", "file", name, "error", err)
		}
	}()
}
