package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/celerix-dev/celerix-tasks/pkg/schema"
)

func mustCreateUser(t *testing.T, ms *MemStore, name, email string) schema.User {
	t.Helper()
	u, err := ms.CreateUser(context.Background(), schema.User{Name: name, Email: email, Role: schema.RoleMember}, "hash-"+name)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return u
}

func TestMemStore_Users(t *testing.T) {
	ctx := context.Background()
	ms := NewMemStore(nil, nil)

	alice := mustCreateUser(t, ms, "alice", "Alice@Example.com ")
	if alice.ID == "" || alice.CreatedAt.IsZero() {
		t.Fatalf("Expected ID and CreatedAt to be set, got %+v", alice)
	}
	if alice.Email != "alice@example.com" {
		t.Errorf("Expected normalised email, got %q", alice.Email)
	}

	_, err := ms.CreateUser(ctx, schema.User{Name: "dup", Email: "alice@example.com"}, "x")
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("Expected ErrEmailTaken, got %v", err)
	}

	got, hash, err := ms.FindCredentials(ctx, "ALICE@example.com")
	if err != nil {
		t.Fatalf("FindCredentials failed: %v", err)
	}
	if got.ID != alice.ID || hash != "hash-alice" {
		t.Errorf("Unexpected credentials: %+v %q", got, hash)
	}

	if _, _, err := ms.FindCredentials(ctx, "nobody@example.com"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
	if _, err := ms.FindUserByID(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}

	mustCreateUser(t, ms, "bob", "bob@example.com")
	users, _ := ms.ListUsers(ctx)
	if len(users) != 2 {
		t.Errorf("Expected 2 users, got %d", len(users))
	}
}

func TestMemStore_TaskLifecycle(t *testing.T) {
	ctx := context.Background()
	ms := NewMemStore(nil, nil)
	owner := mustCreateUser(t, ms, "alice", "alice@example.com")

	task, err := ms.CreateTask(ctx, "T1", "D1", owner.ID)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if task.AssignedTo != owner.ID || task.Status != schema.StatusTodo || task.Version != 1 {
		t.Fatalf("Unexpected task: %+v", task)
	}
	if task.Owner == nil || task.Owner.ID != owner.ID {
		t.Fatalf("Expected owner to be resolved, got %+v", task.Owner)
	}

	task.Title = "T1b"
	updated, err := ms.UpdateTask(ctx, task)
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	if updated.Title != "T1b" || updated.Description != "D1" || updated.Version != 2 {
		t.Fatalf("Unexpected update result: %+v", updated)
	}

	// task still carries version 1
	if _, err := ms.UpdateTask(ctx, task); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("Expected ErrVersionConflict, got %v", err)
	}

	list, _ := ms.ListTasksByOwner(ctx, owner.ID)
	if len(list) != 1 || list[0].Title != "T1b" {
		t.Fatalf("Unexpected list: %+v", list)
	}

	deleted, err := ms.DeleteTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if deleted.Title != "T1b" || deleted.Version != 2 {
		t.Errorf("Expected pre-deletion snapshot, got %+v", deleted)
	}

	if _, err := ms.FindTaskByID(ctx, task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}
	if _, err := ms.DeleteTask(ctx, task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound on second delete, got %v", err)
	}
	if _, err := ms.UpdateTask(ctx, deleted); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound on update after delete, got %v", err)
	}
}

func TestMemStore_CreateTaskRequiresOwner(t *testing.T) {
	ms := NewMemStore(nil, nil)
	if _, err := ms.CreateTask(context.Background(), "T", "D", "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestMemStore_ListFiltersByOwner(t *testing.T) {
	ctx := context.Background()
	ms := NewMemStore(nil, nil)
	a := mustCreateUser(t, ms, "a", "a@example.com")
	b := mustCreateUser(t, ms, "b", "b@example.com")

	for i := 0; i < 3; i++ {
		ms.CreateTask(ctx, fmt.Sprintf("a%d", i), "", a.ID)
	}
	ms.CreateTask(ctx, "b0", "", b.ID)

	listA, _ := ms.ListTasksByOwner(ctx, a.ID)
	listB, _ := ms.ListTasksByOwner(ctx, b.ID)
	if len(listA) != 3 || len(listB) != 1 {
		t.Fatalf("Expected 3/1 tasks, got %d/%d", len(listA), len(listB))
	}
	for _, task := range listA {
		if task.AssignedTo != a.ID {
			t.Errorf("task %s leaked into a's listing", task.ID)
		}
	}
}

func TestPersistence(t *testing.T) {
	tmpDir := t.TempDir()

	p, err := NewPersistence(tmpDir, nil)
	if err != nil {
		t.Fatalf("NewPersistence failed: %v", err)
	}

	users := []UserRecord{{User: schema.User{ID: "u1", Email: "u1@example.com"}, PasswordHash: "h"}}
	if err := p.SaveCollection(usersFile, 2, users); err != nil {
		t.Fatalf("SaveCollection failed: %v", err)
	}
	// An older write must not clobber a newer one.
	if err := p.SaveCollection(usersFile, 1, []UserRecord{}); err != nil {
		t.Fatalf("SaveCollection failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, usersFile)); os.IsNotExist(err) {
		t.Fatal("users file was not created")
	}

	snap, err := p.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(snap.Users) != 1 || snap.Users[0].PasswordHash != "h" {
		t.Errorf("Loaded data mismatch: %+v", snap.Users)
	}
	if len(snap.Tasks) != 0 {
		t.Errorf("Expected no tasks, got %d", len(snap.Tasks))
	}
}

func TestPersistence_CorruptFileFailsLoad(t *testing.T) {
	tmpDir := t.TempDir()

	p, _ := NewPersistence(tmpDir, nil)
	ms := NewMemStore(nil, p)
	mustCreateUser(t, ms, "alice", "alice@example.com")
	ms.Wait()

	usersPath := filepath.Join(tmpDir, usersFile)
	content, err := os.ReadFile(usersPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	damaged := append(content, '}')
	if err := os.WriteFile(usersPath, damaged, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	p2, _ := NewPersistence(tmpDir, nil)
	if _, err := p2.Load(); err == nil {
		t.Fatal("Expected Load to fail on a corrupt collection")
	}

	// The damaged file is left untouched for manual recovery.
	after, err := os.ReadFile(usersPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(after) != string(damaged) {
		t.Error("Corrupt collection was modified by Load")
	}
}

func TestMemStore_Persistence(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	p, _ := NewPersistence(tmpDir, nil)
	ms := NewMemStore(nil, p)

	owner := mustCreateUser(t, ms, "alice", "alice@example.com")
	task, err := ms.CreateTask(ctx, "T1", "D1", owner.ID)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	ms.Wait() // Wait for background persistence

	snap, err := p.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	ms2 := NewMemStore(&snap, p)

	got, err := ms2.FindTaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("FindTaskByID on new store failed: %v", err)
	}
	if got.Title != "T1" || got.Owner == nil || got.Owner.ID != owner.ID {
		t.Errorf("Unexpected reloaded task: %+v", got)
	}
	_, hash, err := ms2.FindCredentials(ctx, "alice@example.com")
	if err != nil || hash != "hash-alice" {
		t.Errorf("Expected password hash to survive reload, got %q, %v", hash, err)
	}
}

func TestMemStore_Concurrent(t *testing.T) {
	ctx := context.Background()
	ms := NewMemStore(nil, nil)
	owner := mustCreateUser(t, ms, "alice", "alice@example.com")

	const (
		numGoroutines = 10
		numOps        = 50
	)
	var wg sync.WaitGroup
	errs := make(chan error, numGoroutines*numOps)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOps; j++ {
				task, err := ms.CreateTask(ctx, fmt.Sprintf("t-%d-%d", id, j), "", owner.ID)
				if err != nil {
					errs <- err
					continue
				}
				if _, err := ms.FindTaskByID(ctx, task.ID); err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Concurrent error: %v", err)
	}
	list, _ := ms.ListTasksByOwner(ctx, owner.ID)
	if len(list) != numGoroutines*numOps {
		t.Errorf("Expected %d tasks, got %d", numGoroutines*numOps, len(list))
	}
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	src := NewMemStore(nil, nil)
	owner := mustCreateUser(t, src, "alice", "alice@example.com")
	task, _ := src.CreateTask(ctx, "T1", "D1", owner.ID)
	task.Status = schema.StatusDone
	task, _ = src.UpdateTask(ctx, task)

	dst := NewMemStore(nil, nil)
	if err := Migrate(ctx, src, dst); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	got, err := dst.FindTaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("FindTaskByID failed: %v", err)
	}
	if got.Version != task.Version || got.Status != schema.StatusDone || got.AssignedTo != owner.ID {
		t.Errorf("Migrated task mismatch: %+v", got)
	}
	if _, hash, _ := dst.FindCredentials(ctx, owner.Email); hash != "hash-alice" {
		t.Errorf("Expected password hash to migrate, got %q", hash)
	}
}

func TestImportTaskRequiresOwner(t *testing.T) {
	dst := NewMemStore(nil, nil)
	err := dst.ImportTask(context.Background(), schema.Task{ID: "t1", AssignedTo: "ghost"})
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("Expected ErrUserNotFound, got %v", err)
	}
}
