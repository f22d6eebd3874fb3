package sdk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/celerix-dev/celerix-tasks/internal/authz"
	"github.com/celerix-dev/celerix-tasks/internal/credential"
	"github.com/celerix-dev/celerix-tasks/internal/engine"
	"github.com/celerix-dev/celerix-tasks/internal/pubsub"
	"github.com/celerix-dev/celerix-tasks/internal/tasks"
	"github.com/celerix-dev/celerix-tasks/internal/vault"
	"github.com/celerix-dev/celerix-tasks/pkg/schema"
)

// New initializes a task client based on the environment.
// It returns the interface, so the app doesn't care if it's local or remote.
func New(dataDir string) (TaskAPI, error) {
	// 1. Check if a remote daemon is defined in environment variables
	if remoteAddr := os.Getenv("CELERIX_TASKS_ADDR"); remoteAddr != "" {
		client, err := Connect(remoteAddr)
		if err == nil {
			return client, nil
		}
		fmt.Fprintf(os.Stderr, "[Celerix SDK] Remote daemon %s unreachable (%v), using embedded mode\n", remoteAddr, err)
	}

	// 2. Fallback to embedded mode over the same JSON files the daemon uses.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := engine.NewPersistence(dataDir, logger)
	if err != nil {
		return nil, err
	}
	snapshot, err := p.Load()
	if err != nil {
		return nil, err
	}
	store := engine.NewMemStore(&snapshot, p)

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		if secret, err = vault.LoadOrCreateSecret(dataDir); err != nil {
			return nil, err
		}
	}
	creds, err := credential.New(credential.Config{Secret: []byte(secret)})
	if err != nil {
		return nil, err
	}

	bus := pubsub.New[schema.ChangeEvent]()
	svc, err := tasks.New(store, creds, bus, tasks.WithLogger(logger))
	if err != nil {
		bus.Close()
		return nil, err
	}
	return NewEmbedded(svc, closerFunc(func() error {
		bus.Close()
		return store.Close()
	})), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Embedded runs the task service inside the calling process.
type Embedded struct {
	svc     *tasks.Service
	closers []io.Closer

	mu    sync.RWMutex
	token string
}

var _ TaskAPI = (*Embedded)(nil)

// NewEmbedded wraps svc. closers run in order on Close.
func NewEmbedded(svc *tasks.Service, closers ...io.Closer) *Embedded {
	return &Embedded{svc: svc, closers: closers}
}

func (e *Embedded) ctx() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return authz.WithToken(context.Background(), e.token)
}

func (e *Embedded) setToken(token string) {
	e.mu.Lock()
	e.token = token
	e.mu.Unlock()
}

func (e *Embedded) Register(req RegisterRequest) (schema.User, error) {
	return e.svc.Register(e.ctx(), tasks.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
	})
}

func (e *Embedded) Login(email, password string) (string, error) {
	token, err := e.svc.Login(e.ctx(), tasks.LoginInput{Email: email, Password: password})
	if err != nil {
		return "", err
	}
	e.setToken(token)
	return token, nil
}

func (e *Embedded) SetToken(token string) error {
	if _, err := e.svc.Authenticate(authz.WithToken(context.Background(), token)); err != nil {
		return err
	}
	e.setToken(token)
	return nil
}

func (e *Embedded) Logout() error {
	if err := e.svc.Logout(e.ctx()); err != nil {
		return err
	}
	e.setToken("")
	return nil
}

func (e *Embedded) Users() ([]schema.User, error) {
	return e.svc.Users(e.ctx())
}

func (e *Embedded) Tasks() ([]schema.Task, error) {
	return e.svc.Tasks(e.ctx())
}

func (e *Embedded) CreateTask(title, description string) (schema.Task, error) {
	return e.svc.CreateTask(e.ctx(), tasks.CreateTaskInput{Title: title, Description: description})
}

func (e *Embedded) EditTask(id string, patch schema.TaskPatch) (schema.Task, error) {
	return e.svc.EditTask(e.ctx(), id, patch)
}

func (e *Embedded) DeleteTask(id string) (schema.Task, error) {
	return e.svc.DeleteTask(e.ctx(), id)
}

// Watch subscribes directly to the in-process bus.
func (e *Embedded) Watch(ctx context.Context) (<-chan schema.ChangeEvent, error) {
	return e.svc.SubscribeTaskUpdated(ctx).C(), nil
}

func (e *Embedded) Close() error {
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
