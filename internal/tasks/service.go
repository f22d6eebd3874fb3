// Package tasks implements the task service: every operation authenticates
// the caller, checks ownership, mutates storage and broadcasts the change to
// live subscribers.
package tasks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/celerix-dev/celerix-tasks/internal/apperrors"
	"github.com/celerix-dev/celerix-tasks/internal/authz"
	"github.com/celerix-dev/celerix-tasks/internal/credential"
	"github.com/celerix-dev/celerix-tasks/internal/engine"
	"github.com/celerix-dev/celerix-tasks/internal/pubsub"
	"github.com/celerix-dev/celerix-tasks/pkg/schema"
)

const tracerName = "github.com/celerix-dev/celerix-tasks/internal/tasks"

// Repository is the storage the service needs.
type Repository interface {
	engine.UserRepository
	engine.TaskRepository
}

// Credentials hashes passwords and issues, verifies and revokes tokens.
type Credentials interface {
	HashPassword(plain string) (string, error)
	VerifyPassword(plain, hash string) bool
	IssueToken(userID, role string) (string, error)
	VerifyToken(token string) (credential.Claims, error)
	Revoke(token string) error
}

// RegisterInput is the payload of Register. An empty role defaults to
// schema.RoleMember.
type RegisterInput struct {
	Name     string `json:"name" validate:"required,max=200"`
	Email    string `json:"email" validate:"required,email,max=320"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Role     string `json:"role" validate:"omitempty,max=64"`
}

// LoginInput is the payload of Login.
type LoginInput struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// CreateTaskInput is the payload of CreateTask. AssignedTo is accepted for
// compatibility and ignored: the owner is always the caller.
type CreateTaskInput struct {
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description" validate:"required,max=5000"`
	AssignedTo  string `json:"assigned_to,omitempty"`
}

// editInput carries the trimmed fields of a TaskPatch through the same
// length limits CreateTaskInput applies.
type editInput struct {
	Title       *string `json:"title" validate:"omitempty,max=200"`
	Description *string `json:"description" validate:"omitempty,max=5000"`
}

// Service is the task service. It is safe for concurrent use.
type Service struct {
	repo      Repository
	creds     Credentials
	guard     *authz.Guard
	bus       *pubsub.Bus[schema.ChangeEvent]
	validate  *validator.Validate
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	dummyHash string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithClock sets the clock used to stamp change events.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a Service. The bus is the one subscribers attach to; pass the
// same instance to every transport.
func New(repo Repository, creds Credentials, bus *pubsub.Bus[schema.ChangeEvent], opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("tasks: repository is required")
	}
	if creds == nil {
		return nil, errors.New("tasks: credentials are required")
	}
	if bus == nil {
		return nil, errors.New("tasks: event bus is required")
	}

	s := &Service{
		repo:     repo,
		creds:    creds,
		bus:      bus,
		validate: newValidator(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.guard = authz.NewGuard(creds, s.logger)

	// Unknown emails are checked against this hash so a failed login costs
	// the same whether or not the account exists.
	dummy, err := creds.HashPassword("celerix-tasks-unknown-user")
	if err != nil {
		return nil, err
	}
	s.dummyHash = dummy
	return s, nil
}

// Authenticate verifies the token carried in ctx and returns the caller.
func (s *Service) Authenticate(ctx context.Context) (authz.Principal, error) {
	p, err := s.guard.Authenticate(authz.TokenFromContext(ctx))
	switch {
	case errors.Is(err, authz.ErrMissingToken):
		return authz.Principal{}, apperrors.Wrap(apperrors.CodeUnauthenticated, err.Error(), err)
	case err != nil:
		return authz.Principal{}, apperrors.Wrap(apperrors.CodeUnauthenticated, authz.ErrInvalidToken.Error(), err)
	}
	return p, nil
}

// Register creates a user with a hashed password.
func (s *Service) Register(ctx context.Context, in RegisterInput) (user schema.User, err error) {
	ctx, span := s.tracer.Start(ctx, "tasks.Register")
	defer func() { endSpan(span, err) }()

	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	in.Role = strings.TrimSpace(in.Role)
	if err := s.validateStruct(in); err != nil {
		return schema.User{}, err
	}
	if in.Role == "" {
		in.Role = schema.RoleMember
	}

	hash, err := s.creds.HashPassword(in.Password)
	if err != nil {
		return schema.User{}, apperrors.Wrap(apperrors.CodeInternal, "internal error", err)
	}
	user, err = s.repo.CreateUser(ctx, schema.User{Name: in.Name, Email: in.Email, Role: in.Role}, hash)
	if err != nil {
		return schema.User{}, storeError(err)
	}

	span.SetAttributes(attribute.String("user.id", user.ID))
	s.logger.Info("user registered", "user_id", user.ID, "role", user.Role)
	return user, nil
}

// Login checks the credentials and returns a signed token.
func (s *Service) Login(ctx context.Context, in LoginInput) (token string, err error) {
	ctx, span := s.tracer.Start(ctx, "tasks.Login")
	defer func() { endSpan(span, err) }()

	if err := s.validateStruct(in); err != nil {
		return "", err
	}

	user, hash, err := s.repo.FindCredentials(ctx, in.Email)
	if errors.Is(err, engine.ErrUserNotFound) {
		s.creds.VerifyPassword(in.Password, s.dummyHash)
		return "", apperrors.ErrInvalidCredentials
	}
	if err != nil {
		return "", storeError(err)
	}
	if !s.creds.VerifyPassword(in.Password, hash) {
		s.logger.Debug("login rejected", "user_id", user.ID)
		return "", apperrors.ErrInvalidCredentials
	}

	token, err = s.creds.IssueToken(user.ID, user.Role)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInternal, "internal error", err)
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return token, nil
}

// Logout revokes the token carried in ctx.
func (s *Service) Logout(ctx context.Context) (err error) {
	_, span := s.tracer.Start(ctx, "tasks.Logout")
	defer func() { endSpan(span, err) }()

	p, err := s.Authenticate(ctx)
	if err != nil {
		return err
	}
	if err := s.creds.Revoke(authz.TokenFromContext(ctx)); err != nil {
		return apperrors.Wrap(apperrors.CodeUnauthenticated, authz.ErrInvalidToken.Error(), err)
	}
	s.logger.Info("user logged out", "user_id", p.UserID)
	return nil
}

// Users lists every registered user. Password hashes never leave storage.
func (s *Service) Users(ctx context.Context) (users []schema.User, err error) {
	ctx, span := s.tracer.Start(ctx, "tasks.Users")
	defer func() { endSpan(span, err) }()

	if _, err := s.Authenticate(ctx); err != nil {
		return nil, err
	}
	users, err = s.repo.ListUsers(ctx)
	if err != nil {
		return nil, storeError(err)
	}
	return users, nil
}

// Tasks lists the tasks owned by the caller.
func (s *Service) Tasks(ctx context.Context) (list []schema.Task, err error) {
	ctx, span := s.tracer.Start(ctx, "tasks.Tasks")
	defer func() { endSpan(span, err) }()

	p, err := s.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	list, err = s.repo.ListTasksByOwner(ctx, p.UserID)
	if err != nil {
		return nil, storeError(err)
	}
	return list, nil
}

// CreateTask creates a task owned by the caller and broadcasts it.
func (s *Service) CreateTask(ctx context.Context, in CreateTaskInput) (task schema.Task, err error) {
	ctx, span := s.tracer.Start(ctx, "tasks.CreateTask")
	defer func() { endSpan(span, err) }()

	p, err := s.Authenticate(ctx)
	if err != nil {
		return schema.Task{}, err
	}
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	if err := s.validateStruct(in); err != nil {
		return schema.Task{}, err
	}
	if in.AssignedTo != "" && in.AssignedTo != p.UserID {
		s.logger.Debug("ignoring assigned_to on create", "user_id", p.UserID, "assigned_to", in.AssignedTo)
	}

	task, err = s.repo.CreateTask(ctx, in.Title, in.Description, p.UserID)
	if err != nil {
		return schema.Task{}, storeError(err)
	}

	span.SetAttributes(attribute.String("task.id", task.ID))
	s.publish(schema.ActionCreated, task)
	s.logger.Info("task created", "task_id", task.ID, "user_id", p.UserID)
	return task, nil
}

// EditTask applies the fields present in patch to a task the caller owns.
func (s *Service) EditTask(ctx context.Context, id string, patch schema.TaskPatch) (task schema.Task, err error) {
	ctx, span := s.tracer.Start(ctx, "tasks.EditTask", trace.WithAttributes(attribute.String("task.id", id)))
	defer func() { endSpan(span, err) }()

	p, err := s.Authenticate(ctx)
	if err != nil {
		return schema.Task{}, err
	}
	task, err = s.ownedTask(ctx, p, id)
	if err != nil {
		return schema.Task{}, err
	}

	var in editInput
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return schema.Task{}, apperrors.Wrap(apperrors.CodeValidation, "title: is required", nil)
		}
		in.Title = &title
	}
	if patch.Description != nil {
		description := strings.TrimSpace(*patch.Description)
		if description == "" {
			return schema.Task{}, apperrors.Wrap(apperrors.CodeValidation, "description: is required", nil)
		}
		in.Description = &description
	}
	if err := s.validateStruct(in); err != nil {
		return schema.Task{}, err
	}
	if in.Title != nil {
		task.Title = *in.Title
	}
	if in.Description != nil {
		task.Description = *in.Description
	}
	if patch.Status != nil {
		if !schema.ValidStatus(*patch.Status) {
			return schema.Task{}, apperrors.Wrap(apperrors.CodeValidation, "status: must be one of todo in_progress done", nil)
		}
		task.Status = *patch.Status
	}

	task, err = s.repo.UpdateTask(ctx, task)
	if err != nil {
		return schema.Task{}, storeError(err)
	}

	s.publish(schema.ActionUpdated, task)
	s.logger.Info("task updated", "task_id", task.ID, "version", task.Version)
	return task, nil
}

// DeleteTask removes a task the caller owns and returns its last snapshot.
func (s *Service) DeleteTask(ctx context.Context, id string) (task schema.Task, err error) {
	ctx, span := s.tracer.Start(ctx, "tasks.DeleteTask", trace.WithAttributes(attribute.String("task.id", id)))
	defer func() { endSpan(span, err) }()

	p, err := s.Authenticate(ctx)
	if err != nil {
		return schema.Task{}, err
	}
	if _, err := s.ownedTask(ctx, p, id); err != nil {
		return schema.Task{}, err
	}

	task, err = s.repo.DeleteTask(ctx, id)
	if err != nil {
		return schema.Task{}, storeError(err)
	}

	s.publish(schema.ActionDeleted, task)
	s.logger.Info("task deleted", "task_id", task.ID)
	return task, nil
}

// SubscribeTaskUpdated returns a live feed of task changes. Events published
// before the call are not replayed. The subscription ends when ctx is done
// or Cancel is called.
func (s *Service) SubscribeTaskUpdated(ctx context.Context) *pubsub.Subscription[schema.ChangeEvent] {
	return s.bus.Subscribe(ctx, schema.TopicTaskUpdated)
}

func (s *Service) ownedTask(ctx context.Context, p authz.Principal, id string) (schema.Task, error) {
	task, err := s.repo.FindTaskByID(ctx, id)
	if err != nil {
		return schema.Task{}, storeError(err)
	}
	if task.AssignedTo != p.UserID {
		s.logger.Warn("ownership check failed", "task_id", id, "user_id", p.UserID)
		return schema.Task{}, apperrors.New(apperrors.CodeForbidden, "you do not own this task")
	}
	return task, nil
}

func (s *Service) publish(action string, task schema.Task) {
	delivered := s.bus.Publish(schema.TopicTaskUpdated, schema.ChangeEvent{
		Topic:  schema.TopicTaskUpdated,
		Action: action,
		Task:   task,
		At:     s.now().UTC(),
	})
	s.logger.Debug("task change published", "action", action, "task_id", task.ID, "subscribers", delivered)
}

func storeError(err error) error {
	switch {
	case errors.Is(err, engine.ErrTaskNotFound):
		return apperrors.Wrap(apperrors.CodeNotFound, "task not found", err)
	case errors.Is(err, engine.ErrUserNotFound):
		return apperrors.Wrap(apperrors.CodeNotFound, "user not found", err)
	case errors.Is(err, engine.ErrEmailTaken):
		return apperrors.Wrap(apperrors.CodeAlreadyExists, "email already registered", err)
	case errors.Is(err, engine.ErrVersionConflict):
		return apperrors.Wrap(apperrors.CodeConflict, "task was modified concurrently, reload and retry", err)
	default:
		return apperrors.Wrap(apperrors.CodeInternal, "internal error", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
	}
	span.End()
}
