// Package api exposes the task service over HTTP/JSON with a
// Server-Sent-Events feed for live task changes.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/celerix-tasks/internal/apperrors"
	"github.com/celerix-dev/celerix-tasks/internal/authz"
	"github.com/celerix-dev/celerix-tasks/internal/pubsub"
	"github.com/celerix-dev/celerix-tasks/internal/tasks"
	"github.com/celerix-dev/celerix-tasks/pkg/schema"
)

// EventTaskUpdated is the SSE event name carrying a task snapshot.
const EventTaskUpdated = "taskUpdated"

// TaskService is the part of tasks.Service the handlers call.
type TaskService interface {
	Register(ctx context.Context, in tasks.RegisterInput) (schema.User, error)
	Login(ctx context.Context, in tasks.LoginInput) (string, error)
	Logout(ctx context.Context) error
	Users(ctx context.Context) ([]schema.User, error)
	Tasks(ctx context.Context) ([]schema.Task, error)
	CreateTask(ctx context.Context, in tasks.CreateTaskInput) (schema.Task, error)
	EditTask(ctx context.Context, id string, patch schema.TaskPatch) (schema.Task, error)
	DeleteTask(ctx context.Context, id string) (schema.Task, error)
	SubscribeTaskUpdated(ctx context.Context) *pubsub.Subscription[schema.ChangeEvent]
}

type Handler struct {
	Service TaskService
	Logger  *slog.Logger
}

// NewRouter returns a gin engine with CORS, token extraction and every
// route mounted.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), CORS(), TokenFromHeader())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/register", h.Register)
		apiGroup.POST("/login", h.Login)
		apiGroup.POST("/logout", h.Logout)
		apiGroup.GET("/users", h.Users)
		apiGroup.GET("/tasks", h.Tasks)
		apiGroup.POST("/tasks", h.CreateTask)
		apiGroup.GET("/tasks/events", h.Events)
		apiGroup.PATCH("/tasks/:id", h.EditTask)
		apiGroup.DELETE("/tasks/:id", h.DeleteTask)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found", "code": apperrors.CodeNotFound})
	})
	return r
}

// CORS allows browser clients from any origin.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PATCH, DELETE")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// TokenFromHeader copies the Authorization header into the request context.
// Both "Bearer <token>" and a bare token are accepted.
func TokenFromHeader() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header != "" {
			token := header
			if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
				token = strings.TrimSpace(header[7:])
			}
			c.Request = c.Request.WithContext(authz.WithToken(c.Request.Context(), token))
		}
		c.Next()
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return h.Logger
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	if code == apperrors.CodeInternal {
		h.logger().Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.JSON(apperrors.HTTPStatus(code), gin.H{"error": apperrors.MessageOf(err), "code": code})
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	h.fail(c, apperrors.Wrap(apperrors.CodeValidation, "malformed request body", err))
}

func (h *Handler) Register(c *gin.Context) {
	var input tasks.RegisterInput
	if err := c.ShouldBindJSON(&input); err != nil {
		h.badRequest(c, err)
		return
	}
	user, err := h.Service.Register(c.Request.Context(), input)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *Handler) Login(c *gin.Context) {
	var input tasks.LoginInput
	if err := c.ShouldBindJSON(&input); err != nil {
		h.badRequest(c, err)
		return
	}
	token, err := h.Service.Login(c.Request.Context(), input)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (h *Handler) Logout(c *gin.Context) {
	if err := h.Service.Logout(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) Users(c *gin.Context) {
	users, err := h.Service.Users(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *Handler) Tasks(c *gin.Context) {
	list, err := h.Service.Tasks(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) CreateTask(c *gin.Context) {
	var input tasks.CreateTaskInput
	if err := c.ShouldBindJSON(&input); err != nil {
		h.badRequest(c, err)
		return
	}
	task, err := h.Service.CreateTask(c.Request.Context(), input)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *Handler) EditTask(c *gin.Context) {
	var patch schema.TaskPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		h.badRequest(c, err)
		return
	}
	task, err := h.Service.EditTask(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) DeleteTask(c *gin.Context) {
	task, err := h.Service.DeleteTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// Events streams every task change as an SSE "taskUpdated" event until the
// client goes away.
func (h *Handler) Events(c *gin.Context) {
	ctx := c.Request.Context()
	sub := h.Service.SubscribeTaskUpdated(ctx)
	defer sub.Cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			c.SSEvent(EventTaskUpdated, ev.Task)
			c.Writer.Flush()
		case <-ctx.Done():
			return
		}
	}
}
