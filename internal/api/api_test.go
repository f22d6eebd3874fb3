package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/celerix-dev/celerix-tasks/internal/apperrors"
	"github.com/celerix-dev/celerix-tasks/internal/credential"
	"github.com/celerix-dev/celerix-tasks/internal/engine"
	"github.com/celerix-dev/celerix-tasks/internal/pubsub"
	"github.com/celerix-dev/celerix-tasks/internal/tasks"
	"github.com/celerix-dev/celerix-tasks/pkg/schema"
)

func setupTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	creds, err := credential.New(credential.Config{Secret: []byte("api-test"), BcryptCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("credential.New: %v", err)
	}
	bus := pubsub.New[schema.ChangeEvent]()
	t.Cleanup(bus.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc, err := tasks.New(engine.NewMemStore(nil, nil), creds, bus, tasks.WithLogger(logger))
	if err != nil {
		t.Fatalf("tasks.New: %v", err)
	}
	return NewRouter(&Handler{Service: svc, Logger: logger})
}

func do(r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		buf = bytes.NewBuffer(b)
	}
	req, _ := http.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func signUp(t *testing.T, r http.Handler, name string) (schema.User, string) {
	t.Helper()
	w := do(r, "POST", "/api/register", "", gin.H{
		"name": name, "email": name + "@example.com", "password": "password-" + name, "role": "member",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", name, w.Code, w.Body.String())
	}
	var user schema.User
	json.Unmarshal(w.Body.Bytes(), &user)

	w = do(r, "POST", "/api/login", "", gin.H{"email": name + "@example.com", "password": "password-" + name})
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", name, w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	return user, resp.Token
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) apperrors.Code {
	t.Helper()
	var body struct {
		Error string         `json:"error"`
		Code  apperrors.Code `json:"code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %s", w.Body.String())
	}
	if body.Error == "" {
		t.Errorf("Expected error message in %s", w.Body.String())
	}
	return body.Code
}

func TestScenarioOverHTTP(t *testing.T) {
	r := setupTestRouter(t)
	alice, tokenA := signUp(t, r, "alice")

	w := do(r, "POST", "/api/tasks", tokenA, gin.H{"title": "T1", "description": "D1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var task schema.Task
	json.Unmarshal(w.Body.Bytes(), &task)
	if task.AssignedTo != alice.ID {
		t.Errorf("Expected owner %s, got %s", alice.ID, task.AssignedTo)
	}

	w = do(r, "PATCH", "/api/tasks/"+task.ID, tokenA, gin.H{"title": "T1b"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(r, "GET", "/api/tasks", tokenA, nil)
	var list []schema.Task
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 1 || list[0].Title != "T1b" || list[0].Description != "D1" {
		t.Fatalf("Unexpected task list: %+v", list)
	}

	_, tokenB := signUp(t, r, "bob")
	w = do(r, "PATCH", "/api/tasks/"+task.ID, tokenB, gin.H{"title": "hijack"})
	if w.Code != http.StatusForbidden || errorCode(t, w) != apperrors.CodeForbidden {
		t.Fatalf("Expected 403 FORBIDDEN, got %d: %s", w.Code, w.Body.String())
	}

	w = do(r, "DELETE", "/api/tasks/"+task.ID, tokenA, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(r, "GET", "/api/tasks", tokenA, nil)
	list = nil
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 0 {
		t.Errorf("Expected empty list, got %+v", list)
	}
}

func TestErrorMapping(t *testing.T) {
	r := setupTestRouter(t)
	_, token := signUp(t, r, "alice")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		code   apperrors.Code
	}{
		{"no token", "GET", "/api/tasks", "", nil, http.StatusUnauthorized, apperrors.CodeUnauthenticated},
		{"bad token", "GET", "/api/users", "garbage", nil, http.StatusUnauthorized, apperrors.CodeUnauthenticated},
		{"wrong password", "POST", "/api/login", "", gin.H{"email": "alice@example.com", "password": "nope"}, http.StatusUnauthorized, apperrors.CodeInvalidCredentials},
		{"duplicate email", "POST", "/api/register", "", gin.H{"name": "a", "email": "alice@example.com", "password": "password1"}, http.StatusConflict, apperrors.CodeAlreadyExists},
		{"missing title", "POST", "/api/tasks", token, gin.H{"description": "d"}, http.StatusBadRequest, apperrors.CodeValidation},
		{"malformed body", "POST", "/api/tasks", token, "not an object", http.StatusBadRequest, apperrors.CodeValidation},
		{"unknown task", "DELETE", "/api/tasks/missing", token, nil, http.StatusNotFound, apperrors.CodeNotFound},
		{"unknown route", "GET", "/api/nope", "", nil, http.StatusNotFound, apperrors.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.token, tt.body)
			if w.Code != tt.status {
				t.Fatalf("Expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if got := errorCode(t, w); got != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, got)
			}
		})
	}
}

func TestBareTokenAccepted(t *testing.T) {
	r := setupTestRouter(t)
	_, token := signUp(t, r, "alice")

	req, _ := http.NewRequest("GET", "/api/users", nil)
	req.Header.Set("Authorization", token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "password") {
		t.Errorf("Users response must not carry password data: %s", w.Body.String())
	}
}

func TestLogout(t *testing.T) {
	r := setupTestRouter(t)
	_, token := signUp(t, r, "alice")

	if w := do(r, "POST", "/api/logout", token, nil); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(r, "GET", "/api/tasks", token, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected revoked token to fail, got %d", w.Code)
	}
}

func TestHealthzAndCORS(t *testing.T) {
	r := setupTestRouter(t)

	if w := do(r, "GET", "/healthz", "", nil); w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	w := do(r, "OPTIONS", "/api/tasks", "", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Expected CORS header, got %v", w.Header())
	}
}

func TestEventsStream(t *testing.T) {
	r := setupTestRouter(t)
	_, token := signUp(t, r, "alice")

	srv := httptest.NewServer(r)
	defer srv.Close()

	req, _ := http.NewRequest("GET", srv.URL+"/api/tasks/events", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Expected event stream, got %q", ct)
	}

	w := do(r, "POST", "/api/tasks", token, gin.H{"title": "live", "description": "d"})
	var created schema.Task
	json.Unmarshal(w.Body.Bytes(), &created)

	got := make(chan schema.Task, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		var event string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:") && event == EventTaskUpdated:
				var task schema.Task
				json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &task)
				got <- task
				return
			}
		}
	}()

	select {
	case task := <-got:
		if task.ID != created.ID || task.Title != "live" {
			t.Errorf("Unexpected streamed task: %+v", task)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for SSE event")
	}
}
