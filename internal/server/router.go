package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-tasks/internal/apperrors"
	"github.com/celerix-dev/celerix-tasks/internal/authz"
	"github.com/celerix-dev/celerix-tasks/internal/pubsub"
	"github.com/celerix-dev/celerix-tasks/internal/tasks"
	"github.com/celerix-dev/celerix-tasks/pkg/schema"
)

const (
	// DefaultMaxConns bounds concurrently served connections.
	DefaultMaxConns = 100
	commandTimeout  = 30 * time.Second
	eventTimeout    = 10 * time.Second
)

// TaskService is the part of tasks.Service the router calls.
type TaskService interface {
	Authenticate(ctx context.Context) (authz.Principal, error)
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

// EditRequest is the payload of the EDIT command.
type EditRequest struct {
	ID string `json:"id"`
	schema.TaskPatch
}

// Router serves the line protocol over TCP, optionally wrapped in TLS.
type Router struct {
	svc      TaskService
	cert     *tls.Certificate
	logger   *slog.Logger
	maxConns int

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewRouter returns a Router serving svc. A nil logger discards output.
func NewRouter(svc TaskService, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		svc:      svc,
		logger:   logger,
		maxConns: DefaultMaxConns,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}
}

// SetCertificate sets the TLS certificate for the router
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// SetMaxConns bounds the number of connections served at once.
func (r *Router) SetMaxConns(n int) {
	if n > 0 {
		r.maxConns = n
	}
}

// Addr returns the bound address, or nil before Listen has bound.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Listen starts the TCP server and blocks until Stop is called. port is
// either a bare port ("7001") or a host:port address.
func (r *Router) Listen(port string) error {
	addr := port
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	var listener net.Listener
	var err error
	if r.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*r.cert}, MinVersion: tls.VersionTLS12}
		listener, err = tls.Listen("tcp", addr, config)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		listener.Close()
		return nil
	}
	r.listener = listener
	r.mu.Unlock()
	r.logger.Info("tcp listener started", "addr", listener.Addr().String(), "tls", r.cert != nil)

	semaphore := make(chan struct{}, r.maxConns)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Warn("accept failed", "error", err)
			continue
		}
		if !r.track(conn) {
			conn.Close()
			return nil
		}

		r.wg.Add(1)
		go func(c net.Conn) {
			defer r.wg.Done()
			semaphore <- struct{}{}
			defer func() {
				<-semaphore
				r.untrack(c)
				c.Close()
			}()
			r.HandleConnection(c)
		}(conn)
	}
}

// Stop closes the listener and every open connection, ends running WATCH
// streams and waits for connection handlers to return.
func (r *Router) Stop() {
	r.mu.Lock()
	r.closed = true
	if r.listener != nil {
		r.listener.Close()
	}
	for c := range r.conns {
		c.Close()
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Router) track(c net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conns[c] = struct{}{}
	return true
}

func (r *Router) untrack(c net.Conn) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

// HandleConnection serves one client until it sends QUIT, goes idle past
// the command timeout, or disconnects. The session token set by AUTH or
// LOGIN applies to every later command on the connection.
func (r *Router) HandleConnection(conn net.Conn) {
	reader := bufio.NewReader(conn)
	var token string

	for {
		// Set a deadline for the next command
		conn.SetDeadline(time.Now().Add(commandTimeout))

		line, err := reader.ReadString('\n')
		if err != nil {
			return // Connection closed or timeout
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		command, payload, _ := strings.Cut(line, " ")
		command = strings.ToUpper(command)
		payload = strings.TrimSpace(payload)
		ctx := authz.WithToken(r.ctx, token)

		switch command {
		case "PING":
			fmt.Fprintln(conn, "PONG")

		case "AUTH":
			p, err := r.svc.Authenticate(authz.WithToken(r.ctx, payload))
			if err != nil {
				writeErr(conn, err)
				continue
			}
			token = payload
			writeOK(conn, principalJSON(p))

		case "REGISTER":
			var in tasks.RegisterInput
			if !decode(conn, payload, &in) {
				continue
			}
			user, err := r.svc.Register(ctx, in)
			reply(conn, user, err)

		case "LOGIN":
			var in tasks.LoginInput
			if !decode(conn, payload, &in) {
				continue
			}
			issued, err := r.svc.Login(ctx, in)
			if err != nil {
				writeErr(conn, err)
				continue
			}
			token = issued
			writeOK(conn, map[string]string{"token": issued})

		case "LOGOUT":
			if err := r.svc.Logout(ctx); err != nil {
				writeErr(conn, err)
				continue
			}
			token = ""
			writeOK(conn, nil)

		case "USERS":
			users, err := r.svc.Users(ctx)
			reply(conn, users, err)

		case "TASKS":
			list, err := r.svc.Tasks(ctx)
			reply(conn, list, err)

		case "CREATE":
			var in tasks.CreateTaskInput
			if !decode(conn, payload, &in) {
				continue
			}
			task, err := r.svc.CreateTask(ctx, in)
			reply(conn, task, err)

		case "EDIT":
			var in EditRequest
			if !decode(conn, payload, &in) {
				continue
			}
			task, err := r.svc.EditTask(ctx, in.ID, in.TaskPatch)
			reply(conn, task, err)

		case "DELETE":
			if payload == "" {
				writeErr(conn, apperrors.New(apperrors.CodeValidation, "usage: DELETE <id>"))
				continue
			}
			task, err := r.svc.DeleteTask(ctx, payload)
			reply(conn, task, err)

		case "WATCH":
			r.watch(conn, reader)
			return

		case "QUIT":
			return

		default:
			writeErr(conn, apperrors.New(apperrors.CodeValidation, "unknown command "+command))
		}
	}
}

// watch turns the connection into an event stream. Any further input line
// or a disconnect ends it. The connection is closed on return so the input
// reader exits as well.
func (r *Router) watch(conn net.Conn, reader *bufio.Reader) {
	defer conn.Close()
	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	sub := r.svc.SubscribeTaskUpdated(ctx)
	defer sub.Cancel()

	conn.SetDeadline(time.Time{})
	writeOK(conn, nil)
	r.logger.Debug("watch started", "remote", conn.RemoteAddr().String())

	go func() {
		reader.ReadString('\n')
		cancel()
	}()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				r.logger.Error("encode event", "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(eventTimeout))
			if _, err := fmt.Fprintln(conn, "EVENT", string(b)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func principalJSON(p authz.Principal) map[string]string {
	return map[string]string{"user_id": p.UserID, "role": p.Role}
}

func decode(conn net.Conn, payload string, v any) bool {
	if payload == "" {
		writeErr(conn, apperrors.New(apperrors.CodeValidation, "missing json payload"))
		return false
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		writeErr(conn, apperrors.New(apperrors.CodeValidation, "invalid json payload"))
		return false
	}
	return true
}

func reply(conn net.Conn, v any, err error) {
	if err != nil {
		writeErr(conn, err)
		return
	}
	writeOK(conn, v)
}

func writeOK(conn net.Conn, v any) {
	if v == nil {
		fmt.Fprintln(conn, "OK")
		return
	}
	res, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintln(conn, "ERR", apperrors.CodeInternal, "internal error")
		return
	}
	fmt.Fprintln(conn, "OK", string(res))
}

func writeErr(conn net.Conn, err error) {
	fmt.Fprintln(conn, "ERR", apperrors.CodeOf(err), apperrors.MessageOf(err))
}
