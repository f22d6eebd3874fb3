// Package sdk provides the client-side library for the Celerix task service.
// It supports both remote connections via TCP/TLS and local embedded mode.
package sdk

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-tasks/internal/apperrors"
	"github.com/celerix-dev/celerix-tasks/internal/server"
	"github.com/celerix-dev/celerix-tasks/pkg/schema"
)

var (
	// errRemote marks a reply the server sent deliberately; those are not retried.
	errRemote = errors.New("remote error")
	// errNotSent marks a command that never reached the server.
	errNotSent = errors.New("command not sent")
)

// idempotent lists the commands safe to resend after the connection drops
// mid-reply. Everything else may already have run on the server.
var idempotent = map[string]bool{
	"PING":  true,
	"AUTH":  true,
	"USERS": true,
	"TASKS": true,
}

func retryable(cmd string, err error) bool {
	if errors.Is(err, errNotSent) {
		return true
	}
	name, _, _ := strings.Cut(cmd, " ")
	return idempotent[name]
}

// Client is a remote client for the Celerix task daemon.
// It implements the TaskAPI interface.
type Client struct {
	addr   string
	conn   net.Conn
	reader *bufio.Reader
	token  string
	mu     sync.Mutex // Protects concurrent access to the connection
}

var _ TaskAPI = (*Client)(nil)

// Connect establishes a TLS-encrypted connection to a remote task daemon.
// If CELERIX_DISABLE_TLS is set to "true", it falls back to plain TCP.
func Connect(addr string) (*Client, error) {
	c := &Client{addr: addr}
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

func dial(addr string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 60 * time.Second,
	}
	if os.Getenv("CELERIX_DISABLE_TLS") == "true" {
		return dialer.Dial("tcp", addr)
	}
	config := &tls.Config{
		InsecureSkipVerify: true, // We use self-signed certs for internal traffic
	}
	return tls.DialWithDialer(dialer, "tcp", addr, config)
}

// reconnect replaces the connection and restores the session token.
// Callers must hold c.mu, except during Connect.
func (c *Client) reconnect() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	conn, err := dial(c.addr)
	if err != nil {
		return err
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)

	if c.token != "" {
		if _, err := c.roundTrip("AUTH " + c.token); err != nil {
			return fmt.Errorf("restore session: %w", err)
		}
	}
	return nil
}

// roundTrip writes one command and reads one reply on the current
// connection. Callers must hold c.mu.
func (c *Client) roundTrip(cmd string) (string, error) {
	c.conn.SetDeadline(time.Now().Add(30 * time.Second))
	if n, err := fmt.Fprint(c.conn, cmd+"\n"); err != nil {
		if n == 0 {
			return "", fmt.Errorf("%w: %v", errNotSent, err)
		}
		return "", err
	}
	resp, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	resp = strings.TrimSpace(resp)
	if strings.HasPrefix(resp, "ERR") {
		return "", parseError(resp)
	}
	return resp, nil
}

// parseError turns "ERR <CODE> <message>" into an *apperrors.Error.
func parseError(line string) error {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "ERR"))
	code, msg, _ := strings.Cut(rest, " ")
	return apperrors.Wrap(apperrors.Code(code), msg, errRemote)
}

// Internal helper for TCP communication
func (c *Client) sendAndReceive(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	var resp string

	// Try up to 3 times with exponential backoff
	for i := 0; i < 3; i++ {
		// Ensure we have a connection
		if c.conn == nil {
			if reconnectErr := c.reconnect(); reconnectErr != nil {
				err = fmt.Errorf("reconnect failed: %w", reconnectErr)
				time.Sleep(time.Duration(i*100) * time.Millisecond)
				continue
			}
		}

		resp, err = c.roundTrip(cmd)
		if err == nil || errors.Is(err, errRemote) {
			return resp, err
		}
		if !retryable(cmd, err) {
			// The command may have run; drop the connection and report.
			c.conn.Close()
			c.conn = nil
			return "", fmt.Errorf("connection lost during %s, outcome unknown: %w", strings.SplitN(cmd, " ", 2)[0], err)
		}

		// If we got here, there was an error communicating.
		fmt.Fprintf(os.Stderr, "[Celerix SDK] Attempt %d failed: %v. Reconnecting...\n", i+1, err)

		// Force a reconnect on the next iteration
		if closeErr := c.reconnect(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "[Celerix SDK] Reconnect attempt failed: %v\n", closeErr)
		}

		// Wait before retrying (exponential backoff)
		time.Sleep(time.Duration((i+1)*200) * time.Millisecond)
	}

	return "", fmt.Errorf("failed after 3 attempts. last error: %w", err)
}

// call sends cmd with an optional JSON payload and decodes the reply into out.
func (c *Client) call(cmd string, payload any, out any) error {
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		cmd += " " + string(jsonData)
	}
	resp, err := c.sendAndReceive(cmd)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	jsonData := strings.TrimSpace(strings.TrimPrefix(resp, "OK"))
	return json.Unmarshal([]byte(jsonData), out)
}

// Ping checks that the daemon is reachable.
func (c *Client) Ping() error {
	resp, err := c.sendAndReceive("PING")
	if err != nil {
		return err
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping reply %q", resp)
	}
	return nil
}

func (c *Client) Register(req RegisterRequest) (schema.User, error) {
	var user schema.User
	err := c.call("REGISTER", req, &user)
	return user, err
}

func (c *Client) Login(email, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.call("LOGIN", map[string]string{"email": email, "password": password}, &out)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return out.Token, nil
}

func (c *Client) SetToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return apperrors.New(apperrors.CodeUnauthenticated, "authentication token is required")
	}
	if _, err := c.sendAndReceive("AUTH " + token); err != nil {
		return err
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

func (c *Client) Logout() error {
	if err := c.call("LOGOUT", nil, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return nil
}

func (c *Client) Users() ([]schema.User, error) {
	var users []schema.User
	err := c.call("USERS", nil, &users)
	return users, err
}

func (c *Client) Tasks() ([]schema.Task, error) {
	var list []schema.Task
	err := c.call("TASKS", nil, &list)
	return list, err
}

func (c *Client) CreateTask(title, description string) (schema.Task, error) {
	var task schema.Task
	err := c.call("CREATE", map[string]string{"title": title, "description": description}, &task)
	return task, err
}

func (c *Client) EditTask(id string, patch schema.TaskPatch) (schema.Task, error) {
	var task schema.Task
	err := c.call("EDIT", server.EditRequest{ID: id, TaskPatch: patch}, &task)
	return task, err
}

func (c *Client) DeleteTask(id string) (schema.Task, error) {
	var task schema.Task
	err := c.call(fmt.Sprintf("DELETE %s", id), nil, &task)
	return task, err
}

// Watch opens a dedicated connection in WATCH mode.
func (c *Client) Watch(ctx context.Context) (<-chan schema.ChangeEvent, error) {
	conn, err := dial(c.addr)
	if err != nil {
		return nil, err
	}
	reader := bufio.NewReader(conn)

	conn.SetDeadline(time.Now().Add(30 * time.Second))
	if _, err := fmt.Fprint(conn, "WATCH\n"); err != nil {
		conn.Close()
		return nil, err
	}
	resp, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp = strings.TrimSpace(resp); resp != "OK" {
		conn.Close()
		return nil, parseError(resp)
	}
	conn.SetDeadline(time.Time{})

	events := make(chan schema.ChangeEvent)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	go func() {
		defer close(events)
		defer stop()
		defer conn.Close()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			payload, ok := strings.CutPrefix(strings.TrimSpace(line), "EVENT ")
			if !ok {
				continue
			}
			var ev schema.ChangeEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	fmt.Fprintln(c.conn, "QUIT")
	err := c.conn.Close()
	c.conn = nil
	return err
}
