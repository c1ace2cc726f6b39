// Package nrepl is a minimal nREPL client: bencoded request/response
// messages over one TCP connection, enough to clone a session, evaluate
// code synchronously and probe liveness.
package nrepl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	bencode "github.com/jackpal/bencode-go"
)

const (
	statusDone      = "done"
	statusEvalError = "eval-error"
	statusError     = "error"
	statusUnknownOp = "unknown-op"
)

// ErrClosed is returned once the connection has failed or been closed.
var ErrClosed = errors.New("nrepl connection closed")

// Response collects every message answering one request.
type Response struct {
	// Fragments holds out and err text in arrival order.
	Fragments []string
	// Value is the printed value of the last evaluated form, if any.
	Value     string
	HasValue  bool
	Namespace string
	Exception string
	Status    []string
}

// Lines returns the output fragments followed by the value as the final
// element. The final element is "" when no value was produced.
func (r Response) Lines() []string {
	lines := make([]string, 0, len(r.Fragments)+1)
	lines = append(lines, r.Fragments...)
	return append(lines, r.Value)
}

// Failed reports whether the server flagged an evaluation error.
func (r Response) Failed() bool {
	for _, status := range r.Status {
		if status == statusEvalError || status == statusError {
			return true
		}
	}
	return false
}

// Client talks to one nREPL server over one connection. Requests are not
// multiplexed: callers must not issue two requests concurrently.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	newID  func() string

	mu     sync.Mutex
	closed bool
}

// Dial connects to an nREPL server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial nrepl %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
		newID:  uuid.NewString,
	}
}

// Connected reports whether the connection is still usable.
func (c *Client) Connected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close closes the connection.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// Clone asks the server for a fresh session and returns its id.
func (c *Client) Clone(ctx context.Context) (string, error) {
	var sessionID string
	_, err := c.request(ctx, map[string]any{"op": "clone"}, func(msg map[string]any) {
		if id, ok := msg["new-session"].(string); ok {
			sessionID = id
		}
	})
	if err != nil {
		return "", fmt.Errorf("clone nrepl session: %w", err)
	}
	if sessionID == "" {
		return "", errors.New("clone nrepl session: server returned no session id")
	}
	return sessionID, nil
}

// Describe round-trips a describe op; it doubles as a liveness probe.
func (c *Client) Describe(ctx context.Context) error {
	if _, err := c.request(ctx, map[string]any{"op": "describe"}, nil); err != nil {
		return fmt.Errorf("describe nrepl server: %w", err)
	}
	return nil
}

// Eval evaluates code in session (empty uses the connection's ephemeral
// session) and blocks until the server reports the request done.
func (c *Client) Eval(ctx context.Context, session string, code string) (Response, error) {
	msg := map[string]any{"op": "eval", "code": code}
	if session != "" {
		msg["session"] = session
	}
	resp, err := c.request(ctx, msg, nil)
	if err != nil {
		return Response{}, fmt.Errorf("eval: %w", err)
	}
	return resp, nil
}

// CloseSession releases a server-side session.
func (c *Client) CloseSession(ctx context.Context, session string) error {
	if session == "" {
		return nil
	}
	if _, err := c.request(ctx, map[string]any{"op": "close", "session": session}, nil); err != nil {
		return fmt.Errorf("close nrepl session %s: %w", session, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, msg map[string]any, onMessage func(map[string]any)) (Response, error) {
	if c == nil {
		return Response{}, errors.New("nrepl client is nil")
	}
	if !c.Connected() {
		return Response{}, ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	id := c.newID()
	msg["id"] = id

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		stop()
		_ = c.conn.SetDeadline(time.Time{})
	}()

	if err := bencode.Marshal(c.conn, msg); err != nil {
		return Response{}, c.fail(ctx, fmt.Errorf("send %v request: %w", msg["op"], err))
	}

	var resp Response
	for {
		decoded, err := bencode.Decode(c.reader)
		if err != nil {
			return Response{}, c.fail(ctx, fmt.Errorf("read response: %w", err))
		}
		reply, ok := decoded.(map[string]any)
		if !ok {
			return Response{}, c.fail(ctx, fmt.Errorf("read response: unexpected message type %T", decoded))
		}
		if replyID, _ := reply["id"].(string); replyID != id {
			continue
		}

		if onMessage != nil {
			onMessage(reply)
		}
		done := mergeReply(&resp, reply)
		if done {
			if hasStatus(resp.Status, statusUnknownOp) {
				return resp, fmt.Errorf("server does not support op %v", msg["op"])
			}
			return resp, nil
		}
	}
}

// fail marks the connection unusable; a half-read stream cannot be resumed.
func (c *Client) fail(ctx context.Context, err error) error {
	_ = c.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func mergeReply(resp *Response, reply map[string]any) bool {
	if out, ok := reply["out"].(string); ok {
		resp.Fragments = append(resp.Fragments, out)
	}
	if errText, ok := reply["err"].(string); ok {
		resp.Fragments = append(resp.Fragments, errText)
	}
	if v, ok := reply["value"].(string); ok {
		resp.Value = v
		resp.HasValue = true
	}
	if ns, ok := reply["ns"].(string); ok {
		resp.Namespace = ns
	}
	if ex, ok := reply["ex"].(string); ok {
		resp.Exception = ex
	}

	done := false
	if statuses, ok := reply["status"].([]any); ok {
		for _, raw := range statuses {
			status, ok := raw.(string)
			if !ok {
				continue
			}
			resp.Status = append(resp.Status, status)
			if status == statusDone {
				done = true
			}
		}
	}
	return done
}

func hasStatus(statuses []string, want string) bool {
	for _, status := range statuses {
		if status == want {
			return true
		}
	}
	return false
}
