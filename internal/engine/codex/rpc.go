package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
)

// rpcMessage is any JSON-RPC 2.0 frame on the wire. The app-server omits the
// "jsonrpc" member, so it is optional in both directions.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m rpcMessage) isResponse() bool { return m.Method == "" && len(m.ID) > 0 }
func (m rpcMessage) isRequest() bool  { return m.Method != "" && len(m.ID) > 0 }

// RPCError is a JSON-RPC error object returned by the app-server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("codex rpc error %d: %s", e.Code, e.Message)
}

// errConnClosed is returned by calls pending when the stream ends.
var errConnClosed = errors.New("codex: connection closed")

// rpcConn multiplexes requests, responses, server requests and
// notifications over one newline-delimited JSON stream.
type rpcConn struct {
	w   io.Writer
	wmu sync.Mutex

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan rpcMessage
	err     error

	// handle receives notifications and server requests in arrival order.
	// It runs on the read loop and must not issue calls itself.
	handle func(*rpcConn, rpcMessage)
	done   chan struct{}
}

func newRPCConn(r io.Reader, w io.Writer, handle func(*rpcConn, rpcMessage)) *rpcConn {
	c := &rpcConn{
		w:       w,
		pending: make(map[int64]chan rpcMessage),
		handle:  handle,
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

func (c *rpcConn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.isResponse() {
			c.deliver(msg)
			continue
		}
		if msg.Method != "" {
			c.handle(c, msg)
		}
	}
	err := scanner.Err()
	if err == nil {
		err = errConnClosed
	}
	c.mu.Lock()
	c.err = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.done)
}

func (c *rpcConn) deliver(msg rpcMessage) {
	id, err := strconv.ParseInt(string(msg.ID), 10, 64)
	if err != nil {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// Call sends a request and decodes the result into out (which may be nil).
func (c *rpcConn) Call(ctx context.Context, method string, params, out any) error {
	id := c.nextID.Add(1)
	ch := make(chan rpcMessage, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(rpcMessage{ID: json.RawMessage(strconv.FormatInt(id, 10)), Method: method, Params: mustRaw(params)}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("codex: %s: %w", method, err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return fmt.Errorf("codex: %s: %w", method, errConnClosed)
		}
		if msg.Error != nil {
			return fmt.Errorf("codex: %s: %w", method, msg.Error)
		}
		if out != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, out); err != nil {
				return fmt.Errorf("codex: %s: decode result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Notify sends a notification.
func (c *rpcConn) Notify(method string, params any) error {
	return c.write(rpcMessage{Method: method, Params: mustRaw(params)})
}

// Respond answers a server request.
func (c *rpcConn) Respond(id json.RawMessage, result any) error {
	return c.write(rpcMessage{ID: id, Result: mustRaw(result)})
}

// RespondError rejects a server request.
func (c *rpcConn) RespondError(id json.RawMessage, code int, message string) error {
	return c.write(rpcMessage{ID: id, Error: &RPCError{Code: code, Message: message}})
}

func (c *rpcConn) write(msg rpcMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.w.Write(data)
	return err
}

// Done is closed when the read loop exits.
func (c *rpcConn) Done() <-chan struct{} { return c.done }

func mustRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
