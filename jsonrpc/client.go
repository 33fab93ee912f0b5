package jsonrpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	log "github.com/nvmexp/lw-firmware-sub127/log"
)

var ErrTx = errors.New("ErrTx")
var ErrEncode = errors.New("ErrEncode")

// Client issues commands over one kept-alive connection. Calls are
// serialised.
type Client struct {
	mu   sync.Mutex
	Conn net.Conn
	r    *bufio.Reader
}

func NewClient(network string, address string, dialTimeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout(network, address, dialTimeout)
	if err != nil {
		return nil, err
	}
	return &Client{Conn: conn, r: bufio.NewReaderSize(conn, MaxRequest)}, nil
}

func (c *Client) Close() error {
	return c.Conn.Close()
}

// Call sends command with params and decodes the result into result, which
// may be nil. A server-side failure comes back as *Error.
func (c *Client) Call(ctx context.Context, command string, params interface{}, result interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := APIRequest{Command: command}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return ErrEncode
		}
		req.Parameter = b
	}
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(&req); err != nil {
		return ErrEncode
	}
	log.Debugf("RPC call: %s", buf.String())

	if dl, ok := ctx.Deadline(); ok {
		_ = c.Conn.SetDeadline(dl)
	} else {
		_ = c.Conn.SetDeadline(time.Time{})
	}
	if _, err := c.Conn.Write(buf.Bytes()); err != nil {
		log.Errorf("Error writing to stream.")
		return ErrTx
	}

	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return err
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, result)
}
