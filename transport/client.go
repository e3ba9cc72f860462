package transport

import (
	"net"
	"time"

	"github.com/openfam/famsvc/famerr"
)

// Client is a thin synchronous RPC client over one persistent Conn.
// CIS-to-MS and client-to-CIS calls both use this: one Call per RPC,
// serialized on this connection (callers wanting concurrency open more
// than one Client).
type Client struct {
	conn *Conn
}

// Dial opens a TCP connection to addr and wraps it as a Client.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, famerr.Wrap("dial", famerr.Fabric, "failed to connect", err)
	}
	return &Client{conn: NewConn(nc)}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends op with the JSON-encoded args, decodes the response body
// into result, and translates a non-zero error_kind into a *famerr.Error.
func (c *Client) Call(op string, args, result interface{}) error {
	body, err := Encode(args)
	if err != nil {
		return famerr.Wrap(op, famerr.Resource, "failed to encode request", err)
	}
	if err := c.conn.WriteRequest(Request{Op: op, Body: body}); err != nil {
		return famerr.Wrap(op, famerr.Fabric, "failed to send request", err)
	}
	resp, err := c.conn.ReadResponse()
	if err != nil {
		return famerr.Wrap(op, famerr.Fabric, "failed to read response", err)
	}
	if resp.ErrorKind != 0 {
		return famerr.New(op, famerr.Kind(resp.ErrorKind), resp.ErrorMsg)
	}
	if result != nil && len(resp.Body) > 0 {
		if err := Decode(resp.Body, result); err != nil {
			return famerr.Wrap(op, famerr.Resource, "failed to decode response", err)
		}
	}
	return nil
}
