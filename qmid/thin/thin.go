// Package thin is the client side of the qmid socket protocol.
//
// A Client carries exactly one qmi handle inside the daemon. Requests are
// answered in order, one at a time. Cancelling the context of an
// outstanding call closes the connection, since the daemon's reply can no
// longer be matched to a request.
package thin

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/qmi/qmux"
)

// ErrClosed is returned by calls on a closed Client.
var ErrClosed = errors.New("thin: client closed")

// Client is a connection to qmid.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// Dial connects to the daemon socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	pkg.LogDebug(pkg.ComponentServer, "thin client connected", "socket", path)
	return newClient(conn), nil
}

func newClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// roundTrip sends req and waits for its response.
func (c *Client) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	resp := new(Response)
	err := WriteFrame(c.conn, req)
	if err == nil {
		err = ReadFrame(c.conn, resp)
	}
	if err != nil {
		// The stream is out of step with the daemon now.
		c.closed = true
		_ = c.conn.Close()
		if ctx.Err() != nil || errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, errors.Join(pkg.ErrInterrupted, err)
		}
		return nil, err
	}
	return resp, resp.toError()
}

// Bind allocates a client for svc and returns its client ID.
func (c *Client) Bind(ctx context.Context, svc qmux.Service) (uint16, error) {
	resp, err := c.roundTrip(ctx, &Request{Bind: &Bind{Service: uint8(svc)}})
	if err != nil {
		return 0, err
	}
	if resp.Bind == nil {
		return 0, pkg.ErrMalformed
	}
	return resp.Bind.CID, nil
}

// Write sends sdu on the bound client.
func (c *Client) Write(ctx context.Context, sdu []byte) (int, error) {
	resp, err := c.roundTrip(ctx, &Request{Write: &Write{Payload: sdu}})
	if err != nil {
		return 0, err
	}
	if resp.Write == nil {
		return 0, pkg.ErrMalformed
	}
	return resp.Write.N, nil
}

// Read waits for the next SDU on the bound client. maxSize of zero
// accepts any size the daemon supports.
func (c *Client) Read(ctx context.Context, maxSize int) ([]byte, error) {
	resp, err := c.roundTrip(ctx, &Request{Read: &Read{MaxSize: maxSize}})
	if err != nil {
		return nil, err
	}
	if resp.Read == nil {
		return nil, pkg.ErrMalformed
	}
	return resp.Read.Payload, nil
}

// Identity returns vid<<16 | pid and the MEID of the modem.
func (c *Client) Identity(ctx context.Context) (uint32, string, error) {
	resp, err := c.roundTrip(ctx, &Request{Identity: &Identity{}})
	if err != nil {
		return 0, "", err
	}
	if resp.Identity == nil {
		return 0, "", pkg.ErrMalformed
	}
	return resp.Identity.VIDPID, resp.Identity.MEID, nil
}

// Close releases the handle in the daemon and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.roundTrip(ctx, &Request{Close: &Close{}})

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		if cerr := c.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
