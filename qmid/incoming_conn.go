package qmid

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/qmi"
	"github.com/ardnew/softqmi/qmi/qmux"
	"github.com/ardnew/softqmi/qmid/thin"
	"github.com/ardnew/softqmi/transport/cdc"
)

const (
	defaultReadLimit = cdc.DefaultReadSize - qmux.HeaderSize
	closeTimeout     = 5 * time.Second
)

// incomingConn is one thin client and the handle it owns.
type incomingConn struct {
	server *Server
	id     uuid.UUID

	unixConn *net.UnixConn
	handle   *qmi.Handle

	closeOnce sync.Once
}

func newIncomingConn(s *Server, conn *net.UnixConn, h *qmi.Handle) *incomingConn {
	c := &incomingConn{
		server:   s,
		id:       uuid.New(),
		unixConn: conn,
		handle:   h,
	}
	pkg.LogDebug(pkg.ComponentServer, "new incoming connection", "conn", c.id)
	return c
}

func (c *incomingConn) recvRequest() (*thin.Request, error) {
	req := new(thin.Request)
	if err := thin.ReadFrame(c.unixConn, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (c *incomingConn) sendResponse(r *thin.Response) error {
	return thin.WriteFrame(c.unixConn, r)
}

func (c *incomingConn) worker() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.close()
		c.server.onClosedConn(c)
		pkg.LogDebug(pkg.ComponentServer, "connection closed", "conn", c.id)
	}()

	// A blocked Read must end when the server closes.
	go func() {
		select {
		case <-c.server.closeAllCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	requestCh := make(chan *thin.Request)
	go func() {
		defer close(requestCh)
		for {
			req, err := c.recvRequest()
			if err != nil {
				pkg.LogDebug(pkg.ComponentServer, "failed to receive request", "conn", c.id, "error", err)
				// The peer is gone, so abandon any request in progress.
				cancel()
				return
			}
			select {
			case requestCh <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var req *thin.Request
		var ok bool

		select {
		case <-ctx.Done():
			return
		case req, ok = <-requestCh:
			if !ok {
				return
			}
		}

		resp, done := c.dispatch(ctx, req)
		if err := c.sendResponse(resp); err != nil {
			pkg.LogInfo(pkg.ComponentServer, "error sending response", "conn", c.id, "error", err)
			return
		}
		if done {
			pkg.LogInfo(pkg.ComponentServer, "thin client sent a close request", "conn", c.id)
			return
		}
	}
}

// dispatch runs req against the handle. done is set once the connection
// should close.
func (c *incomingConn) dispatch(ctx context.Context, req *thin.Request) (resp *thin.Response, done bool) {
	if !req.Valid() {
		return thin.NewErrorResponse(fmt.Errorf("request %s: %w", req.Kind(), pkg.ErrInvalidParameter)), false
	}
	pkg.LogDebug(pkg.ComponentServer, "request", "conn", c.id, "kind", req.Kind())

	switch {
	case req.Bind != nil:
		svc := qmux.Service(req.Bind.Service)
		if err := c.handle.Bind(ctx, svc); err != nil {
			return thin.NewErrorResponse(err), false
		}
		cid, err := c.handle.CID()
		if err != nil {
			return thin.NewErrorResponse(err), false
		}
		return &thin.Response{Bind: &thin.BindReply{CID: cid}}, false

	case req.Write != nil:
		n, err := c.handle.Write(ctx, req.Write.Payload)
		if err != nil {
			return thin.NewErrorResponse(err), false
		}
		return &thin.Response{Write: &thin.WriteReply{N: n}}, false

	case req.Read != nil:
		size := req.Read.MaxSize
		if size <= 0 || size > c.server.readLimit {
			size = c.server.readLimit
		}
		buf := make([]byte, size)
		n, err := c.handle.Read(ctx, buf)
		if err != nil {
			return thin.NewErrorResponse(err), false
		}
		return &thin.Response{Read: &thin.ReadReply{Payload: buf[:n]}}, false

	case req.Identity != nil:
		meid, err := c.handle.MEID()
		if err != nil {
			return thin.NewErrorResponse(err), false
		}
		reply := &thin.IdentityReply{MEID: string(meid)}
		// A transport without USB IDs still reports the MEID.
		if vidpid, err := c.handle.VIDPID(); err == nil {
			reply.VIDPID = vidpid
		}
		return &thin.Response{Identity: reply}, false

	default: // Close
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		err := c.handle.Close(ctx)
		if err != nil {
			return thin.NewErrorResponse(err), true
		}
		return &thin.Response{}, true
	}
}

// close releases the handle and closes the socket.
func (c *incomingConn) close() {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		// ErrBadHandle means the client already closed it.
		if err := c.handle.Close(ctx); err != nil && !errors.Is(err, pkg.ErrBadHandle) {
			pkg.LogWarn(pkg.ComponentServer, "handle release failed", "conn", c.id, "error", err)
		}
		_ = c.unixConn.Close()
	})
}
