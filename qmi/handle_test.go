package qmi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/qmi/qmux"
)

func TestHandle_Bind(t *testing.T) {
	d, _ := newTestDevice(t)
	ctx := context.Background()

	h, err := Open(d)
	require.NoError(t, err)

	_, err = h.CID()
	assert.ErrorIs(t, err, pkg.ErrNotBound)

	assert.ErrorIs(t, h.Bind(ctx, qmux.ServiceCTL), pkg.ErrInvalidParameter)
	require.NoError(t, h.Bind(ctx, qmux.ServiceDMS))
	assert.ErrorIs(t, h.Bind(ctx, qmux.ServiceWDS), pkg.ErrAlreadyBound)

	cid, err := h.CID()
	require.NoError(t, err)
	svc, err := h.Service()
	require.NoError(t, err)
	assert.Equal(t, qmux.ServiceDMS, svc)
	assert.Contains(t, d.Clients(), cid)
}

func TestHandle_UsableDuringBind(t *testing.T) {
	d, f := newTestDevice(t)
	h, err := Open(d)
	require.NoError(t, err)

	hold := make(chan struct{})
	f.mu.Lock()
	f.holdAlloc = hold
	f.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- h.Bind(context.Background(), qmux.ServiceDMS) }()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.binding
	}, time.Second, time.Millisecond)

	// None of these wait for the allocation to finish.
	_, err = h.CID()
	assert.ErrorIs(t, err, pkg.ErrNotBound)
	assert.ErrorIs(t, h.Bind(context.Background(), qmux.ServiceWDS), pkg.ErrAlreadyBound)
	_, err = h.MEID()
	assert.NoError(t, err)
	assert.NoError(t, h.Close(context.Background()))

	close(hold)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, pkg.ErrBadHandle)
	case <-time.After(time.Second):
		t.Fatal("bind did not return")
	}
	assert.Equal(t, []uint16{qmux.CIDControl}, d.Clients())
}

func TestHandle_Unbound(t *testing.T) {
	d, _ := newTestDevice(t)
	h, err := Open(d)
	require.NoError(t, err)

	_, err = h.Read(context.Background(), make([]byte, 16))
	assert.ErrorIs(t, err, pkg.ErrNotBound)
	_, err = h.Write(context.Background(), []byte{0x00})
	assert.ErrorIs(t, err, pkg.ErrNotBound)
}

func TestHandle_WriteAddsHeader(t *testing.T) {
	d, f := newTestDevice(t)
	h, err := Open(d)
	require.NoError(t, err)
	require.NoError(t, h.Bind(context.Background(), qmux.ServiceDMS))
	cid, _ := h.CID()

	sdu := qmux.NewDMSGetDeviceSerialNumbers(9)
	n, err := h.Write(context.Background(), sdu)
	require.NoError(t, err)
	assert.Equal(t, len(sdu), n)

	frame := f.lastFrame()
	hdr, body, err := qmux.Split(frame)
	require.NoError(t, err)
	assert.Equal(t, cid, hdr.CID())
	assert.Equal(t, sdu, body)
}

func TestHandle_Read(t *testing.T) {
	d, _ := newTestDevice(t)
	h, err := Open(d)
	require.NoError(t, err)
	require.NoError(t, h.Bind(context.Background(), qmux.ServiceWDS))
	cid, _ := h.CID()

	require.NoError(t, d.Enqueue(cid, 3, []byte("first")))
	require.NoError(t, d.Enqueue(cid, 1, []byte("second message")))

	buf := make([]byte, 8)
	n, err := h.Read(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, "first", string(buf[:n]))

	_, err = h.Read(context.Background(), buf)
	assert.ErrorIs(t, err, pkg.ErrBufferTooSmall)
}

func TestHandle_CloseWakesReader(t *testing.T) {
	d, _ := newTestDevice(t)
	h, err := Open(d)
	require.NoError(t, err)
	require.NoError(t, h.Bind(context.Background(), qmux.ServiceWDS))
	cid, _ := h.CID()

	errc := make(chan error, 1)
	go func() {
		_, err := h.Read(context.Background(), make([]byte, 64))
		errc <- err
	}()
	waitNotifies(t, d, cid, 1)

	require.NoError(t, h.Close(context.Background()))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, pkg.ErrClientReleased)
	case <-time.After(time.Second):
		t.Fatal("reader not woken")
	}
	assert.NotContains(t, d.Clients(), cid)

	assert.ErrorIs(t, h.Close(context.Background()), pkg.ErrBadHandle)
	_, err = h.CID()
	assert.ErrorIs(t, err, pkg.ErrBadHandle)
	_, err = h.VIDPID()
	assert.ErrorIs(t, err, pkg.ErrBadHandle)
}

func TestHandle_Identity(t *testing.T) {
	d, _ := newTestDevice(t)
	h, err := Open(d)
	require.NoError(t, err)

	vp, err := h.VIDPID()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x22b82a70), vp)

	meid, err := h.MEID()
	require.NoError(t, err)
	assert.Len(t, meid, qmux.MEIDLength)
	assert.Equal(t, qmux.DefaultMEID, string(meid))
}

func TestHandle_DeviceGone(t *testing.T) {
	d, _ := newTestDevice(t)
	h, err := Open(d)
	require.NoError(t, err)
	require.NoError(t, h.Bind(context.Background(), qmux.ServiceWDS))

	require.NoError(t, d.Teardown())

	_, err = h.Read(context.Background(), make([]byte, 8))
	assert.ErrorIs(t, err, pkg.ErrDeviceGone)
	_, err = h.MEID()
	assert.ErrorIs(t, err, pkg.ErrDeviceGone)
	assert.NoError(t, h.Close(context.Background()))

	_, err = Open(d)
	assert.ErrorIs(t, err, pkg.ErrDeviceGone)
}
