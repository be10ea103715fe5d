package cdc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ardnew/softqmi/hal"
	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/transport"
)

// =============================================================================
// Mock HAL
// =============================================================================

type interruptResult struct {
	data []byte
	err  error
}

type mockHAL struct {
	identity hal.Identity

	mu        sync.Mutex
	setups    []hal.SetupPacket
	written   [][]byte
	responses [][]byte
	writeErr  error
	closed    bool

	interrupts chan interruptResult
}

func newMockHAL() *mockHAL {
	return &mockHAL{
		identity: hal.Identity{
			VendorID:          0x22b8,
			ProductID:         0x2a70,
			Interface:         5,
			InterruptEndpoint: 0x87,
			Speed:             hal.SpeedHigh,
		},
		interrupts: make(chan interruptResult, 16),
	}
}

func (m *mockHAL) Identity() hal.Identity { return m.identity }

func (m *mockHAL) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setups = append(m.setups, *setup)

	if !setup.IsIn() {
		if m.writeErr != nil {
			return 0, m.writeErr
		}
		m.written = append(m.written, append([]byte(nil), data...))
		return len(data), nil
	}
	if len(m.responses) == 0 {
		return 0, nil
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return copy(data, resp), nil
}

func (m *mockHAL) InterruptTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-m.interrupts:
		if r.err != nil {
			return 0, r.err
		}
		return copy(data, r.data), nil
	}
}

func (m *mockHAL) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockHAL) queueResponse(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, b)
}

type recorder struct {
	frames chan []byte
	links  chan transport.LinkEvent
	lost   chan error
}

func newRecorder() *recorder {
	return &recorder{
		frames: make(chan []byte, 8),
		links:  make(chan transport.LinkEvent, 8),
		lost:   make(chan error, 1),
	}
}

func (r *recorder) handler() transport.Handler {
	return transport.HandlerFuncs{
		OnReceive: func(frame []byte) { r.frames <- append([]byte(nil), frame...) },
		OnLink:    func(ev transport.LinkEvent) { r.links <- ev },
		OnLost:    func(err error) { r.lost <- err },
	}
}

// =============================================================================
// Write Tests
// =============================================================================

func TestWrite_SendsEncapsulatedCommand(t *testing.T) {
	m := newMockHAL()
	tr := New(m)
	defer tr.Close()

	frame := []byte{0x01, 0x0B, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x21, 0x00, 0x00, 0x00}
	require.NoError(t, tr.Write(context.Background(), frame))

	require.Len(t, m.setups, 1)
	s := m.setups[0]
	assert.Equal(t, uint8(0x21), s.RequestType)
	assert.Equal(t, uint8(RequestSendEncapsulatedCommand), s.Request)
	assert.Equal(t, uint16(5), s.Index)
	assert.Equal(t, uint16(len(frame)), s.Length)
	assert.Equal(t, frame, m.written[0])
}

func TestWrite_Failure(t *testing.T) {
	m := newMockHAL()
	m.writeErr = pkg.ErrStall
	tr := New(m)
	defer tr.Close()

	err := tr.Write(context.Background(), []byte{0x01})
	assert.ErrorIs(t, err, pkg.ErrTransportFailure)
	assert.ErrorIs(t, err, pkg.ErrStall)
}

func TestWrite_InvalidLength(t *testing.T) {
	tr := New(newMockHAL())
	defer tr.Close()

	assert.ErrorIs(t, tr.Write(context.Background(), nil), pkg.ErrInvalidParameter)
	assert.ErrorIs(t, tr.Write(context.Background(), make([]byte, MaxWriteSize+1)), pkg.ErrInvalidParameter)
}

func TestWrite_AfterClose(t *testing.T) {
	m := newMockHAL()
	tr := New(m)
	require.NoError(t, tr.Close())

	err := tr.Write(context.Background(), []byte{0x01})
	assert.ErrorIs(t, err, pkg.ErrTransportFailure)
	assert.True(t, m.closed)
}

// =============================================================================
// Reader Tests
// =============================================================================

func TestReader_ResponseAvailable(t *testing.T) {
	m := newMockHAL()
	tr := New(m)
	defer tr.Close()

	rec := newRecorder()
	require.NoError(t, tr.Start(context.Background(), rec.handler()))

	m.queueResponse([]byte{0x01, 0x02, 0x03})
	m.interrupts <- interruptResult{data: EncodeResponseAvailable(5)}

	select {
	case frame := <-rec.frames:
		assert.Equal(t, []byte{0x01, 0x02, 0x03}, frame)
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}

	m.mu.Lock()
	last := m.setups[len(m.setups)-1]
	m.mu.Unlock()
	assert.Equal(t, uint8(0xA1), last.RequestType)
	assert.Equal(t, uint8(RequestGetEncapsulatedResponse), last.Request)
	assert.Equal(t, uint16(DefaultReadSize), last.Length)
}

func TestReader_ConnectionSpeedChange(t *testing.T) {
	m := newMockHAL()
	tr := New(m)
	defer tr.Close()

	rec := newRecorder()
	require.NoError(t, tr.Start(context.Background(), rec.handler()))

	m.interrupts <- interruptResult{data: EncodeConnectionSpeedChange(5, 0, 1000)}
	m.interrupts <- interruptResult{data: EncodeConnectionSpeedChange(5, 2000, 1000)}

	ev := <-rec.links
	assert.False(t, ev.Up())
	assert.Equal(t, uint32(1000), ev.UpstreamBitRate)

	ev = <-rec.links
	assert.True(t, ev.Up())
	assert.Equal(t, uint32(2000), ev.DownstreamBitRate)
}

func TestReader_IgnoresUnknownPackets(t *testing.T) {
	m := newMockHAL()
	tr := New(m)
	defer tr.Close()

	rec := newRecorder()
	require.NoError(t, tr.Start(context.Background(), rec.handler()))

	m.interrupts <- interruptResult{data: []byte{0xA1, 0x20, 0x00}}
	m.queueResponse([]byte{0xAA})
	m.interrupts <- interruptResult{data: EncodeResponseAvailable(5)}

	assert.Equal(t, []byte{0xAA}, <-rec.frames)
	assert.Empty(t, rec.links)
}

func TestReader_RetriesAfterError(t *testing.T) {
	m := newMockHAL()
	tr := New(m, WithErrorRate(rate.Inf, 1))
	defer tr.Close()

	rec := newRecorder()
	require.NoError(t, tr.Start(context.Background(), rec.handler()))

	m.interrupts <- interruptResult{err: pkg.ErrOverrun}
	m.queueResponse([]byte{0x55})
	m.interrupts <- interruptResult{data: EncodeResponseAvailable(5)}

	select {
	case frame := <-rec.frames:
		assert.Equal(t, []byte{0x55}, frame)
	case <-time.After(time.Second):
		t.Fatal("reader did not recover")
	}
}

func TestReader_DeviceLost(t *testing.T) {
	m := newMockHAL()
	tr := New(m)
	defer tr.Close()

	rec := newRecorder()
	require.NoError(t, tr.Start(context.Background(), rec.handler()))

	m.interrupts <- interruptResult{err: pkg.ErrNoDevice}

	select {
	case err := <-rec.lost:
		assert.True(t, errors.Is(err, pkg.ErrNoDevice))
	case <-time.After(time.Second):
		t.Fatal("TransportLost not called")
	}
}

func TestStart_Twice(t *testing.T) {
	tr := New(newMockHAL())
	defer tr.Close()

	h := newRecorder().handler()
	require.NoError(t, tr.Start(context.Background(), h))
	assert.ErrorIs(t, tr.Start(context.Background(), h), pkg.ErrAlreadyRunning)
}

func TestClose_StopsReader(t *testing.T) {
	m := newMockHAL()
	tr := New(m)

	rec := newRecorder()
	require.NoError(t, tr.Start(context.Background(), rec.handler()))
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.True(t, m.closed)
	assert.Empty(t, rec.lost)
	assert.ErrorIs(t, tr.Start(context.Background(), rec.handler()), pkg.ErrNoDevice)
}

func TestIsConnectionSpeedChange(t *testing.T) {
	assert.True(t, isConnectionSpeedChange(EncodeConnectionSpeedChange(0, 1, 1)))
	assert.False(t, isConnectionSpeedChange(EncodeResponseAvailable(0)))

	bad := EncodeConnectionSpeedChange(0, 1, 1)
	bad[1] = NotificationNetworkConnection
	assert.False(t, isConnectionSpeedChange(bad))
}
