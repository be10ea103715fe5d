package qmi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/qmi/qmux"
)

// =============================================================================
// Enqueue / Take Tests
// =============================================================================

func TestTake_FIFOWithinTID(t *testing.T) {
	d, _ := newTestDevice(t)
	cid := qmux.CID(qmux.ServiceWDS, 1)
	addClient(t, d, cid)

	require.NoError(t, d.Enqueue(cid, 5, []byte("a")))
	require.NoError(t, d.Enqueue(cid, 6, []byte("b")))
	require.NoError(t, d.Enqueue(cid, 5, []byte("c")))

	data, err := d.Take(cid, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), data)

	data, err = d.Take(cid, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)

	data, err = d.Take(cid, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), data)

	_, err = d.Take(cid, 0)
	assert.ErrorIs(t, err, pkg.ErrNoMessage)
}

func TestEnqueue_CopiesData(t *testing.T) {
	d, _ := newTestDevice(t)
	cid := qmux.CID(qmux.ServiceDMS, 1)
	addClient(t, d, cid)

	buf := []byte("abc")
	require.NoError(t, d.Enqueue(cid, 1, buf))
	buf[0] = 'X'

	data, err := d.Take(cid, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)
}

func TestEnqueue_UnknownClient(t *testing.T) {
	d, _ := newTestDevice(t)
	err := d.Enqueue(qmux.CID(qmux.ServiceNAS, 3), 1, []byte{0x01})
	assert.ErrorIs(t, err, pkg.ErrNotFound)

	_, err = d.Take(qmux.CID(qmux.ServiceNAS, 3), 0)
	assert.ErrorIs(t, err, pkg.ErrNotFound)
}

func TestEnqueue_Broadcast(t *testing.T) {
	d, _ := newTestDevice(t)
	wds1 := qmux.CID(qmux.ServiceWDS, 1)
	wds2 := qmux.CID(qmux.ServiceWDS, 2)
	dms := qmux.CID(qmux.ServiceDMS, 1)
	for _, cid := range []uint16{wds1, wds2, dms} {
		addClient(t, d, cid)
	}

	require.NoError(t, d.Enqueue(qmux.CID(qmux.ServiceWDS, qmux.ClientBroadcast), 0, []byte("ind")))

	for _, cid := range []uint16{wds1, wds2} {
		n, _, err := d.Pending(cid)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "cid 0x%04X", cid)
	}
	n, _, err := d.Pending(dms)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Each client owns its own copy.
	a, _ := d.Take(wds1, 0)
	a[0] = 'X'
	b, _ := d.Take(wds2, 0)
	assert.Equal(t, []byte("ind"), b)
}

func TestEnqueue_MaxQueuedDropsOldest(t *testing.T) {
	d, _ := newTestDevice(t, WithMaxQueued(2))
	cid := qmux.CID(qmux.ServiceWDS, 1)
	addClient(t, d, cid)

	for i, s := range []string{"one", "two", "three"} {
		require.NoError(t, d.Enqueue(cid, uint16(i+1), []byte(s)))
	}

	n, _, err := d.Pending(cid)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := d.Take(cid, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)
}

// =============================================================================
// Notification Tests
// =============================================================================

func TestRegisterNotification_OldestMatchWins(t *testing.T) {
	d, _ := newTestDevice(t)
	cid := qmux.CID(qmux.ServiceWDS, 1)
	addClient(t, d, cid)

	var mu sync.Mutex
	var order []string
	record := func(name string) Hook {
		return func(_ *Device, _ uint16, o Outcome) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name+":"+o.String())
		}
	}

	_, err := d.RegisterNotification(cid, 7, record("seven"))
	require.NoError(t, err)
	_, err = d.RegisterNotification(cid, 0, record("any"))
	require.NoError(t, err)

	require.NoError(t, d.Enqueue(cid, 8, []byte("x")))
	require.NoError(t, d.Enqueue(cid, 7, []byte("y")))

	mu.Lock()
	assert.Equal(t, []string{"any:delivered", "seven:delivered"}, order)
	mu.Unlock()

	// Hooks fetch the messages themselves.
	n, k, err := d.Pending(cid)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, k)
}

func TestRegisterNotification_Cancel(t *testing.T) {
	d, _ := newTestDevice(t)
	cid := qmux.CID(qmux.ServiceDMS, 1)
	addClient(t, d, cid)

	var rec hookRecorder
	cancel, err := d.RegisterNotification(cid, 3, rec.hook)
	require.NoError(t, err)
	assert.True(t, cancel())
	assert.False(t, cancel())

	require.NoError(t, d.Enqueue(cid, 3, []byte("late")))
	assert.Empty(t, rec.calls())
}

func TestReadAsync_Immediate(t *testing.T) {
	d, _ := newTestDevice(t)
	cid := qmux.CID(qmux.ServiceDMS, 1)
	addClient(t, d, cid)
	require.NoError(t, d.Enqueue(cid, 4, []byte("ready")))

	var got []byte
	err := d.ReadAsync(cid, 4, func(d *Device, cid uint16, o Outcome) {
		require.Equal(t, Delivered, o)
		got, _ = d.Take(cid, 4)
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("ready"), got)

	_, k, _ := d.Pending(cid)
	assert.Zero(t, k)
}

func TestReadAsync_DeferredAndReentrant(t *testing.T) {
	d, _ := newTestDevice(t)
	cid := qmux.CID(qmux.ServiceWDS, 1)
	addClient(t, d, cid)

	var mu sync.Mutex
	var got []string
	var hook Hook
	hook = func(d *Device, cid uint16, o Outcome) {
		if o != Delivered {
			return
		}
		data, err := d.Take(cid, 0)
		if err != nil {
			return
		}
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
		_ = d.ReadAsync(cid, 0, hook)
	}
	require.NoError(t, d.ReadAsync(cid, 0, hook))

	require.NoError(t, d.Enqueue(cid, 1, []byte("a")))
	require.NoError(t, d.Enqueue(cid, 2, []byte("b")))

	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, got)
	mu.Unlock()
}

func TestReadAsync_IndicationLeavesTIDWaiter(t *testing.T) {
	d, _ := newTestDevice(t)
	cid := qmux.CID(qmux.ServiceWDS, 1)
	addClient(t, d, cid)

	var got [][]byte
	var outcomes []Outcome
	require.NoError(t, d.ReadAsync(cid, 7, func(d *Device, cid uint16, o Outcome) {
		outcomes = append(outcomes, o)
		if data, err := d.Take(cid, 7); err == nil {
			got = append(got, data)
		}
	}))

	// Indications carry tid 0 and must not consume a tid-specific waiter.
	require.NoError(t, d.Enqueue(cid, 0, []byte("indication")))
	assert.Empty(t, outcomes)
	_, k, err := d.Pending(cid)
	require.NoError(t, err)
	assert.Equal(t, 1, k)

	require.NoError(t, d.Enqueue(cid, 7, []byte("reply")))
	assert.Equal(t, []Outcome{Delivered}, outcomes)
	assert.Equal(t, [][]byte{[]byte("reply")}, got)

	n, k, err := d.Pending(cid)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, k)
}

func TestRelease_FiresDiscardedOnce(t *testing.T) {
	d, _ := newTestDevice(t)
	cid := qmux.CID(qmux.ServiceWDS, 1)
	addClient(t, d, cid)

	require.NoError(t, d.Enqueue(cid, 1, []byte("x")))
	require.NoError(t, d.Enqueue(cid, 2, []byte("y")))

	var a, b hookRecorder
	require.NoError(t, d.ReadAsync(cid, 9, a.hook))
	_, err := d.RegisterNotification(cid, 0x10, b.hook)
	require.NoError(t, err)

	require.NoError(t, d.Release(context.Background(), cid))

	assert.Equal(t, []Outcome{Discarded}, a.calls())
	assert.Equal(t, []Outcome{Discarded}, b.calls())

	_, _, err = d.Pending(cid)
	assert.ErrorIs(t, err, pkg.ErrNotFound)
	assert.ErrorIs(t, d.Enqueue(cid, 9, []byte("late")), pkg.ErrNotFound)
	assert.Equal(t, []Outcome{Discarded}, a.calls())

	assert.ErrorIs(t, d.Release(context.Background(), cid), pkg.ErrNotFound)
}

// =============================================================================
// Synchronous Read Tests
// =============================================================================

func TestRead_Queued(t *testing.T) {
	d, _ := newTestDevice(t)
	cid := qmux.CID(qmux.ServiceDMS, 1)
	addClient(t, d, cid)
	require.NoError(t, d.Enqueue(cid, 1, []byte("now")))

	data, err := d.Read(context.Background(), cid, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("now"), data)
}

func TestRead_WaitsForMatchingTID(t *testing.T) {
	d, _ := newTestDevice(t)
	cid := qmux.CID(qmux.ServiceDMS, 1)
	addClient(t, d, cid)

	done := make(chan []byte, 1)
	go func() {
		data, err := d.Read(context.Background(), cid, 3)
		if err == nil {
			done <- data
		}
	}()
	waitNotifies(t, d, cid, 1)

	require.NoError(t, d.Enqueue(cid, 4, []byte("other")))
	require.NoError(t, d.Enqueue(cid, 3, []byte("mine")))

	select {
	case data := <-done:
		assert.Equal(t, []byte("mine"), data)
	case <-time.After(time.Second):
		t.Fatal("read did not complete")
	}

	data, err := d.Take(cid, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("other"), data)
}

func TestRead_WildcardRegisteredFirstWins(t *testing.T) {
	d, _ := newTestDevice(t)
	cid := qmux.CID(qmux.ServiceWDS, 1)
	addClient(t, d, cid)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type result struct {
		who  string
		data []byte
	}
	got := make(chan result, 2)
	read := func(who string, tid uint16) {
		data, err := d.Read(ctx, cid, tid)
		if err == nil {
			got <- result{who, data}
		}
	}

	go read("w1", 0)
	waitNotifies(t, d, cid, 1)
	go read("w2", 7)
	waitNotifies(t, d, cid, 2)

	require.NoError(t, d.Enqueue(cid, 7, []byte("first")))
	r := <-got
	assert.Equal(t, "w1", r.who)
	assert.Equal(t, []byte("first"), r.data)
	waitNotifies(t, d, cid, 1)

	require.NoError(t, d.Enqueue(cid, 7, []byte("second")))
	r = <-got
	assert.Equal(t, "w2", r.who)
	assert.Equal(t, []byte("second"), r.data)
}

func TestRead_CancelRemovesNotification(t *testing.T) {
	d, _ := newTestDevice(t)
	cid := qmux.CID(qmux.ServiceDMS, 1)
	addClient(t, d, cid)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Read(ctx, cid, 1)
	assert.ErrorIs(t, err, pkg.ErrInterrupted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, k, err := d.Pending(cid)
	require.NoError(t, err)
	assert.Zero(t, k)

	// A late reply is queued, not delivered to the abandoned waiter.
	require.NoError(t, d.Enqueue(cid, 1, []byte("late")))
	n, _, _ := d.Pending(cid)
	assert.Equal(t, 1, n)
}

func TestRead_CancelRacingDeliveryPassesMessageOn(t *testing.T) {
	d, _ := newTestDevice(t)
	cid := qmux.CID(qmux.ServiceWDS, 1)
	addClient(t, d, cid)

	type result struct {
		data []byte
		err  error
	}
	for i := 0; i < 200; i++ {
		ctx1, cancel1 := context.WithCancel(context.Background())
		ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)

		r1 := make(chan result, 1)
		r2 := make(chan result, 1)
		go func() {
			data, err := d.Read(ctx1, cid, 0)
			r1 <- result{data, err}
		}()
		waitNotifies(t, d, cid, 1)
		go func() {
			data, err := d.Read(ctx2, cid, 7)
			r2 <- result{data, err}
		}()
		waitNotifies(t, d, cid, 2)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); cancel1() }()
		go func() { defer wg.Done(); _ = d.Enqueue(cid, 7, []byte("reply")) }()
		wg.Wait()

		w1 := <-r1
		if w1.err == nil {
			// The wildcard won the race and owns the message.
			assert.Equal(t, []byte("reply"), w1.data)
			cancel2()
			w2 := <-r2
			assert.ErrorIs(t, w2.err, pkg.ErrInterrupted)
		} else {
			require.ErrorIs(t, w1.err, pkg.ErrInterrupted)
			w2 := <-r2
			require.NoError(t, w2.err, "iteration %d", i)
			assert.Equal(t, []byte("reply"), w2.data)
		}
		cancel2()

		n, k, err := d.Pending(cid)
		require.NoError(t, err)
		require.Zero(t, n, "iteration %d: message stranded", i)
		require.Zero(t, k, "iteration %d: registration leaked", i)
	}
}

func TestRead_ReleaseWakesWaiter(t *testing.T) {
	d, _ := newTestDevice(t)
	cid := qmux.CID(qmux.ServiceWDS, 1)
	addClient(t, d, cid)

	errc := make(chan error, 1)
	go func() {
		_, err := d.Read(context.Background(), cid, 0)
		errc <- err
	}()
	waitNotifies(t, d, cid, 1)

	require.NoError(t, d.Release(context.Background(), cid))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, pkg.ErrClientReleased)
		assert.ErrorIs(t, err, pkg.ErrNotFound)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestSendAndWait_RoundTrip(t *testing.T) {
	d, _ := newTestDevice(t)

	cid, err := d.Allocate(context.Background(), qmux.ServiceWMS)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0005), cid)

	go func() {
		for {
			if _, k, err := d.Pending(cid); err != nil || k > 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		_ = d.Enqueue(cid, 1, []byte("OK"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := d.SendAndWait(ctx, cid, qmux.Request(qmux.ServiceWMS, 1, 0x0020, nil), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("OK"), resp)
}

// =============================================================================
// Write Tracking Tests
// =============================================================================

func TestWrite_CancelledByRelease(t *testing.T) {
	d, f := newTestDevice(t)
	cid := qmux.CID(qmux.ServiceWDS, 1)
	addClient(t, d, cid)
	f.block(cid)

	errc := make(chan error, 1)
	go func() {
		errc <- d.Write(context.Background(), cid, qmux.NewWDSGetPacketServiceStatus(1))
	}()

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		c, ok := d.clients[cid]
		return ok && len(c.writes) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, d.Release(context.Background(), cid))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, pkg.ErrClientReleased)
	case <-time.After(time.Second):
		t.Fatal("write not cancelled")
	}
}

func TestWrite_TransportError(t *testing.T) {
	d, f := newTestDevice(t)
	cid := qmux.CID(qmux.ServiceWDS, 1)
	addClient(t, d, cid)

	f.mu.Lock()
	f.writeErr = pkg.ErrStall
	f.mu.Unlock()

	err := d.Write(context.Background(), cid, []byte{0x00})
	assert.ErrorIs(t, err, pkg.ErrTransportFailure)
	assert.ErrorIs(t, err, pkg.ErrStall)
	assert.False(t, errors.Is(err, pkg.ErrDeviceGone))
}
