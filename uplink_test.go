/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package ngtt

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smok-serwis/ngtt/pkg/certinfo"
	"github.com/smok-serwis/ngtt/pkg/frame"
	"github.com/smok-serwis/ngtt/pkg/idalloc"
	"github.com/smok-serwis/ngtt/pkg/txtable"
	"github.com/smok-serwis/ngtt/pkg/wireconn"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type sentFrame struct {
	tid  uint16
	typ  frame.PacketType
	data []byte
}

// fakeSocket implements the socket interface without any real TLS or
// network I/O, so the engine's dispatch/reconnect/replay logic can be
// exercised directly (§8 scenarios S1-S6).
type fakeSocket struct {
	identity certinfo.Identity
	alloc    *idalloc.Allocator

	connectErr error

	mu     sync.Mutex
	sent   []sentFrame
	closed bool

	pingSentAt    time.Time
	gotPingReturn bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{alloc: idalloc.New()}
}

func (f *fakeSocket) Connect() error { return f.connectErr }

func (f *fakeSocket) Identity() certinfo.Identity { return f.identity }

func (f *fakeSocket) Alloc() *idalloc.Allocator { return f.alloc }

func (f *fakeSocket) TrySend() error { return nil }

func (f *fakeSocket) TryPing() error { return nil }

func (f *fakeSocket) GotPing(tid uint16) bool { return f.gotPingReturn }

func (f *fakeSocket) PingSentAt() time.Time { return f.pingSentAt }

func (f *fakeSocket) Fd() (int, error) { return 0, nil }

func (f *fakeSocket) Disconnect() {}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) SendFrame(tid uint16, typ frame.PacketType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{tid: tid, typ: typ, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeSocket) lastSent() (sentFrame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentFrame{}, false
	}
	return f.sent[len(f.sent)-1], true
}

func (f *fakeSocket) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestUplink(onOrder func(*Order)) (*Uplink, *fakeSocket) {
	sock := newFakeSocket()
	u := &Uplink{
		logger:  testLogger(),
		table:   txtable.New(),
		submit:  make(chan submission, submitQueueDepth),
		done:    make(chan struct{}),
		onOrder: onOrder,
		sock:    sock,
	}
	u.currentEpoch = 1
	return u, sock
}

func TestDispatchOrderInvokesCallbackAndAcknowledgeSendsConfirm(t *testing.T) {
	var received *Order
	u, sock := newTestUplink(func(o *Order) { received = o })

	err := u.dispatch(&frame.Frame{TID: 7, Type: frame.ORDER, Data: []byte(`{"id":"A"}`)})
	require.NoError(t, err)
	require.NotNil(t, received)
	assert.JSONEq(t, `{"id":"A"}`, string(received.Data))

	require.NoError(t, received.Acknowledge())
	u.drainSubmissions()

	last, ok := sock.lastSent()
	require.True(t, ok)
	assert.Equal(t, uint16(7), last.tid)
	assert.Equal(t, frame.OrderConfirm, last.typ)
	assert.Equal(t, "{}", string(last.data))
}

func TestDispatchOrderInvalidJSONDropsConnectionWithoutInvokingCallback(t *testing.T) {
	called := false
	u, _ := newTestUplink(func(o *Order) { called = true })

	err := u.dispatch(&frame.Frame{TID: 2, Type: frame.ORDER, Data: []byte("not-json")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFrame))
	assert.False(t, called)
}

func TestAcknowledgeStaleEpochIsSilentlyDropped(t *testing.T) {
	u, sock := newTestUplink(func(o *Order) {})
	u.currentEpoch = 2

	order := &Order{Data: []byte(`{}`), tid: 3, epoch: 1, u: u}
	require.NoError(t, order.Acknowledge())
	u.drainSubmissions()

	assert.Equal(t, 0, sock.sentCount())
}

func TestDispatchDataStreamConfirmResolvesHandle(t *testing.T) {
	u, sock := newTestUplink(func(o *Order) {})
	handle := txtable.NewHandle()
	tid, err := u.table.Register(sock.Alloc(), uint16(frame.DataStream), []byte(`[{"x":1}]`), handle)
	require.NoError(t, err)

	require.NoError(t, u.dispatch(&frame.Frame{TID: tid, Type: frame.DataStreamConfirm}))

	outcome := handle.Wait()
	assert.NoError(t, outcome.Err)
	assert.Equal(t, 0, u.table.Len())
}

func TestDispatchDataStreamRejectResolvesWithSyncFailed(t *testing.T) {
	u, sock := newTestUplink(func(o *Order) {})
	handle := txtable.NewHandle()
	tid, err := u.table.Register(sock.Alloc(), uint16(frame.DataStream), []byte(`[{"x":1}]`), handle)
	require.NoError(t, err)

	require.NoError(t, u.dispatch(&frame.Frame{TID: tid, Type: frame.DataStreamReject}))

	outcome := handle.Wait()
	assert.ErrorIs(t, outcome.Err, ErrDataStreamSyncFailed)
}

func TestDispatchCompletionForUnknownTIDIsNoop(t *testing.T) {
	u, _ := newTestUplink(func(o *Order) {})
	require.NoError(t, u.dispatch(&frame.Frame{TID: 999, Type: frame.DataStreamConfirm}))
	assert.Equal(t, 0, u.table.Len())
}

func TestDispatchSyncBaobResponseDecodesResult(t *testing.T) {
	u, sock := newTestUplink(func(o *Order) {})
	handle := txtable.NewHandle()
	tid, err := u.table.Register(sock.Alloc(), uint16(frame.SyncBaobRequest), []byte(`{"a":1}`), handle)
	require.NoError(t, err)

	require.NoError(t, u.dispatch(&frame.Frame{
		TID: tid, Type: frame.SyncBaobResponse,
		Data: []byte(`{"download":["a"],"upload":["b"]}`),
	}))

	outcome := handle.Wait()
	require.NoError(t, outcome.Err)
	result, ok := outcome.Value.(BaobSyncResult)
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, result.Download)
	assert.Equal(t, []string{"b"}, result.Upload)
}

func TestDispatchPingEchoesUnsolicitedKeepalive(t *testing.T) {
	u, sock := newTestUplink(func(o *Order) {})
	sock.gotPingReturn = false

	require.NoError(t, u.dispatch(&frame.Frame{TID: 42, Type: frame.PING}))

	last, ok := sock.lastSent()
	require.True(t, ok)
	assert.Equal(t, frame.PING, last.typ)
	assert.Equal(t, uint16(42), last.tid)
}

func TestDispatchPingMatchRecordsRTTWithoutEcho(t *testing.T) {
	u, sock := newTestUplink(func(o *Order) {})
	sock.gotPingReturn = true
	sock.pingSentAt = time.Now().Add(-25 * time.Millisecond)

	require.NoError(t, u.dispatch(&frame.Frame{TID: 5, Type: frame.PING}))

	assert.Equal(t, 0, sock.sentCount())
	assert.Greater(t, u.Stats().LastPingRTTMs, 0.0)
}

func TestSyncPathpointsRegistersAndSendsDataStream(t *testing.T) {
	u, sock := newTestUplink(func(o *Order) {})
	handle, err := u.SyncPathpoints([]map[string]int{{"x": 1}})
	require.NoError(t, err)
	u.drainSubmissions()

	last, ok := sock.lastSent()
	require.True(t, ok)
	assert.Equal(t, frame.DataStream, last.typ)
	assert.JSONEq(t, `[{"x":1}]`, string(last.data))
	assert.Equal(t, 1, u.table.Len())

	require.NoError(t, u.dispatch(&frame.Frame{TID: last.tid, Type: frame.DataStreamConfirm}))
	assert.NoError(t, handle.Wait().Err)
}

func TestStreamLogsIsFireAndForgetWithZeroTID(t *testing.T) {
	u, sock := newTestUplink(func(o *Order) {})
	require.NoError(t, u.StreamLogs([]string{"hello"}))
	u.drainSubmissions()

	last, ok := sock.lastSent()
	require.True(t, ok)
	assert.Equal(t, uint16(0), last.tid)
	assert.Equal(t, frame.LOGS, last.typ)
	assert.Equal(t, 0, u.table.Len())
}

func TestTerminateAbandonsOutstandingHandles(t *testing.T) {
	u, sock := newTestUplink(func(o *Order) {})
	handle := txtable.NewHandle()
	_, err := u.table.Register(sock.Alloc(), uint16(frame.DataStream), []byte("[]"), handle)
	require.NoError(t, err)

	u.terminate()

	outcome := handle.Wait()
	assert.ErrorIs(t, outcome.Err, ErrAbandoned)
	assert.Equal(t, 0, u.table.Len())
}

func TestReconnectClosesOldSocketDialsFreshOneAndReplaysPending(t *testing.T) {
	sock1 := newFakeSocket()
	var created []*fakeSocket
	dial := func() (socket, error) {
		s := newFakeSocket()
		created = append(created, s)
		return s, nil
	}

	u := &Uplink{
		logger:  testLogger(),
		table:   txtable.New(),
		submit:  make(chan submission, submitQueueDepth),
		done:    make(chan struct{}),
		onOrder: func(o *Order) {},
		sock:    sock1,
		dial:    dial,
	}
	u.currentEpoch = 1

	handle := txtable.NewHandle()
	_, err := u.table.Register(sock1.Alloc(), uint16(frame.DataStream), []byte(`[{"x":1}]`), handle)
	require.NoError(t, err)

	require.True(t, u.reconnect())
	assert.True(t, sock1.closed)
	require.Len(t, created, 1)

	sock2 := created[0]
	require.Equal(t, sock2, u.sock)
	require.Len(t, sock2.sent, 1)
	replay := sock2.sent[0]
	assert.Equal(t, frame.DataStream, replay.typ)
	assert.JSONEq(t, `[{"x":1}]`, string(replay.data))

	stats := u.Stats()
	assert.True(t, stats.Connected)
	assert.EqualValues(t, 1, stats.Reconnects)

	require.NoError(t, u.dispatch(&frame.Frame{TID: replay.tid, Type: frame.DataStreamConfirm}))
	assert.NoError(t, handle.Wait().Err)
}

func TestReconnectStopsWhenDoneIsClosedDuringRetry(t *testing.T) {
	sock1 := newFakeSocket()
	u := &Uplink{
		logger:  testLogger(),
		table:   txtable.New(),
		submit:  make(chan submission, submitQueueDepth),
		done:    make(chan struct{}),
		onOrder: func(o *Order) {},
		sock:    sock1,
		dial: func() (socket, error) {
			return nil, errors.New("dial: no network")
		},
	}
	close(u.done)

	assert.False(t, u.reconnect())
	assert.True(t, sock1.closed)
}

var _ socket = (*fakeSocket)(nil)
var _ socket = (*wireconn.Conn)(nil)
