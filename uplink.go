/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package ngtt is a device-uplink client: it keeps a single mutually
// authenticated TLS connection to a control plane alive, frames and
// de-frames NGTP packets over it, tracks outstanding request/response
// transactions by TID, replays them across reconnects, probes liveness
// with periodic pings, and delivers server-initiated orders to a
// caller-supplied callback.
package ngtt

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/smok-serwis/ngtt/pkg/cacerts"
	"github.com/smok-serwis/ngtt/pkg/certinfo"
	"github.com/smok-serwis/ngtt/pkg/exporter"
	"github.com/smok-serwis/ngtt/pkg/frame"
	"github.com/smok-serwis/ngtt/pkg/idalloc"
	"github.com/smok-serwis/ngtt/pkg/txtable"
	"github.com/smok-serwis/ngtt/pkg/wireconn"
)

// initialBackoff and maxBackoff bound the delay between swallowed
// ConnectionFailed errors during the prepare/reconnect retry loop (§7,
// §9 "or after a small backoff").
const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// readinessCeiling is the 5-second readiness wait named in §4.5 step 2(b).
const readinessCeiling = 5 * time.Second

// socket is the subset of *wireconn.Conn the engine depends on. Expressing
// it as an interface lets the worker loop be exercised with a fake in
// tests, without a real TLS handshake.
type socket interface {
	Connect() error
	SendFrame(tid uint16, typ frame.PacketType, data []byte) error
	TrySend() error
	RecvFrame() (*frame.Frame, error)
	TryPing() error
	GotPing(tid uint16) bool
	PingSentAt() time.Time
	Fd() (int, error)
	Disconnect()
	Close() error
	Identity() certinfo.Identity
	Alloc() *idalloc.Allocator
}

var _ socket = (*wireconn.Conn)(nil)

// BaobSyncResult is the decoded payload of a SYNC_BAOB_RESPONSE frame: the
// sets of named blobs the peer wants downloaded to, or uploaded from, this
// device (§4.5 dispatch table).
type BaobSyncResult struct {
	Download []string `json:"download"`
	Upload   []string `json:"upload"`
}

type opKind int

const (
	opSyncPathpoints opKind = iota
	opSyncBaobs
	opStreamLogs
	opAckOrder
)

// submission is a message posted to the worker's queue from another
// goroutine (§5 "option (a)": a bounded queue the worker drains on every
// loop iteration, preferred over a shared mutex over socket and state).
type submission struct {
	kind    opKind
	typ     frame.PacketType
	payload []byte
	handle  *txtable.Handle
	epoch   uint64
	tid     uint16
}

// Option configures a Uplink at construction time.
type Option func(*Uplink)

// WithLogger overrides the default standard logrus logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(u *Uplink) { u.logger = logger }
}

// WithCAs overrides the bundled root and device CA certificates - used by
// deployments pinned against a non-default CA hierarchy.
func WithCAs(rootCAPEM, devCAPEM []byte) Option {
	return func(u *Uplink) {
		u.rootCAPEM = rootCAPEM
		u.devCAPEM = devCAPEM
	}
}

// submitQueueDepth bounds the submission channel (§5).
const submitQueueDepth = 64

// Uplink is the long-lived worker described in §4.5: it owns the socket,
// the transaction table, and the reconnect/replay policy, and exposes a
// thread-safe submission API to the rest of the program.
type Uplink struct {
	certFile, keyFile string
	rootCAPEM         []byte
	devCAPEM          []byte
	onOrder           func(*Order)
	logger            logrus.FieldLogger
	identity          certinfo.Identity

	dial func() (socket, error)

	table *txtable.Table

	submit chan submission
	done   chan struct{}
	wg     sync.WaitGroup

	// sock and currentEpoch are mutated only by the worker goroutine (§5:
	// "no locks needed" for anything the worker alone touches).
	sock         socket
	currentEpoch uint64

	statsMu sync.Mutex
	stats   exporter.Stats
}

// New builds an Uplink from a device certificate/key pair and starts its
// worker goroutine immediately; the first connection attempt happens in
// the background. onOrder is invoked synchronously on the worker goroutine
// for every inbound ORDER frame (§5 ordering guarantee 3) and must not
// block indefinitely.
func New(certFile, keyFile string, onOrder func(*Order), opts ...Option) (*Uplink, error) {
	if onOrder == nil {
		return nil, fmt.Errorf("ngtt: onOrder callback must not be nil")
	}

	certBytes, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("ngtt: reading device cert: %w", err)
	}
	identity, err := certinfo.FromPEM(certBytes)
	if err != nil {
		return nil, fmt.Errorf("ngtt: %w", err)
	}

	u := &Uplink{
		certFile:  certFile,
		keyFile:   keyFile,
		rootCAPEM: cacerts.RootCA(),
		devCAPEM:  cacerts.DevCA(),
		onOrder:   onOrder,
		identity:  identity,
		logger:    logrus.StandardLogger(),
		table:     txtable.New(),
		submit:    make(chan submission, submitQueueDepth),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.dial == nil {
		u.dial = func() (socket, error) {
			return wireconn.New(u.certFile, u.keyFile, u.rootCAPEM, u.devCAPEM, u.logger)
		}
	}

	u.wg.Add(1)
	go u.run()
	return u, nil
}

// Identity returns the device identity derived from the certificate this
// Uplink was constructed with.
func (u *Uplink) Identity() certinfo.Identity { return u.identity }

// Stats returns a point-in-time snapshot of this uplink's health, for
// pkg/exporter.StatsSource.
func (u *Uplink) Stats() exporter.Stats {
	u.statsMu.Lock()
	defer u.statsMu.Unlock()
	stats := u.stats
	stats.PendingOps = u.table.Len()
	return stats
}

func (u *Uplink) setStats(mutate func(*exporter.Stats)) {
	u.statsMu.Lock()
	defer u.statsMu.Unlock()
	mutate(&u.stats)
}

// SyncPathpoints submits a batch of pathpoints for the server to persist
// (§4.5 sync_pathpoints). The returned handle resolves to a nil error on
// DATA_STREAM_CONFIRM, or ErrDataStreamSyncFailed on DATA_STREAM_REJECT.
func (u *Uplink) SyncPathpoints(points interface{}) (*txtable.Handle, error) {
	payload, err := json.Marshal(points)
	if err != nil {
		return nil, fmt.Errorf("ngtt: marshalling pathpoints: %w", err)
	}
	return u.submitTracked(frame.DataStream, payload)
}

// SyncBaobs submits a map of BAOB name to locally-held version, and
// resolves to the set of names the peer wants downloaded or uploaded
// (§4.5 sync_baobs).
func (u *Uplink) SyncBaobs(localVersions map[string]int) (*txtable.Handle, error) {
	payload, err := json.Marshal(localVersions)
	if err != nil {
		return nil, fmt.Errorf("ngtt: marshalling baob versions: %w", err)
	}
	return u.submitTracked(frame.SyncBaobRequest, payload)
}

func (u *Uplink) submitTracked(typ frame.PacketType, payload []byte) (*txtable.Handle, error) {
	handle := txtable.NewHandle()
	select {
	case u.submit <- submission{kind: trackedKindFor(typ), typ: typ, payload: payload, handle: handle}:
		return handle, nil
	case <-u.done:
		return nil, fmt.Errorf("ngtt: uplink is stopped")
	}
}

func trackedKindFor(typ frame.PacketType) opKind {
	if typ == frame.SyncBaobRequest {
		return opSyncBaobs
	}
	return opSyncPathpoints
}

// StreamLogs submits a batch of log lines fire-and-forget, with tid=0; it
// is never placed in the pending list and its loss is never reported
// (§4.5 stream_logs, §7).
func (u *Uplink) StreamLogs(lines interface{}) error {
	payload, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("ngtt: marshalling log lines: %w", err)
	}
	select {
	case u.submit <- submission{kind: opStreamLogs, typ: frame.LOGS, payload: payload}:
		return nil
	case <-u.done:
		return fmt.Errorf("ngtt: uplink is stopped")
	}
}

// acknowledgeOrder is called by Order.Acknowledge. It never returns an
// error: an acknowledgement for a stale epoch (§4.6), or one made after the
// worker has stopped, is silently dropped.
func (u *Uplink) acknowledgeOrder(epoch uint64, tid uint16) error {
	select {
	case u.submit <- submission{kind: opAckOrder, epoch: epoch, tid: tid}:
		return nil
	case <-u.done:
		return nil
	}
}

// Stop requests termination of the worker goroutine. If wait is true, it
// blocks until the worker has fully exited and every outstanding handle
// has been settled with ErrAbandoned.
func (u *Uplink) Stop(wait bool) {
	select {
	case <-u.done:
	default:
		close(u.done)
	}
	if wait {
		u.wg.Wait()
	}
}

// run is the worker goroutine's entire lifetime: connect, then loop
// draining submissions, pinging, waiting for readability, receiving one
// frame, and dispatching it, until Stop is called (§4.5).
func (u *Uplink) run() {
	defer u.wg.Done()
	defer u.logger.Info("ngtt: uplink worker stopped")

	if !u.prepare() {
		u.terminate()
		return
	}

	for {
		if u.stopping() {
			u.terminate()
			return
		}

		u.drainSubmissions()

		if err := u.step(); err != nil {
			u.logger.WithError(err).Warn("ngtt: connection lost")
			if !u.reconnect() {
				u.terminate()
				return
			}
		}
	}
}

func (u *Uplink) stopping() bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}

// prepare is step 1 of §4.5: build the first socket and connect, retrying
// until success or Stop.
func (u *Uplink) prepare() bool {
	sock, err := u.dial()
	if err != nil {
		u.logger.WithError(err).Error("ngtt: failed to initialise socket")
		return false
	}
	u.sock = sock

	if !u.connectRetryLoop() {
		return false
	}
	u.currentEpoch = 1
	u.setStats(func(s *exporter.Stats) { s.Connected = true })
	return true
}

// connectRetryLoop calls Connect on the current socket until it succeeds
// or Stop is requested, with a capped exponential backoff between
// attempts (every ConnectionFailed is swallowed per §4.5 step 1 / §7).
func (u *Uplink) connectRetryLoop() bool {
	backoff := initialBackoff
	for {
		if u.stopping() {
			return false
		}
		if err := u.sock.Connect(); err == nil {
			return true
		} else {
			u.logger.WithError(err).Warn("ngtt: connect failed, retrying")
		}

		select {
		case <-u.done:
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// step runs one loop iteration's worth of socket work (§4.5 step 2): ping
// scheduling, a bounded readiness wait, one receive attempt, and dispatch.
// A non-nil return means the connection is unusable and the caller must
// reconnect.
func (u *Uplink) step() error {
	pingSentAt := u.sock.PingSentAt()
	if err := u.sock.TryPing(); err != nil {
		return err
	}
	if sentAt := u.sock.PingSentAt(); !sentAt.IsZero() && !sentAt.Equal(pingSentAt) {
		u.setStats(func(s *exporter.Stats) { s.FramesSent++ })
	}

	ready, err := waitReadable(u.sock, readinessCeiling)
	if err != nil {
		return err
	}
	if !ready {
		return nil
	}

	fr, err := u.sock.RecvFrame()
	if err != nil {
		return err
	}
	if fr == nil {
		return nil
	}

	u.setStats(func(s *exporter.Stats) { s.FramesReceived++ })
	return u.dispatch(fr)
}

// waitReadable polls the socket's descriptor for readability with a
// ceiling (§4.3 "fileno()/readiness hook", §4.5 step 2(b)).
func waitReadable(s socket, timeout time.Duration) (bool, error) {
	fd, err := s.Fd()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, fmt.Errorf("%w: poll: %v", ErrConnectionFailed, err)
	}
	return n > 0, nil
}

// dispatch routes one inbound frame by packet type, per the table in
// §4.5.
func (u *Uplink) dispatch(fr *frame.Frame) error {
	switch fr.Type {
	case frame.PING:
		return u.dispatchPing(fr)

	case frame.ORDER:
		if !json.Valid(fr.Data) {
			return fmt.Errorf("%w: ORDER payload is not valid JSON", ErrInvalidFrame)
		}
		order := &Order{
			Data:  append(json.RawMessage(nil), fr.Data...),
			tid:   fr.TID,
			epoch: u.currentEpoch,
			u:     u,
		}
		u.onOrder(order)

	case frame.OrderConfirm:
		// Outbound-only from this client; inbound is ignored (§4.5).

	case frame.DataStreamConfirm:
		u.table.Complete(fr.TID, txtable.Outcome{Value: struct{}{}})

	case frame.DataStreamReject:
		u.table.Complete(fr.TID, txtable.Outcome{Err: ErrDataStreamSyncFailed})

	case frame.SyncBaobResponse:
		var result BaobSyncResult
		if err := json.Unmarshal(fr.Data, &result); err != nil {
			u.table.Complete(fr.TID, txtable.Outcome{Err: fmt.Errorf("%w: decoding SYNC_BAOB_RESPONSE: %v", ErrInvalidFrame, err)})
		} else {
			u.table.Complete(fr.TID, txtable.Outcome{Value: result})
		}

	case frame.LOGS, frame.SyncBaobRequest:
		// Inbound is undefined for these two; drop (§4.5).

	default:
		u.logger.Warnf("ngtt: dropping frame of unknown type %d", uint16(fr.Type))
	}
	return nil
}

func (u *Uplink) dispatchPing(fr *frame.Frame) error {
	sentAt := u.sock.PingSentAt()
	if u.sock.GotPing(fr.TID) {
		if !sentAt.IsZero() {
			rtt := float64(time.Since(sentAt).Microseconds()) / 1000.0
			u.setStats(func(s *exporter.Stats) { s.LastPingRTTMs = rtt })
		}
		return nil
	}

	// A bare PING with no matching in-flight ping is a keepalive from the
	// peer; echo it back (§4.5 dispatch table).
	if err := u.sock.SendFrame(fr.TID, frame.PING, nil); err != nil {
		return err
	}
	u.setStats(func(s *exporter.Stats) { s.FramesSent++ })
	return nil
}

// drainSubmissions pulls every currently queued submission and acts on
// it, without blocking (§5 "drains on each loop iteration").
func (u *Uplink) drainSubmissions() {
	for {
		select {
		case sub := <-u.submit:
			u.handleSubmission(sub)
		default:
			return
		}
	}
}

func (u *Uplink) handleSubmission(sub submission) {
	switch sub.kind {
	case opSyncPathpoints, opSyncBaobs:
		tid, err := u.table.Register(u.sock.Alloc(), uint16(sub.typ), sub.payload, sub.handle)
		if err != nil {
			sub.handle.Settle(txtable.Outcome{Err: err})
			return
		}
		if err := u.sock.SendFrame(tid, sub.typ, sub.payload); err != nil {
			u.logger.WithError(err).Warn("ngtt: send failed, will replay on reconnect")
			return
		}
		u.setStats(func(s *exporter.Stats) { s.FramesSent++ })

	case opStreamLogs:
		if err := u.sock.SendFrame(0, frame.LOGS, sub.payload); err != nil {
			u.logger.WithError(err).Warn("ngtt: stream_logs send failed, dropped")
			return
		}
		u.setStats(func(s *exporter.Stats) { s.FramesSent++ })

	case opAckOrder:
		if sub.epoch != u.currentEpoch {
			// The socket epoch this order arrived on is gone; the
			// server will reissue it on the next reconnect (§4.6).
			return
		}
		if err := u.sock.SendFrame(sub.tid, frame.OrderConfirm, orderConfirmPayload); err != nil {
			u.logger.WithError(err).Warn("ngtt: order acknowledgement send failed")
			return
		}
		u.setStats(func(s *exporter.Stats) { s.FramesSent++ })
	}
}

// reconnect implements §4.5 step 3: drop the current socket (which
// deletes its chain file), build and connect a fresh one, and rebind
// every pending operation's tid before resending it. It returns false
// only if Stop was requested while reconnecting.
func (u *Uplink) reconnect() bool {
	if u.sock != nil {
		_ = u.sock.Close()
	}
	u.setStats(func(s *exporter.Stats) { s.Connected = false })

	for {
		if u.stopping() {
			return false
		}
		sock, err := u.dial()
		if err != nil {
			u.logger.WithError(err).Error("ngtt: failed to rebuild socket, retrying")
			select {
			case <-u.done:
				return false
			case <-time.After(initialBackoff):
			}
			continue
		}
		u.sock = sock
		if u.connectRetryLoop() {
			break
		}
		return false
	}

	u.currentEpoch++
	u.setStats(func(s *exporter.Stats) {
		s.Connected = true
		s.Reconnects++
	})

	pending, err := u.table.RebindAll(u.sock.Alloc())
	if err != nil {
		u.logger.WithError(err).Error("ngtt: rebind failed, allocator exhausted")
		return true
	}
	for _, p := range pending {
		if err := u.sock.SendFrame(p.TID, frame.PacketType(p.Type), p.Payload); err != nil {
			u.logger.WithError(err).Warn("ngtt: replay send failed, will retry on next reconnect")
			return true
		}
		u.setStats(func(s *exporter.Stats) { s.FramesSent++ })
	}
	return true
}

// terminate implements §4.5 step 4: close the socket and settle every
// outstanding handle, including those of submissions still waiting in the
// queue, with ErrAbandoned.
func (u *Uplink) terminate() {
	if u.sock != nil {
		_ = u.sock.Close()
	}
	u.setStats(func(s *exporter.Stats) { s.Connected = false })
	u.table.AbandonAll(ErrAbandoned)
	for {
		select {
		case sub := <-u.submit:
			if sub.handle != nil {
				sub.handle.Settle(txtable.Outcome{Err: ErrAbandoned})
			}
		default:
			return
		}
	}
}
