/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package wireconn

import (
	"net"
	"sync/atomic"
	"time"
)

// ioStatsConn wraps the dialed TCP connection to count bytes moved and
// record the first-read/first-write timestamps, adapted from a
// connection-instrumentation wrapper the teacher's stack applies to
// outbound sockets. Unlike that wrapper, it gathers no kernel TCP_INFO -
// TryPing/RecvFrame already derive liveness from read/write outcomes, so
// a raw socket syscall would duplicate rather than add signal here.
//
// It sits between the dialed *net.TCPConn and the TLS client - c.rawConn
// keeps the unwrapped connection for Fd()'s reflection-based fd lookup,
// which would fail against this wrapper.
type ioStatsConn struct {
	net.Conn
	openedAt  time.Time
	firstRxAt int64 // unix nanos, 0 until the first successful read
	firstTxAt int64 // unix nanos, 0 until the first successful write
	rxBytes   int64
	txBytes   int64
}

func wrapIOStats(c net.Conn) *ioStatsConn {
	return &ioStatsConn{Conn: c, openedAt: time.Now()}
}

func (w *ioStatsConn) Read(b []byte) (int, error) {
	n, err := w.Conn.Read(b)
	if n > 0 {
		atomic.CompareAndSwapInt64(&w.firstRxAt, 0, time.Now().UnixNano())
		atomic.AddInt64(&w.rxBytes, int64(n))
	}
	return n, err
}

func (w *ioStatsConn) Write(b []byte) (int, error) {
	n, err := w.Conn.Write(b)
	if n > 0 {
		atomic.CompareAndSwapInt64(&w.firstTxAt, 0, time.Now().UnixNano())
		atomic.AddInt64(&w.txBytes, int64(n))
	}
	return n, err
}

// summary returns the byte counters and connection age, logged when the
// stream is torn down (§3 "Lifecycles": a socket's disconnect is the
// natural point to report what it carried).
func (w *ioStatsConn) summary() (rxBytes, txBytes int64, age time.Duration) {
	return atomic.LoadInt64(&w.rxBytes), atomic.LoadInt64(&w.txBytes), time.Since(w.openedAt)
}
