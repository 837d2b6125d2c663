/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package ngtt

import (
	"errors"

	"github.com/smok-serwis/ngtt/pkg/idalloc"
)

// ErrConnectionFailed marks a transport failure the uplink worker detects
// itself - the socket has no descriptor to poll, or polling it fails. It is
// swallowed internally and triggers a reconnect. Failures inside the socket
// layer (a failed dial, a zero-byte read, a write the peer reset) carry
// pkg/wireconn.ErrConnectionFailed instead, and an invalid ORDER payload
// carries ErrInvalidFrame.
var ErrConnectionFailed = errors.New("ngtt: connection failed")

// ErrDataStreamSyncFailed is the outcome delivered to a completion handle
// when the peer answers a DATA_STREAM submission with DATA_STREAM_REJECT.
var ErrDataStreamSyncFailed = errors.New("ngtt: data stream sync rejected by peer")

// ErrInvalidFrame is returned by the engine when an ORDER payload isn't
// valid JSON - a protocol violation that drops the connection (§7). The
// wire-level "not enough bytes yet" case is pkg/frame.ErrNeedMore, not this.
var ErrInvalidFrame = errors.New("ngtt: invalid frame")

// ErrNoFreeIDs is returned by the ID allocator when its range [1, 65535] is
// exhausted; the uplink surfaces this as transport-level back-pressure.
var ErrNoFreeIDs = idalloc.ErrNoFreeIDs

// ErrAbandoned settles every outstanding completion handle when the uplink
// is stopped while operations are still pending.
var ErrAbandoned = errors.New("ngtt: uplink stopped, operation abandoned")
