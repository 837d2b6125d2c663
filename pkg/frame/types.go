/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package frame implements the NGTP wire format: packet-type constants and
// the fixed 8-byte-header frame codec (§4.1, §6). It has no knowledge of
// sockets, transactions, or reconnection - those live in sibling packages
// that import frame rather than the other way around.
package frame

import (
	"fmt"
	"time"
)

// PacketType is the NGTP packet-type field - a 16-bit tag carried in every
// frame header. Values are stable on the wire.
type PacketType uint16

const (
	PING              PacketType = 0
	ORDER             PacketType = 1
	OrderConfirm      PacketType = 2
	LOGS              PacketType = 3
	DataStream        PacketType = 4
	DataStreamConfirm PacketType = 5
	DataStreamReject  PacketType = 6
	SyncBaobRequest   PacketType = 7
	SyncBaobResponse  PacketType = 8
)

var packetTypeNames = map[PacketType]string{
	PING:              "PING",
	ORDER:             "ORDER",
	OrderConfirm:      "ORDER_CONFIRM",
	LOGS:              "LOGS",
	DataStream:        "DATA_STREAM",
	DataStreamConfirm: "DATA_STREAM_CONFIRM",
	DataStreamReject:  "DATA_STREAM_REJECT",
	SyncBaobRequest:   "SYNC_BAOB_REQUEST",
	SyncBaobResponse:  "SYNC_BAOB_RESPONSE",
}

// IsKnown reports whether t is one of the packet types this implementation
// recognises. Unknown types are not a decode error (§4.1) - they are dropped
// by the engine with a logged warning.
func (t PacketType) IsKnown() bool {
	_, ok := packetTypeNames[t]
	return ok
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
}

// EnvToHostname implements the fixed environment -> control-plane hostname
// table (§6). Unrecognised environments fall back to the internal alias.
func EnvToHostname(env int) string {
	switch env {
	case 0:
		return "api.smok.co"
	case 1:
		return "api.test.smok-serwis.pl"
	default:
		return "http-api"
	}
}

// Port is the fixed TCP port the control plane listens on.
const Port = 2408

// PingInterval is the liveness threshold measured from a socket's last
// successful read (§5 "Timeouts").
const PingInterval = 30 * time.Second
