/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package ngtt

import "encoding/json"

// Order is a server-initiated work item delivered over an ORDER frame. Its
// lifetime is bounded by the socket epoch it arrived on (§3 "Lifecycles") -
// acknowledging after that epoch has rolled over is a silent no-op, since
// the server will simply reissue the order on the next reconnect.
type Order struct {
	// Data is the order's decoded JSON payload, exposed as raw bytes so the
	// core never has to know the application-level schema (§1 "OUT OF
	// SCOPE: JSON encode/decode of application payloads" - decode is left
	// to the caller, beyond validating that it parses at all).
	Data json.RawMessage

	tid   uint16
	epoch uint64
	u     *Uplink
}

// Acknowledge writes an ORDER_CONFIRM frame back with the order's original
// tid and an empty JSON object payload. If the socket that produced this
// order is no longer the uplink's current epoch, the acknowledgement is
// silently dropped - the server will reissue the order after this client
// reconnects.
func (o *Order) Acknowledge() error {
	return o.u.acknowledgeOrder(o.epoch, o.tid)
}

// orderConfirmPayload is the wire-level empty form spec.md §3 calls for.
var orderConfirmPayload = []byte("{}")
