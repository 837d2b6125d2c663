/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package certinfo extracts the device identity embedded in an NGTP device
// certificate. This is explicitly outside the uplink core's hard part
// (§1 "OUT OF SCOPE") - it is a pure function from certificate bytes to
// (deviceID, environment) that the socket layer calls once, at
// construction, to pick a control-plane hostname.
package certinfo

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
)

// deviceIDOID and environmentOID are the two custom X.509 extension OIDs
// carried by every NGTP device certificate (§6).
var (
	deviceIDOID    = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 55338, 0, 0}
	environmentOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 55338, 0, 1}
)

// Identity is the device identity derived from a certificate: a string
// device ID and an integer environment selector (§6, used by
// pkg/wireconn to pick the control-plane hostname).
type Identity struct {
	DeviceID    string
	Environment int
}

// FromPEM parses a PEM-encoded certificate and extracts its Identity. It
// returns an error if the input isn't a valid PEM certificate, or if either
// custom extension is missing or malformed.
func FromPEM(certPEM []byte) (Identity, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return Identity{}, fmt.Errorf("certinfo: no PEM block found in certificate")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return Identity{}, fmt.Errorf("certinfo: parsing certificate: %w", err)
	}

	var deviceIDRaw, environmentRaw []byte
	for _, ext := range cert.Extensions {
		switch {
		case ext.Id.Equal(deviceIDOID):
			deviceIDRaw = ext.Value
		case ext.Id.Equal(environmentOID):
			environmentRaw = ext.Value
		}
	}
	if deviceIDRaw == nil {
		return Identity{}, fmt.Errorf("certinfo: DeviceID extension not found in cert")
	}
	if environmentRaw == nil {
		return Identity{}, fmt.Errorf("certinfo: Environment extension not found in cert")
	}

	var deviceID string
	if _, err := asn1.Unmarshal(deviceIDRaw, &deviceID); err != nil {
		return Identity{}, fmt.Errorf("certinfo: decoding DeviceID: %w", err)
	}

	var environment int
	if _, err := asn1.Unmarshal(environmentRaw, &environment); err != nil {
		return Identity{}, fmt.Errorf("certinfo: decoding Environment: %w", err)
	}

	return Identity{DeviceID: deviceID, Environment: environment}, nil
}
