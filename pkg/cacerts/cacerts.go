/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package cacerts bundles the two PEM certificates every chain file is
// built from (§6 "Chain file"): the pinned root CA the server is verified
// against, and the intermediate device CA that signs device certs. They
// ship with the module via go:embed so a deployment doesn't have to carry
// them alongside the binary; ngtt.New's WithCAs option overrides both.
package cacerts

import _ "embed"

//go:embed root-ca.pem
var rootCA []byte

//go:embed dev-ca.pem
var devCA []byte

// RootCA returns the PEM-encoded bundled root CA certificate.
func RootCA() []byte { return rootCA }

// DevCA returns the PEM-encoded bundled device-CA certificate.
func DevCA() []byte { return devCA }
