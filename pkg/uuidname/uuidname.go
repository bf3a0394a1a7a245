// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package uuidname derives a stable, type-5 (RFC 4122 section 4.3) UUID
// for a named workload, given an agent namespace UUID and the agent's
// IP address. The same (namespace, name, agentIP) triple always
// produces the same UUID, which lets hostmon give a systemd service a
// consistent identity across agent restarts.
package uuidname

import (
	"net"

	"github.com/google/uuid"
)

// Derive returns the type-5 UUID for name under namespace, salted with
// agentIP. The name bytes fed to the hash are name followed by the
// 4-byte (IPv4) or 16-byte (IPv6) representation of agentIP; google/uuid's
// NewSHA1 performs the SHA-1 hashing and the version/variant bit
// rewrite specified by RFC 4122 section 4.3.
//
// agentIP may be nil, in which case only name is hashed; this is only
// expected in tests, since a deployed agent always has a primary IP.
func Derive(namespace uuid.UUID, name string, agentIP net.IP) uuid.UUID {
	data := []byte(name)
	if agentIP != nil {
		if v4 := agentIP.To4(); v4 != nil {
			data = append(data, v4...)
		} else if v6 := agentIP.To16(); v6 != nil {
			data = append(data, v6...)
		}
	}
	return uuid.NewSHA1(namespace, data)
}
