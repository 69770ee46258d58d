// Package ident derives a stable identity for this fleet node, recorded in
// audit log entries so restarts and multi-host moves are attributable.
package ident

import (
	"os"

	"github.com/denisbrodbeck/machineid"
)

// NodeID returns a stable identifier for the machine running the fleet.
// Falls back to the hostname when the machine id is unavailable.
func NodeID() string {
	if id, err := machineid.ProtectedID("botfleet"); err == nil {
		return id
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}
