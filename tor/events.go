// SPDX-FileCopyrightText: Copyright (C) 2025  The Ghostpass Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package tor

import (
	"strings"
	"time"
)

// Event is an asynchronous control protocol event.  Sinks are invoked on
// the dedicated reader loop and must not block.
type Event struct {
	// Keyword is the event keyword (CIRC, STATUS_CLIENT, ...).
	Keyword string

	// Fields are the space separated arguments following the keyword.
	Fields []string

	// Raw is the unparsed event line.
	Raw string
}

// CircuitEvent is a parsed CIRC event.
type CircuitEvent struct {
	// ID is the daemon-assigned circuit identifier.
	ID string

	// Status is the circuit status (LAUNCHED, BUILT, CLOSED, FAILED, ...).
	Status string

	// Path is the relay path, if present.
	Path []string
}

// CircuitIdentity represents one rotation epoch: the network identity
// presented to remote hosts until the next successful rotation supersedes
// it.
type CircuitIdentity struct {
	// CircuitID is the daemon circuit identifier this epoch was built on.
	CircuitID string

	// Path is the relay path of the circuit.
	Path []string

	// ExitCountry is the exit relay country code, if attributed.
	ExitCountry string

	// ExitIP is the externally visible egress address, if attributed.
	ExitIP string

	// CreatedAt is the epoch creation timestamp.
	CreatedAt time.Time

	// DirtySince mirrors the daemon's circuit dirtiness clock and is used
	// for max-age eviction.
	DirtySince time.Time

	// Score is the last measured performance score for this epoch.
	Score float64

	// Attempts is the number of rotation attempts spent within this epoch.
	Attempts int
}

// Age returns the identity age at the given instant.
func (c *CircuitIdentity) Age(now time.Time) time.Duration {
	return now.Sub(c.CreatedAt)
}

// parseEvent parses an asynchronous 650 event line sans status code.
func parseEvent(line string) *Event {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	return &Event{
		Keyword: fields[0],
		Fields:  fields[1:],
		Raw:     line,
	}
}

// parseCircuitEvent extracts a CircuitEvent from a CIRC event, or nil if
// the event is not a well formed circuit status change.
func parseCircuitEvent(ev *Event) *CircuitEvent {
	if ev.Keyword != "CIRC" || len(ev.Fields) < 2 {
		return nil
	}
	ce := &CircuitEvent{
		ID:     ev.Fields[0],
		Status: ev.Fields[1],
	}
	// The third field, when present and not a keyed argument, is the
	// comma separated relay path.
	if len(ev.Fields) > 2 && !strings.Contains(ev.Fields[2], "=") {
		ce.Path = strings.Split(ev.Fields[2], ",")
	}
	return ce
}
