// Package ident generates the short opaque identifiers used as primary keys
// for meetings, recordings, transcripts, and jobs.
package ident

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Length is the number of hex characters in every generated ID.
const Length = 16

// New returns a 16-character lowercase hex ID derived from a random UUID.
func New() string {
	u := uuid.New()
	return hex.EncodeToString(u[:Length/2])
}

// Valid reports whether s is a well-formed ID: exactly [Length] lowercase
// hex characters.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
