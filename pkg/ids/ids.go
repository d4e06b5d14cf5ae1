// Package ids generates and validates the opaque identifiers used for board
// objects. IDs are random 20-character strings over a 62-symbol alphabet
// (≈119 bits), so collisions are negligible and IDs are never reused.
package ids

import (
	"crypto/rand"
	"regexp"
)

const (
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// ObjectIDLength is the length of server-generated object IDs.
	ObjectIDLength = 20
)

// Clients may propose their own IDs on create; anything matching this is
// accepted as long as it is unused.
var objectIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// NewObjectID returns a new random object identifier.
func NewObjectID() string {
	buf := make([]byte, ObjectIDLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic("ids: crypto/rand unavailable: " + err.Error())
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}

// ValidObjectID reports whether id is syntactically acceptable as an object
// identifier, whether server-generated or client-proposed.
func ValidObjectID(id string) bool {
	return objectIDPattern.MatchString(id)
}

// Board IDs feed into LISTEN/NOTIFY channel names, which PostgreSQL
// caps at 63 bytes; 40 keeps the longest channel name under the cap.
var boardIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,40}$`)

// ValidBoardID reports whether id is syntactically acceptable as a board
// identifier.
func ValidBoardID(id string) bool {
	return boardIDPattern.MatchString(id)
}
