package uuid

import (
	guuid "github.com/google/uuid"
)

// UUID_LENGTH is length of a UUID in bytes
const UUID_LENGTH = 16

// GenUUID generates a new random (version 4) UUID.
func GenUUID() [UUID_LENGTH]byte {
	return [UUID_LENGTH]byte(guuid.New())
}

// GenFixedUUID derives a UUID from arbitrary bytes, truncating or
// left-padding to the fixed length. Useful for stable test identifiers.
func GenFixedUUID(b []byte) [UUID_LENGTH]byte {
	var id [UUID_LENGTH]byte
	if len(b) >= UUID_LENGTH {
		copy(id[:], b[:UUID_LENGTH])
	} else {
		copy(id[UUID_LENGTH-len(b):], b)
	}
	return id
}

// FormatUUID renders a UUID in the canonical hyphenated hex form.
func FormatUUID(id [UUID_LENGTH]byte) string {
	return guuid.UUID(id).String()
}
