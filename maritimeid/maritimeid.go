// Package maritimeid defines the stable peer identity used throughout the
// navnet client: MaritimeId.
package maritimeid

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrEmpty is returned by Parse when given an empty or whitespace-only
// string.
var ErrEmpty = errors.New("maritimeid: empty id")

// MaritimeId is the opaque, stable identity of a peer on the network. On the
// wire it is a URN-like string (e.g. "mmsi://219000000"); the client never
// interprets its structure, only compares it for equality.
type MaritimeId struct {
	value string
}

// Parse validates and wraps a raw identity string. The core does not
// validate URN structure beyond rejecting an empty or whitespace-only
// string; stricter
// validation belongs to the server or an external collaborator.
func Parse(raw string) (MaritimeId, error) {
	if strings.TrimSpace(raw) == "" {
		return MaritimeId{}, ErrEmpty
	}
	return MaritimeId{value: raw}, nil
}

// MustParse is Parse but panics on error; useful for constants in tests.
func MustParse(raw string) MaritimeId {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// IsZero reports whether this is the zero value (no id assigned).
func (id MaritimeId) IsZero() bool {
	return id.value == ""
}

// String returns the wire representation.
func (id MaritimeId) String() string {
	return id.value
}

// Equal reports whether two ids denote the same peer.
func (id MaritimeId) Equal(other MaritimeId) bool {
	return id.value == other.value
}

// MarshalJSON implements json.Marshaler; the wire form is a bare string.
func (id MaritimeId) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *MaritimeId) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
