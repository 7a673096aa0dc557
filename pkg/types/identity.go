package types

import (
	"fmt"
	"strconv"
	"strings"
)

// DerivedThumbnail is the derivation kind used for thumbnail proxies.
const DerivedThumbnail = "thumb"

const derivedSeparator = "|"

// knownKinds lists derivation kinds ParseIdentity recognises.
var knownKinds = []string{DerivedThumbnail}

// Identity is the stable cache key for a piece of media content.
// The zero value is not a valid identity.
type Identity struct {
	kind string
	key  string
}

// ComputeIdentity derives an identity from a file's name, modification time in
// Unix milliseconds, and size in bytes. It is pure: equal inputs always yield
// equal identities and changing any input changes the result.
func ComputeIdentity(name string, modifiedMillis, byteSize int64) Identity {
	return Identity{key: fmt.Sprintf("%s:%d:%d", name, modifiedMillis, byteSize)}
}

// ParseIdentity rebuilds an identity from its String form. An original
// identity always ends in the numeric size, so a trailing "|<kind>" can only
// mark a derived one, whatever characters the file name holds.
func ParseIdentity(s string) (Identity, error) {
	var kind string
	base := s
	for _, k := range knownKinds {
		if strings.HasSuffix(s, derivedSeparator+k) {
			kind = k
			base = s[:len(s)-len(derivedSeparator)-len(k)]
			break
		}
	}

	sizeIdx := strings.LastIndex(base, ":")
	if sizeIdx <= 0 {
		return Identity{}, fmt.Errorf("invalid identity %q: missing size", s)
	}
	if _, err := strconv.ParseInt(base[sizeIdx+1:], 10, 64); err != nil {
		return Identity{}, fmt.Errorf("invalid identity %q: bad size: %w", s, err)
	}
	mtimeIdx := strings.LastIndex(base[:sizeIdx], ":")
	if mtimeIdx < 0 {
		return Identity{}, fmt.Errorf("invalid identity %q: missing modification time", s)
	}
	if _, err := strconv.ParseInt(base[mtimeIdx+1:sizeIdx], 10, 64); err != nil {
		return Identity{}, fmt.Errorf("invalid identity %q: bad modification time: %w", s, err)
	}
	return Identity{kind: kind, key: base}, nil
}

// String returns the encoded identity.
func (id Identity) String() string {
	if id.kind == "" {
		return id.key
	}
	return id.key + derivedSeparator + id.kind
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id.key == ""
}

// Derived returns the identity of an artifact of the given kind computed from
// the original content. Deriving the same kind twice returns the same identity.
func (id Identity) Derived(kind string) Identity {
	return Identity{kind: kind, key: id.key}
}

// Kind returns the derivation kind, or "" for an original identity.
func (id Identity) Kind() string {
	return id.kind
}

// IsDerived reports whether id names a derived artifact.
func (id Identity) IsDerived() bool {
	return id.kind != ""
}

// Source returns the original identity a derived identity was computed from.
// For an original identity it returns id itself.
func (id Identity) Source() Identity {
	return Identity{key: id.key}
}

// MarshalText implements encoding.TextMarshaler.
func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
