// Package codec holds the byte encodings embedb persists: the JSON codec
// used for record metadata and index manifests, and the block compression
// applied to log payloads.
//
// Changing the codec of an existing persist directory is a breaking change;
// files record the codec name so they can be checked on open.
package codec

import "fmt"

// Codec encodes/decodes values. Implementations must be safe for
// concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// MustMarshal panics if c cannot encode v. Intended for tests.
func MustMarshal(c Codec, v any) []byte {
	if c == nil {
		c = Default
	}
	b, err := c.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("codec %s marshal failed: %w", c.Name(), err))
	}
	return b
}
