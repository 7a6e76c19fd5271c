package metadata

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMetadata is returned for metadata that cannot be stored.
var ErrInvalidMetadata = errors.New("invalid metadata")

const reservedPrefix = "chroma:"

// Validate checks user supplied metadata. Null values are only legal in
// updates, where they delete the key.
func (m Metadata) Validate(allowNull bool) error {
	for k, v := range m {
		if k == "" {
			return fmt.Errorf("%w: empty key", ErrInvalidMetadata)
		}
		if strings.HasPrefix(k, reservedPrefix) {
			return fmt.Errorf("%w: key %q uses the reserved prefix %q", ErrInvalidMetadata, k, reservedPrefix)
		}
		switch v.Kind {
		case KindInt, KindFloat, KindString, KindBool:
		case KindNull:
			if !allowNull {
				return fmt.Errorf("%w: key %q has a null value", ErrInvalidMetadata, k)
			}
		default:
			return fmt.Errorf("%w: key %q has an invalid value", ErrInvalidMetadata, k)
		}
	}
	return nil
}
