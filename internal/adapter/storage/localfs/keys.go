package localfs

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// maxKeyLength matches the common object store key limit.
const maxKeyLength = 1024

var ErrInvalidKey = errors.New("invalid storage key")

// unsafeChars can escape the root or confuse tooling that reads keys back.
var unsafeChars = map[rune]bool{
	'\\': true,
	':':  true,
	'"':  true,
	'\n': true,
	'\r': true,
}

// validateKey accepts slash separated relative keys that stay inside the
// store root once cleaned.
func validateKey(key string) error {
	if key == "" || len(key) > maxKeyLength {
		return fmt.Errorf("%w: length %d", ErrInvalidKey, len(key))
	}
	for _, r := range key {
		if r < 32 || r == 127 || unsafeChars[r] {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidKey, key, r)
		}
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q is absolute", ErrInvalidKey, key)
	}
	if cleaned := path.Clean(key); cleaned != key || cleaned == "." {
		return fmt.Errorf("%w: %q is not canonical", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("%w: %q escapes the root", ErrInvalidKey, key)
		}
	}
	return nil
}
