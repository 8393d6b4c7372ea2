package aggregate

import "github.com/oklog/ulid/v2"

// isULID reports whether identifier parses as a strict 26-character
// Crockford-base32 ULID, per the resolution rule in §4.10.
func isULID(identifier string) bool {
	if len(identifier) != 26 {
		return false
	}
	_, err := ulid.ParseStrict(identifier)
	return err == nil
}
