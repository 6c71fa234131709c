package beacon

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// maxEventNameLen bounds custom event names.
const maxEventNameLen = 200

// validateEventName rejects event names that would be garbage on the
// collector side: empty, over-long, invalid UTF-8, or containing control
// characters. Rejection is local and silent; the caller never learns.
func validateEventName(name string) error {
	if name == "" {
		return fmt.Errorf("event name is empty")
	}
	if len(name) > maxEventNameLen {
		return fmt.Errorf("event name exceeds %d bytes", maxEventNameLen)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("event name is not valid UTF-8")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("event name contains control character %q", r)
		}
	}
	return nil
}
