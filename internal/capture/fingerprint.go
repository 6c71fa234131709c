// Package capture intercepts application errors and turns them into
// rate-limited, deduplicated delivery attempts.
//
// Per occurrence: compute a fingerprint from the message and a truncated
// stack, drop silently if the rate window is full or the fingerprint was
// seen within the dedup window, otherwise build the error payload and hand
// it to the transport's send-or-enqueue path. Downstream it inherits the
// delivery queue's bounded-retry behavior.
package capture

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/text/unicode/norm"
)

// stackFingerprintLines is how many stack lines participate in the
// fingerprint. Deep frames churn between occurrences of the same error
// (goroutine ids, changing callers), so only the top of the stack counts.
const stackFingerprintLines = 10

// Fingerprint hashes (message, truncated stack) into a stable key for
// duplicate recognition.
//
// The message is NFC-normalized first so visually identical messages with
// different Unicode composition dedup together.
func Fingerprint(message, stack string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(norm.NFC.String(message)))
	_, _ = h.Write([]byte{'\n'})
	_, _ = h.Write([]byte(truncateStack(stack, stackFingerprintLines)))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// truncateStack keeps the first maxLines lines of a stack trace.
func truncateStack(stack string, maxLines int) string {
	lines := strings.Split(stack, "\n")
	if len(lines) <= maxLines {
		return stack
	}
	return strings.Join(lines[:maxLines], "\n")
}
