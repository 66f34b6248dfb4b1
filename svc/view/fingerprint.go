package view

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"aurapaste/pkg/domain"
)

// Fingerprinter synthesizes a session identity from client environment
// signals. It is injected so accounting can be tested without a browser.
type Fingerprinter func(domain.EnvironmentSignals) string

// Fingerprint is the default Fingerprinter: a digest over the agent
// string, locale, screen geometry and timezone. Stable for the same
// browser across requests; it promises nothing across devices or after
// the user clears state, which is acceptable for view dedup.
func Fingerprint(sig domain.EnvironmentSignals) string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		sig.UserAgent,
		sig.Locale,
		sig.Screen,
		sig.Timezone,
	}, "|")))
	return "guest-" + hex.EncodeToString(h.Sum(nil))[:16]
}
