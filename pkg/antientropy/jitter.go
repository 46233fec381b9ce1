package antientropy

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// deterministicJitter applies a ±pct jitter to base, derived from a
// SHA-256 hash of parts. Reimplemented here (rather than imported from
// mqttadapter) because antientropy's interval jitter and mqttadapter's
// reconnect jitter are independent concerns with no shared call site.
func deterministicJitter(base time.Duration, pct int, parts ...any) time.Duration {
	if pct <= 0 {
		return base
	}
	if pct > 50 {
		pct = 50
	}
	h := sha256.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(fmt.Sprint(p)))
		_, _ = h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	u := binary.LittleEndian.Uint64(sum[:8])
	span := uint64(pct*2 + 1)
	deltaPct := int(u%span) - pct

	delta := (base * time.Duration(deltaPct)) / 100
	result := base + delta
	if result < 0 {
		result = 0
	}
	return result
}
