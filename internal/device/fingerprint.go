// Package device derives device identifiers and fingerprints from local environment signals.
package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"session-authority/internal/device/domain"
)

// Fingerprint returns a deterministic hash of the primary signal tuple: platform identity,
// locale, concurrency hint, display geometry, color depth, timezone, memory class and network class.
// Same signals always give the same 16 hex character value; degraded inputs only change the hash.
func Fingerprint(s domain.Signals) string {
	return hashFields(
		s.Platform,
		s.Language,
		strconv.Itoa(s.HardwareConcurrency),
		fmt.Sprintf("%dx%d", s.ScreenWidth, s.ScreenHeight),
		strconv.Itoa(s.ColorDepth),
		s.Timezone,
		MemoryClass(s.DeviceMemory),
		strings.ToLower(s.NetworkType),
	)
}

// RecoveryFingerprint hashes a broader signal set. It is weaker as an identifier across browser
// updates but distinguishes devices that share the primary tuple.
func RecoveryFingerprint(s domain.Signals) string {
	return hashFields(
		s.Platform,
		s.UserAgent,
		s.Language,
		strings.Join(s.Languages, ","),
		strconv.Itoa(s.HardwareConcurrency),
		fmt.Sprintf("%dx%d@%.2f", s.ScreenWidth, s.ScreenHeight, s.PixelRatio),
		strconv.Itoa(s.ColorDepth),
		s.Timezone,
		strconv.Itoa(s.TimezoneOffset),
		MemoryClass(s.DeviceMemory),
		strings.ToLower(s.NetworkType),
		s.Vendor,
		strconv.Itoa(s.TouchPoints),
	)
}

// MemoryClass buckets device memory in GiB so small reporting differences do not change the fingerprint.
func MemoryClass(gb float64) string {
	switch {
	case gb <= 0:
		return "unknown"
	case gb < 2:
		return "low"
	case gb < 4:
		return "mid"
	case gb < 8:
		return "high"
	default:
		return "max"
	}
}

func hashFields(fields ...string) string {
	d := xxhash.New()
	for _, f := range fields {
		_, _ = d.WriteString(f)
		_, _ = d.WriteString("|")
	}
	return fmt.Sprintf("%016x", d.Sum64())
}
