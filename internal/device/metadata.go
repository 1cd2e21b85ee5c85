package device

import (
	"fmt"
	"strings"

	"session-authority/internal/device/domain"
)

// DescribeSignals derives the informational metadata stored on a new session record.
func DescribeSignals(s domain.Signals) domain.Metadata {
	ua := strings.ToLower(s.UserAgent)
	md := domain.Metadata{
		DeviceType:          deviceType(ua, s.TouchPoints),
		OS:                  operatingSystem(ua, s.Platform),
		Browser:             browser(ua),
		CPU:                 cpu(ua, s.Platform),
		HardwareConcurrency: s.HardwareConcurrency,
		DeviceMemory:        "unknown",
		ScreenResolution:    "unknown",
	}
	if s.DeviceMemory > 0 {
		md.DeviceMemory = fmt.Sprintf("%gGB", s.DeviceMemory)
	}
	if s.ScreenWidth > 0 && s.ScreenHeight > 0 {
		md.ScreenResolution = fmt.Sprintf("%dx%d", s.ScreenWidth, s.ScreenHeight)
	}
	return md
}

func deviceType(ua string, touchPoints int) string {
	switch {
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		return "tablet"
	case strings.Contains(ua, "mobi") || strings.Contains(ua, "iphone") || strings.Contains(ua, "android"):
		return "mobile"
	case touchPoints > 1 && strings.Contains(ua, "macintosh"):
		return "tablet"
	default:
		return "desktop"
	}
}

func operatingSystem(ua, platform string) string {
	switch {
	case strings.Contains(ua, "windows"):
		return "Windows"
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad"):
		return "iOS"
	case strings.Contains(ua, "mac os") || strings.Contains(ua, "macintosh"):
		return "macOS"
	case strings.Contains(ua, "android"):
		return "Android"
	case strings.Contains(ua, "cros"):
		return "ChromeOS"
	case strings.Contains(ua, "linux"):
		return "Linux"
	case platform != "":
		return platform
	default:
		return "unknown"
	}
}

func browser(ua string) string {
	// Order matters: Edge and Opera also advertise Chrome, Chrome advertises Safari.
	switch {
	case strings.Contains(ua, "edg/"):
		return "Edge"
	case strings.Contains(ua, "opr/") || strings.Contains(ua, "opera"):
		return "Opera"
	case strings.Contains(ua, "firefox/"):
		return "Firefox"
	case strings.Contains(ua, "chrome/") || strings.Contains(ua, "crios/"):
		return "Chrome"
	case strings.Contains(ua, "safari/"):
		return "Safari"
	case ua == "":
		return "unknown"
	default:
		return "other"
	}
}

func cpu(ua, platform string) string {
	p := strings.ToLower(platform)
	switch {
	case strings.Contains(ua, "arm64") || strings.Contains(ua, "aarch64") || strings.Contains(p, "arm"):
		return "arm64"
	case strings.Contains(ua, "x86_64") || strings.Contains(ua, "x64") || strings.Contains(ua, "win64") ||
		strings.Contains(ua, "amd64") || strings.Contains(p, "x86_64") || strings.Contains(p, "amd64"):
		return "amd64"
	case strings.Contains(ua, "i686") || strings.Contains(ua, "i386"):
		return "386"
	default:
		return "unknown"
	}
}
