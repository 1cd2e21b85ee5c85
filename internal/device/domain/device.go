package domain

import "time"

// Signals are the environment observations a client reports about the device it runs on.
// Any field may be zero when the platform does not expose it.
type Signals struct {
	Platform            string   `json:"platform"`
	UserAgent           string   `json:"user_agent"`
	Language            string   `json:"language"`
	Languages           []string `json:"languages,omitempty"`
	HardwareConcurrency int      `json:"hardware_concurrency"`
	ScreenWidth         int      `json:"screen_width"`
	ScreenHeight        int      `json:"screen_height"`
	ColorDepth          int      `json:"color_depth"`
	PixelRatio          float64  `json:"pixel_ratio"`
	Timezone            string   `json:"timezone"`
	TimezoneOffset      int      `json:"timezone_offset"`
	// DeviceMemory is the approximate memory in GiB.
	DeviceMemory float64 `json:"device_memory"`
	// NetworkType is the coarse connection class (e.g. "wifi", "4g").
	NetworkType string `json:"network_type"`
	Vendor      string `json:"vendor"`
	TouchPoints int    `json:"touch_points"`
}

// Metadata is the descriptive, informational part of a session record. Written once at creation.
type Metadata struct {
	DeviceType          string `json:"device_type"`
	OS                  string `json:"os"`
	Browser             string `json:"browser"`
	CPU                 string `json:"cpu"`
	DeviceMemory        string `json:"device_memory"`
	ScreenResolution    string `json:"screen_resolution"`
	HardwareConcurrency int    `json:"hardware_concurrency"`
}

// Identity is the device value object passed into every authority call.
// DeviceID is stable for an installation; Fingerprint is derived from Signals and only used
// to recover a session when DeviceID was lost.
type Identity struct {
	DeviceID            string   `json:"device_id" validate:"required,max=128"`
	Fingerprint         string   `json:"fingerprint" validate:"max=64"`
	RecoveryFingerprint string   `json:"recovery_fingerprint" validate:"max=64"`
	Metadata            Metadata `json:"metadata"`
}

// BlockedDevice is an entry of the global device denylist.
type BlockedDevice struct {
	DeviceID  string
	Reason    string
	BlockedBy string
	CreatedAt time.Time
}
