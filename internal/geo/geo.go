// Package geo resolves the best-effort network location of a requester.
// Resolution never fails the caller: every path ends in a structurally valid Info.
package geo

import (
	"context"
)

// UnknownValue is used for every location field that could not be resolved.
const UnknownValue = "unknown"

// Info is the network location attached to a session record.
type Info struct {
	IP      string `json:"ip"`
	City    string `json:"city"`
	Country string `json:"country"`
	Region  string `json:"region"`
}

// Unknown is the fallback Info returned when nothing could be resolved.
var Unknown = Info{IP: UnknownValue, City: UnknownValue, Country: UnknownValue, Region: UnknownValue}

// Result is the outcome of a lookup. Err is set when Info is partially or entirely a fallback.
type Result struct {
	Info Info
	Err  error
}

// OrUnknown returns the resolved Info with every empty field replaced by UnknownValue.
func (r Result) OrUnknown() Info {
	return fillUnknown(r.Info)
}

// Resolver looks up the location of ip; an empty ip means the caller's own public address.
type Resolver interface {
	Resolve(ctx context.Context, ip string) Result
}

// Static always resolves to the same Info. Useful for clients that already know their location and in tests.
type Static Info

// Resolve returns the static Info, keeping the requested ip when one is given.
func (s Static) Resolve(ctx context.Context, ip string) Result {
	info := Info(s)
	if ip != "" {
		info.IP = ip
	}
	return Result{Info: info}
}

func fillUnknown(info Info) Info {
	if info.IP == "" {
		info.IP = UnknownValue
	}
	if info.City == "" {
		info.City = UnknownValue
	}
	if info.Country == "" {
		info.Country = UnknownValue
	}
	if info.Region == "" {
		info.Region = UnknownValue
	}
	return info
}
