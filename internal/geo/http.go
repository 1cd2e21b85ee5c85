package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds a whole Resolve call.
	DefaultTimeout = 3 * time.Second
	// DefaultFallbackTimeout bounds the secondary IP-only lookup.
	DefaultFallbackTimeout = 1500 * time.Millisecond

	maxBodyBytes = 64 << 10
)

var (
	// ErrRateLimited is returned in Result.Err when the local limiter has no token before the deadline.
	ErrRateLimited = errors.New("geo: rate limited")
	// ErrLookupFailed is returned in Result.Err when both lookups failed.
	ErrLookupFailed = errors.New("geo: lookup failed")
)

// HTTPResolver queries an ipapi-style JSON endpoint ({base}/{ip}/json/) and falls back to an
// ipify-style IP-only endpoint ({base}?format=json).
type HTTPResolver struct {
	PrimaryURL      string
	FallbackURL     string
	Timeout         time.Duration
	FallbackTimeout time.Duration
	HTTPClient      *http.Client
	Limiter         *rate.Limiter
}

// NewHTTPResolver returns a resolver for the given endpoints. Zero timeouts use the defaults.
// ratePerSecond <= 0 disables throttling.
func NewHTTPResolver(primaryURL, fallbackURL string, timeout, fallbackTimeout time.Duration, ratePerSecond float64, burst int) *HTTPResolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if fallbackTimeout <= 0 {
		fallbackTimeout = DefaultFallbackTimeout
	}
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	return &HTTPResolver{
		PrimaryURL:      strings.TrimSuffix(primaryURL, "/"),
		FallbackURL:     strings.TrimSuffix(fallbackURL, "/"),
		Timeout:         timeout,
		FallbackTimeout: fallbackTimeout,
		HTTPClient:      &http.Client{Timeout: timeout},
		Limiter:         limiter,
	}
}

type primaryResponse struct {
	IP          string `json:"ip"`
	City        string `json:"city"`
	CountryName string `json:"country_name"`
	Region      string `json:"region"`
	// ipapi reports quota exhaustion with error=true and a 200 status.
	Error  bool   `json:"error"`
	Reason string `json:"reason"`
}

type fallbackResponse struct {
	IP string `json:"ip"`
}

// Resolve returns the location of ip within r.Timeout. The primary lookup is bounded by
// Timeout-FallbackTimeout, so the IP-only fallback still runs when the primary hangs. If that fails
// too, Unknown is returned (with ip filled in when given).
// Result.Err records why the result is degraded; it is informational only.
func (r *HTTPResolver) Resolve(ctx context.Context, ip string) Result {
	if ip == UnknownValue {
		return Result{Info: Unknown}
	}
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	pCtx, pCancel := context.WithTimeout(ctx, r.primaryBudget())
	info, err := r.primary(pCtx, ip)
	pCancel()
	if err == nil {
		if info.IP == "" {
			info.IP = ip
		}
		return Result{Info: fillUnknown(info)}
	}
	primaryErr := err

	fbCtx, fbCancel := context.WithTimeout(ctx, r.FallbackTimeout)
	defer fbCancel()
	fbIP, err := r.fallback(fbCtx, ip)
	if err == nil {
		out := Unknown
		out.IP = fbIP
		return Result{Info: out, Err: fmt.Errorf("geo: primary: %w", primaryErr)}
	}

	out := Unknown
	if ip != "" {
		out.IP = ip
	}
	return Result{Info: out, Err: fmt.Errorf("%w: primary: %v; fallback: %v", ErrLookupFailed, primaryErr, err)}
}

func (r *HTTPResolver) primaryBudget() time.Duration {
	if d := r.Timeout - r.FallbackTimeout; d > 0 {
		return d
	}
	return r.Timeout / 2
}

func (r *HTTPResolver) primary(ctx context.Context, ip string) (Info, error) {
	if r.PrimaryURL == "" {
		return Info{}, errors.New("geo: primary endpoint not configured")
	}
	u := r.PrimaryURL + "/json/"
	if ip != "" {
		u = r.PrimaryURL + "/" + url.PathEscape(ip) + "/json/"
	}
	var body primaryResponse
	if err := r.getJSON(ctx, u, &body); err != nil {
		return Info{}, err
	}
	if body.Error {
		return Info{}, fmt.Errorf("geo: upstream error: %s", body.Reason)
	}
	return Info{IP: body.IP, City: body.City, Country: body.CountryName, Region: body.Region}, nil
}

func (r *HTTPResolver) fallback(ctx context.Context, ip string) (string, error) {
	if ip != "" {
		// The fallback only reports the caller's own address; for a known ip there is nothing to add.
		return ip, nil
	}
	if r.FallbackURL == "" {
		return "", errors.New("geo: fallback endpoint not configured")
	}
	var body fallbackResponse
	if err := r.getJSON(ctx, r.FallbackURL+"?format=json", &body); err != nil {
		return "", err
	}
	if body.IP == "" {
		return "", errors.New("geo: fallback returned no ip")
	}
	return body.IP, nil
}

func (r *HTTPResolver) getJSON(ctx context.Context, u string, out interface{}) error {
	if r.Limiter != nil {
		if err := r.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return fmt.Errorf("geo: %s returned status=%d", u, resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out)
}
