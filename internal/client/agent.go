// Package client is the device side of the session authority: it admits the local device, keeps its
// session fresh, listens for remote revocation and signs out.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	authoritydomain "session-authority/internal/authority/domain"
	"session-authority/internal/authority/service"
	"session-authority/internal/device"
	devicedomain "session-authority/internal/device/domain"
	"session-authority/internal/logging"
	"session-authority/internal/server/rpc"
	sessionhandler "session-authority/internal/session/handler"
)

const (
	logoutTimeout  = 5 * time.Second
	reconnectDelay = 2 * time.Second
)

// Config configures an Agent.
type Config struct {
	// Token is the identity token sent with every call.
	Token string
	// WatchURL is the base URL of the watch gateway (e.g. http://localhost:8081). Empty disables watching.
	WatchURL string
	// HeartbeatInterval is the liveness touch period; zero means one minute.
	HeartbeatInterval time.Duration
	// Signals describe this device; zero means LocalSignals().
	Signals *devicedomain.Signals
}

// Agent runs one device's session against the authority.
type Agent struct {
	conn     grpc.ClientConnInterface
	devices  *device.Provider
	signals  devicedomain.Signals
	token    string
	watchURL string
	interval time.Duration
	log      logrus.FieldLogger
}

// NewAgent returns an agent calling the authority over conn. log may be nil.
func NewAgent(conn grpc.ClientConnInterface, devices *device.Provider, cfg Config, log logrus.FieldLogger) *Agent {
	if log == nil {
		log = logging.Discard()
	}
	signals := LocalSignals()
	if cfg.Signals != nil {
		signals = *cfg.Signals
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Agent{
		conn:     conn,
		devices:  devices,
		signals:  signals,
		token:    cfg.Token,
		watchURL: strings.TrimSuffix(cfg.WatchURL, "/"),
		interval: interval,
		log:      log,
	}
}

// LocalSignals describes the machine the process runs on.
func LocalSignals() devicedomain.Signals {
	lang := os.Getenv("LANG")
	if i := strings.IndexAny(lang, ".@"); i >= 0 {
		lang = lang[:i]
	}
	zone, offset := time.Now().Zone()
	return devicedomain.Signals{
		Platform:            runtime.GOOS + "/" + runtime.GOARCH,
		UserAgent:           "sessionctl (" + runtime.GOOS + "; " + runtime.GOARCH + ")",
		Language:            strings.ReplaceAll(lang, "_", "-"),
		HardwareConcurrency: runtime.NumCPU(),
		Timezone:            zone,
		TimezoneOffset:      -offset / 60,
		NetworkType:         "unknown",
	}
}

// DeviceID returns the persisted id of this installation.
func (a *Agent) DeviceID(ctx context.Context) string {
	return a.devices.DeviceID(ctx)
}

func (a *Agent) outgoing(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+a.token)
}

func (a *Agent) invoke(ctx context.Context, method string, req, resp any) error {
	err := rpc.Invoke(a.outgoing(ctx), a.conn, "/"+sessionhandler.ServiceName+"/"+method, req, resp)
	return namedError(err)
}

// namedError turns the ErrorInfo reason of a refusal back into the authority's named error.
func namedError(err error) error {
	if err == nil {
		return nil
	}
	switch sessionhandler.Reason(err) {
	case sessionhandler.ReasonDeviceBlocked:
		return fmt.Errorf("%w: %v", service.ErrDeviceBlocked, err)
	case sessionhandler.ReasonSessionRevoked:
		return fmt.Errorf("%w: %v", service.ErrSessionRevoked, err)
	case sessionhandler.ReasonDeviceLimit:
		return fmt.Errorf("%w: %v", service.ErrDeviceLimit, err)
	}
	return err
}

func (a *Agent) admit(ctx context.Context, autoCheck bool) (*sessionhandler.AdmitResponse, error) {
	req := sessionhandler.AdmitRequest{Device: a.devices.Identity(ctx, a.signals), AutoCheck: autoCheck}
	var resp sessionhandler.AdmitResponse
	if err := a.invoke(ctx, "Admit", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Login admits this device as a fresh login.
func (a *Agent) Login(ctx context.Context) (*sessionhandler.AdmitResponse, error) {
	return a.admit(ctx, false)
}

// Check is a background admission. It fails with ErrSessionRevoked when the session was ended elsewhere.
func (a *Agent) Check(ctx context.Context) (*sessionhandler.AdmitResponse, error) {
	return a.admit(ctx, true)
}

// Heartbeat touches the session's lastActive.
func (a *Agent) Heartbeat(ctx context.Context) error {
	return a.invoke(ctx, "Heartbeat", sessionhandler.DeviceRequest{DeviceID: a.DeviceID(ctx)}, &sessionhandler.Empty{})
}

// Logout ends this device's session. The device id is kept.
func (a *Agent) Logout(ctx context.Context) error {
	return a.invoke(ctx, "Logout", sessionhandler.DeviceRequest{DeviceID: a.DeviceID(ctx)}, &sessionhandler.Empty{})
}

// Status returns "active" or "revoked" for this device.
func (a *Agent) Status(ctx context.Context) (string, error) {
	var resp sessionhandler.StatusResponse
	if err := a.invoke(ctx, "GetStatus", sessionhandler.DeviceRequest{DeviceID: a.DeviceID(ctx)}, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Watch streams status changes until the session is revoked, the connection drops or ctx is done.
// It returns ErrSessionRevoked after reporting a revoked status.
func (a *Agent) Watch(ctx context.Context, onStatus func(string)) error {
	if a.watchURL == "" {
		return errors.New("client: no watch URL configured")
	}
	u := a.watchURL + sessionhandler.WatchPath + "?device_id=" + url.QueryEscape(a.DeviceID(ctx))
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + a.token}},
	})
	if err != nil {
		return fmt.Errorf("client: dial watch: %w", err)
	}
	defer conn.CloseNow()

	for {
		var msg sessionhandler.StatusMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("client: watch: %w", err)
		}
		if onStatus != nil {
			onStatus(msg.Status)
		}
		if msg.Status == string(authoritydomain.StatusRevoked) {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return service.ErrSessionRevoked
		}
	}
}

// Run logs in, then heartbeats and watches until the session is revoked or ctx is done. On ctx done
// it logs out. It returns ErrSessionRevoked or ErrDeviceBlocked when the session was ended remotely.
func (a *Agent) Run(ctx context.Context, onStatus func(string)) error {
	resp, err := a.Login(ctx)
	if err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{
		"session_id":      resp.Session.ID,
		"outcome":         resp.Outcome,
		"active_sessions": resp.ActiveSessions,
		"max_devices":     resp.MaxDevices,
	}).Info("client: admitted")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.heartbeatLoop(gctx) })
	if a.watchURL != "" {
		g.Go(func() error { return a.watchLoop(gctx, onStatus) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	lctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()
	if err := a.Logout(lctx); err != nil {
		a.log.WithError(err).Warn("client: logout failed")
	}
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				a.log.WithError(err).Warn("client: heartbeat failed")
			}
		}
	}
}

// watchLoop reconnects after dropped connections. Each (re)connect starts with a background
// admission so a revocation missed while disconnected is still noticed.
func (a *Agent) watchLoop(ctx context.Context, onStatus func(string)) error {
	for {
		if _, err := a.Check(ctx); err != nil {
			if errors.Is(err, service.ErrSessionRevoked) || errors.Is(err, service.ErrDeviceBlocked) {
				if onStatus != nil {
					onStatus(string(authoritydomain.StatusRevoked))
				}
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			a.log.WithError(err).Warn("client: check failed")
		}
		err := a.Watch(ctx, onStatus)
		if err == nil || errors.Is(err, service.ErrSessionRevoked) {
			return err
		}
		a.log.WithError(err).Info("client: watch dropped, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}
