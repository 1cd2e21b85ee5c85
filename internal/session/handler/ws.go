package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"

	authoritydomain "session-authority/internal/authority/domain"
	"session-authority/internal/logging"
	"session-authority/internal/server/interceptors"
)

// WatchPath is where the gateway is mounted.
const WatchPath = "/v1/sessions/watch"

const wsWriteTimeout = 5 * time.Second

// Watcher subscribes to status changes of one device's session.
type Watcher interface {
	Watch(ctx context.Context, userID, deviceID string, onStatusChange func(authoritydomain.Status)) (stop func(), err error)
}

// StatusMessage is one websocket frame sent to the device.
type StatusMessage struct {
	Status string `json:"status"`
}

// WatchGateway pushes session status changes to a device over a websocket. The device passes its
// identity token as a Bearer Authorization header, or as access_token when headers are unavailable,
// and its device_id as a query parameter. The connection closes after a revoked status is sent.
type WatchGateway struct {
	watcher        Watcher
	verifier       interceptors.TokenVerifier
	log            logrus.FieldLogger
	originPatterns []string
}

// NewWatchGateway returns a gateway. originPatterns are the cross-origin hosts allowed to connect;
// log may be nil.
func NewWatchGateway(watcher Watcher, verifier interceptors.TokenVerifier, log logrus.FieldLogger, originPatterns []string) *WatchGateway {
	if log == nil {
		log = logging.Discard()
	}
	return &WatchGateway{watcher: watcher, verifier: verifier, log: log, originPatterns: originPatterns}
}

func (g *WatchGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		http.Error(w, "device_id required", http.StatusBadRequest)
		return
	}
	token := interceptors.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	p, err := g.verifier.Verify(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	log := g.log.WithFields(logrus.Fields{"user_id": p.Identity.UID, "device_id": deviceID})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.originPatterns})
	if err != nil {
		log.WithError(err).Info("ws: accept failed")
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	// The client sends nothing; CloseRead handles control frames and cancels ctx when it goes away.
	ctx := conn.CloseRead(r.Context())

	updates := make(chan authoritydomain.Status, 1)
	stop, err := g.watcher.Watch(ctx, p.Identity.UID, deviceID, func(s authoritydomain.Status) {
		// Keep only the latest status when the writer lags.
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- s:
		default:
		}
	})
	if err != nil {
		log.WithError(err).Warn("ws: watch failed")
		_ = conn.Close(websocket.StatusInternalError, "watch failed")
		return
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-updates:
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, StatusMessage{Status: string(s)})
			cancel()
			if err != nil {
				log.WithError(err).Info("ws: write failed")
				return
			}
			if s == authoritydomain.StatusRevoked {
				_ = conn.Close(websocket.StatusNormalClosure, "session revoked")
				return
			}
		}
	}
}
