package repository

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
)

const (
	listenRetryMin = 500 * time.Millisecond
	listenRetryMax = 30 * time.Second
)

// listenFunc holds a LISTEN open until ctx ends or the connection fails. ready is called once the
// LISTEN is in place; notify is called with each payload.
type listenFunc func(ctx context.Context, ready func(), notify func(payload string)) error

// listener shares one LISTEN connection between every subscription of a process and wakes the
// subscribers of the user named in each notification. The connection is opened with the first
// subscriber and released with the last.
type listener struct {
	listen listenFunc

	mu     sync.Mutex
	subs   map[string]map[chan struct{}]struct{}
	count  int
	cancel context.CancelFunc
}

func newListener(listen listenFunc) *listener {
	return &listener{listen: listen, subs: make(map[string]map[chan struct{}]struct{})}
}

// add registers a subscriber for userID. The returned channel receives a value whenever the user's
// records may have changed; remove must be called exactly once.
func (l *listener) add(userID string) (wake <-chan struct{}, remove func()) {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs[userID] == nil {
		l.subs[userID] = make(map[chan struct{}]struct{})
	}
	l.subs[userID][ch] = struct{}{}
	l.count++
	if l.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		go l.run(ctx)
	}
	var once sync.Once
	return ch, func() { once.Do(func() { l.remove(userID, ch) }) }
}

func (l *listener) remove(userID string, ch chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs[userID], ch)
	if len(l.subs[userID]) == 0 {
		delete(l.subs, userID)
	}
	l.count--
	if l.count == 0 && l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

func (l *listener) notify(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs[userID] {
		wake(ch)
	}
}

// broadcast wakes everyone. It runs whenever a LISTEN is (re)established, since notifications sent
// while no LISTEN was active are lost.
func (l *listener) broadcast() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, set := range l.subs {
		for ch := range set {
			wake(ch)
		}
	}
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (l *listener) run(ctx context.Context) {
	backoff := listenRetryMin
	for {
		established := false
		_ = l.listen(ctx, func() {
			established = true
			l.broadcast()
		}, l.notify)
		if ctx.Err() != nil {
			return
		}
		if established {
			backoff = listenRetryMin
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, listenRetryMax)
	}
}

// pgListen returns a listenFunc that LISTENs on NotifyChannel over one pooled connection.
func pgListen(db *sql.DB) listenFunc {
	return func(ctx context.Context, ready func(), notify func(string)) error {
		conn, err := db.Conn(ctx)
		if err != nil {
			return mapError(err)
		}
		defer conn.Close()
		if _, err := conn.ExecContext(ctx, "LISTEN "+NotifyChannel); err != nil {
			return mapError(err)
		}
		defer func() {
			// The connection returns to the pool; drop the LISTEN so it does not collect notifications.
			cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, _ = conn.ExecContext(cleanup, "UNLISTEN "+NotifyChannel)
		}()
		ready()
		return conn.Raw(func(driverConn any) error {
			pg := driverConn.(*stdlib.Conn).Conn()
			for {
				n, err := pg.WaitForNotification(ctx)
				if err != nil {
					return err
				}
				notify(n.Payload)
			}
		})
	}
}
