// ws.go implements the WebSocket feed for bundle transaction updates.
//
// The feed subscribes by transaction id and turns pushed status updates into
// types.TxState values on a buffered channel. It auto-reconnects with
// exponential backoff (1s → 30s max) and re-subscribes every tracked id on
// reconnection. A read deadline (90s) refreshed by pongs detects a silent
// server. Consumers treat the feed as a fast path and keep polling
// TransactionStatus as the source of truth.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"

	"galaswap-bot/internal/retry"
	"galaswap-bot/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send a ping control frame
	readTimeout      = 90 * time.Second // ~2 missed pongs triggers reconnect
	minReconnectWait = time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	eventBufferSize  = 64
)

var errNotConnected = errors.New("websocket not connected")

// TxFeed tracks transaction ids on the bundle event socket.
type TxFeed struct {
	url       string
	conn      *websocket.Conn
	connMu    sync.Mutex // protects conn writes
	connected atomic.Bool

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	events chan types.TxState

	minBackoff time.Duration
	maxBackoff time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewTxFeed creates a feed for wsURL. Call Run to connect.
func NewTxFeed(wsURL string, logger *slog.Logger) *TxFeed {
	return &TxFeed{
		url:        wsURL,
		subscribed: make(map[string]bool),
		events:     make(chan types.TxState, eventBufferSize),
		minBackoff: minReconnectWait,
		maxBackoff: maxReconnectWait,
		now:        time.Now,
		logger:     logger.With("component", "ws_tx"),
	}
}

// Events returns status updates for subscribed transactions.
func (f *TxFeed) Events() <-chan types.TxState { return f.events }

// Connected reports whether a session is currently open.
func (f *TxFeed) Connected() bool { return f.connected.Load() }

// Subscribed returns the number of tracked transaction ids.
func (f *TxFeed) Subscribed() int {
	f.subscribedMu.RLock()
	defer f.subscribedMu.RUnlock()
	return len(f.subscribed)
}

// Run connects and maintains the connection until ctx is cancelled.
func (f *TxFeed) Run(ctx context.Context) error {
	backoff := retry.NewBackoff(f.minBackoff, f.maxBackoff, 2, true)

	for {
		established, err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			backoff.Reset()
		}

		wait := backoff.Next()
		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", wait,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Subscribe tracks ids. While disconnected the ids are only recorded and
// sent on the next connection.
func (f *TxFeed) Subscribe(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	f.subscribedMu.Lock()
	for _, id := range ids {
		f.subscribed[id] = true
	}
	f.subscribedMu.Unlock()

	err := f.writeJSON(types.WSSubscribeMsg{Operation: "subscribe", TransactionIDs: ids})
	if errors.Is(err, errNotConnected) {
		return nil
	}
	return err
}

// Unsubscribe stops tracking ids.
func (f *TxFeed) Unsubscribe(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	f.subscribedMu.Lock()
	for _, id := range ids {
		delete(f.subscribed, id)
	}
	f.subscribedMu.Unlock()

	err := f.writeJSON(types.WSSubscribeMsg{Operation: "unsubscribe", TransactionIDs: ids})
	if errors.Is(err, errNotConnected) {
		return nil
	}
	return err
}

// Close closes the current connection. Run reconnects unless its context
// is cancelled.
func (f *TxFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *TxFeed) connectAndRead(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	f.connected.Store(true)

	defer func() {
		f.connected.Store(false)
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribe(); err != nil {
		return true, fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "subscribed", f.Subscribed())

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Unblock the read when ctx ends.
	go func() {
		<-pingCtx.Done()
		conn.SetReadDeadline(time.Now())
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("read: %w", err)
		}
		f.dispatchMessage(msg)
	}
}

func (f *TxFeed) resubscribe() error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	if len(ids) == 0 {
		return nil
	}
	return f.writeJSON(types.WSSubscribeMsg{Operation: "subscribe", TransactionIDs: ids})
}

func (f *TxFeed) dispatchMessage(data []byte) {
	var evt types.WSTxEvent
	if err := sonnet.Unmarshal(data, &evt); err != nil {
		f.logger.Debug("ignoring non-json ws message", "size", len(data))
		return
	}
	id := evt.Data.TransactionID
	if id == "" {
		f.logger.Debug("ignoring ws event without transaction id", "type", evt.Type)
		return
	}

	f.subscribedMu.RLock()
	tracked := f.subscribed[id]
	f.subscribedMu.RUnlock()
	if !tracked {
		return
	}

	st := types.TxState{
		ID:        id,
		Status:    types.ParseTxStatus(evt.Data.Status),
		Error:     evt.Data.Error,
		UpdatedAt: f.now(),
	}
	if st.Status.Terminal() {
		f.subscribedMu.Lock()
		delete(f.subscribed, id)
		f.subscribedMu.Unlock()
	}

	select {
	case f.events <- st:
	default:
		f.logger.Warn("tx event channel full, dropping event", "tx", id, "status", st.Status)
	}
}

func (f *TxFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeControl(websocket.PingMessage); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *TxFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *TxFeed) writeControl(messageType int) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	return f.conn.WriteControl(messageType, nil, time.Now().Add(writeTimeout))
}
