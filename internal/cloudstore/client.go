package cloudstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	bilmerrors "github.com/bilmapp/bilm-sync/internal/errors"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second
	responseTimeout  = 30 * time.Second

	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// wsReadLimit bounds inbound frames. Snapshot documents are small
	// (string key-value state plus capped lists); 4MB leaves ample room.
	wsReadLimit = 4 * 1024 * 1024

	// inboundChanSize is the buffer for the channel carrying frames from
	// the reader goroutine to the event loop.
	inboundChanSize = 64

	// docOpChanSize is the buffer for the channel carrying document
	// operations into the event loop.
	docOpChanSize = 16

	// changeChanSize is the buffer for the channel carrying change
	// notifications to the delivery goroutine. A full buffer drops the
	// notification; the subscriber's next pull reconciles.
	changeChanSize = 16

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2
)

var errResponseTimeout = fmt.Errorf("timed out waiting for server response")

// inboundMsg wraps a frame read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// docOp is an operation submitted to the event loop. Fire-and-forget
// ops (sub/unsub) have a nil result channel.
type docOp struct {
	payload any
	result  chan docResult
}

type docResult struct {
	data json.RawMessage
	err  error
}

// changeDelivery pairs a decoded change notification with its
// subscription for the delivery goroutine.
type changeDelivery struct {
	sub  *subscription
	snap DocSnapshot
}

//go:generate mockgen -source=client.go -destination=mock_conn_test.go -package=cloudstore

// wsConn abstracts the WebSocket connection so Client can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type subscription struct {
	collection string
	id         string
	onChange   func(DocSnapshot)
	onError    func(error)
}

// Client manages the WebSocket connection to the remote document store.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop goroutine (Run) processes inbound messages,
// document operations (opCh), and heartbeat ticks. All writes to the
// connection happen from the event loop.
type Client struct {
	conn   wsConn
	logger *slog.Logger

	host   string
	token  string
	device string

	// opCh receives document operations from callers. The event loop
	// processes them one at a time.
	opCh chan docOp

	// inboundCh receives frames from the reader goroutine.
	inboundCh chan inboundMsg

	// changeCh carries change notifications from the event loop to the
	// delivery goroutine. Callbacks must never run on the event loop:
	// a subscriber issuing Get or SetMerge from its callback would
	// otherwise wait on an op the blocked loop can never serve.
	changeCh chan changeDelivery

	// subs holds active document subscriptions, keyed by
	// collection/id. Re-sent to the server after every reconnect.
	subs   map[string]*subscription
	subsMu sync.Mutex

	// pending counts unacknowledged set operations per document key.
	// Change notifications arriving while a write is outstanding are
	// flagged HasPendingWrites so subscribers can skip their own echo.
	pending   map[string]int
	pendingMu sync.Mutex

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	connected   bool
	connectedMu sync.RWMutex

	// connCancel cancels the per-connection context, stopping the
	// reader goroutine before a reconnect.
	connCancel context.CancelFunc
}

// New creates a client for the document store at host, authenticating
// with the given session token and identifying as device.
func New(host, token, device string, logger *slog.Logger) *Client {
	return &Client{
		logger:   logger,
		host:     host,
		token:    token,
		device:   device,
		opCh:     make(chan docOp, docOpChanSize),
		changeCh: make(chan changeDelivery, changeChanSize),
		subs:     make(map[string]*subscription),
		pending:  make(map[string]int),
	}
}

// Connect dials the WebSocket and performs the init/auth handshake.
func (c *Client) Connect(ctx context.Context) error {
	if c.connCancel != nil {
		c.connCancel()
	}

	url := "wss://" + c.host + "/v1/docs"
	c.logger.Debug("connecting to document store", slog.String("url", url))

	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return fmt.Errorf("dialing document store: %w", err)
	}

	return c.handshake(ctx, conn)
}

// handshake performs the post-dial init/auth sequence. Extracted from
// Connect so the auth logic can be tested with a mock wsConn.
func (c *Client) handshake(ctx context.Context, conn wsConn) error {
	c.conn = conn
	c.conn.SetReadLimit(wsReadLimit)
	c.touchLastMessage()

	init := InitMessage{Op: "init", Token: c.token, Device: c.device}
	if err := c.writeJSON(ctx, init); err != nil {
		c.conn.Close(websocket.StatusInternalError, "init failed")
		return fmt.Errorf("sending init: %w", err)
	}

	// Read the auth response directly; the reader goroutine is not
	// running yet.
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		c.conn.Close(websocket.StatusInternalError, "auth read failed")
		return fmt.Errorf("reading auth response: %w", err)
	}

	if typ != websocket.MessageText {
		c.conn.Close(websocket.StatusInternalError, "unexpected auth frame")
		return fmt.Errorf("%w: binary frame during auth", bilmerrors.ErrRemoteResponse)
	}

	var initResp InitResponse
	if err := json.Unmarshal(data, &initResp); err != nil {
		c.conn.Close(websocket.StatusInternalError, "auth decode failed")
		return fmt.Errorf("decoding auth response: %w", err)
	}

	if initResp.Res != "ok" {
		msg := initResp.Msg
		if msg == "" {
			msg = initResp.Res
		}

		c.conn.Close(websocket.StatusNormalClosure, "auth failed")

		return fmt.Errorf("auth failed: %s", msg)
	}

	c.setConnected(true)
	c.logger.Info("document store authenticated", slog.String("host", c.host))

	return nil
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. The channel is captured by value so a stale reader
// from a previous connection cannot feed the new channel.
func (c *Client) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	c.inboundCh = ch
	conn := c.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Run is the event loop with automatic reconnection. It owns all
// writes to the connection. Returns only on context cancellation.
func (c *Client) Run(ctx context.Context) error {
	backoff := reconnectMin

	go c.deliverChanges(ctx)

	connCtx, connCancel := context.WithCancel(ctx)
	c.connCancel = connCancel
	c.startReader(connCtx)

	for {
		err := c.eventLoop(ctx, connCtx)

		c.setConnected(false)
		connCancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("document store connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := c.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			c.logger.Warn("document store reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)

			continue
		}

		connCtx, connCancel = context.WithCancel(ctx)
		c.connCancel = connCancel
		c.startReader(connCtx)

		c.resubscribe(ctx)

		backoff = reconnectMin

		c.logger.Info("document store reconnected")
	}
}

// resubscribe re-sends sub messages for every active subscription.
// Called between eventLoop runs, so writing directly is safe.
func (c *Client) resubscribe(ctx context.Context) {
	c.subsMu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subsMu.Unlock()

	for _, sub := range subs {
		msg := SubMessage{Op: "sub", Collection: sub.collection, ID: sub.id}
		if err := c.writeJSON(ctx, msg); err != nil {
			c.logger.Warn("resubscribing after reconnect",
				slog.String("collection", sub.collection),
				slog.String("id", sub.id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// eventLoop is the single event loop for one connection. It selects on
// inbound frames, document operations, and the heartbeat ticker.
func (c *Client) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			c.touchLastMessage()
			c.handleInbound(msg)

		case op := <-c.opCh:
			if err := c.handleOp(ctx, op); err != nil {
				return err
			}

		case <-ticker.C:
			c.lastMsgMu.Lock()
			elapsed := time.Since(c.lastMessage)
			c.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				c.logger.Warn("document store connection timed out, closing")
				c.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := c.writeJSON(ctx, map[string]string{"op": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound routes a frame received outside an operation: change
// notifications and pongs. Anything else is unexpected and logged.
func (c *Client) handleInbound(msg inboundMsg) {
	if msg.typ == websocket.MessageBinary {
		c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
		return
	}

	switch gjson.GetBytes(msg.data, "op").Str {
	case "pong":
	case "change":
		c.handleChange(msg.data)
	default:
		c.logger.Debug("unexpected frame in event loop",
			slog.String("op", gjson.GetBytes(msg.data, "op").Str),
		)
	}
}

// handleChange decodes a change notification and delivers it to the
// matching subscription.
func (c *Client) handleChange(data []byte) {
	var change ChangeMessage
	if err := json.Unmarshal(data, &change); err != nil {
		c.logger.Warn("failed to decode change notification", slog.String("error", err.Error()))
		return
	}

	key := docKey(change.Collection, change.ID)

	c.subsMu.Lock()
	sub := c.subs[key]
	c.subsMu.Unlock()

	if sub == nil {
		return
	}

	c.pendingMu.Lock()
	hasPending := c.pending[key] > 0
	c.pendingMu.Unlock()

	snap := DocSnapshot{
		data:            change.Data,
		hasPendingWrite: hasPending,
		fromCache:       change.FromCache,
	}

	// Hand off to the delivery goroutine rather than invoking the
	// callback here: subscribers issue document ops from their
	// callbacks, and those ops are served by this loop.
	select {
	case c.changeCh <- changeDelivery{sub: sub, snap: snap}:
	default:
		c.logger.Warn("change notification dropped, subscriber busy",
			slog.String("collection", change.Collection),
			slog.String("id", change.ID),
		)
	}
}

// deliverChanges drains changeCh and invokes subscriber callbacks off
// the event loop. Runs for the lifetime of Run's context.
func (c *Client) deliverChanges(ctx context.Context) {
	for {
		select {
		case d := <-c.changeCh:
			d.sub.onChange(d.snap)

		case <-ctx.Done():
			return
		}
	}
}

// handleOp executes one document operation from the event loop. Ops
// with a result channel write their payload and wait inline for the
// server's result frame; fire-and-forget ops (sub/unsub) just write.
// A connection-level error is returned to trigger reconnect.
func (c *Client) handleOp(ctx context.Context, op docOp) error {
	if err := c.writeJSON(ctx, op.payload); err != nil {
		if op.result != nil {
			op.result <- docResult{err: err}
		}

		return fmt.Errorf("writing operation: %w", err)
	}

	if op.result == nil {
		return nil
	}

	data, err := c.readResult(ctx)
	op.result <- docResult{data: data, err: err}

	// Server-side errors are operation failures; transport errors and
	// response timeouts trigger reconnect.
	if err != nil && !isOperationError(err) {
		return err
	}

	return nil
}

// readResult reads from inboundCh until a result frame arrives. Pongs
// are skipped and change notifications are delivered inline, since the
// server interleaves them freely with request/response pairs.
func (c *Client) readResult(ctx context.Context) (json.RawMessage, error) {
	timeout := time.NewTimer(responseTimeout)
	defer timeout.Stop()

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return nil, fmt.Errorf("reading result: %w", msg.err)
			}

			c.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				c.logger.Debug("unexpected binary frame waiting for result", slog.Int("bytes", len(msg.data)))
				continue
			}

			switch gjson.GetBytes(msg.data, "op").Str {
			case "pong":
				continue

			case "change":
				c.handleChange(msg.data)
				continue

			case "result":
				var result ResultMessage
				if err := json.Unmarshal(msg.data, &result); err != nil {
					return nil, fmt.Errorf("decoding result: %w", err)
				}

				if result.Err != "" {
					return nil, fmt.Errorf("%w: %s", bilmerrors.ErrRemoteRequest, result.Err)
				}

				return result.Data, nil

			default:
				c.logger.Debug("unexpected frame waiting for result",
					slog.String("op", gjson.GetBytes(msg.data, "op").Str),
				)
			}

		case <-timeout.C:
			return nil, errResponseTimeout

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Get fetches a document, returning nil data when it does not exist.
func (c *Client) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	msg := GetMessage{Op: "get", Collection: collection, ID: id}

	data, err := c.do(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("getting document %s/%s: %w", collection, id, err)
	}

	if isJSONNull(data) {
		return nil, nil
	}

	return data, nil
}

// SetMerge writes a partial document with merge semantics. While the
// write is unacknowledged, change notifications for the document are
// flagged as having pending local writes.
func (c *Client) SetMerge(ctx context.Context, collection, id string, partial map[string]json.RawMessage) error {
	key := docKey(collection, id)

	c.pendingMu.Lock()
	c.pending[key]++
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		c.pending[key]--
		if c.pending[key] <= 0 {
			delete(c.pending, key)
		}
		c.pendingMu.Unlock()
	}()

	msg := SetMessage{Op: "set", Collection: collection, ID: id, Merge: true, Data: partial}
	if _, err := c.do(ctx, msg); err != nil {
		return fmt.Errorf("writing document %s/%s: %w", collection, id, err)
	}

	return nil
}

// Subscribe registers a change callback for a document and asks the
// server to stream its changes. The returned function cancels the
// subscription. One subscription per document.
func (c *Client) Subscribe(collection, id string, onChange func(DocSnapshot), onError func(error)) func() {
	key := docKey(collection, id)

	c.subsMu.Lock()
	c.subs[key] = &subscription{collection: collection, id: id, onChange: onChange, onError: onError}
	c.subsMu.Unlock()

	if c.Connected() {
		c.enqueue(docOp{payload: SubMessage{Op: "sub", Collection: collection, ID: id}})
	}

	return func() {
		c.subsMu.Lock()
		delete(c.subs, key)
		c.subsMu.Unlock()

		if c.Connected() {
			c.enqueue(docOp{payload: SubMessage{Op: "unsub", Collection: collection, ID: id}})
		}
	}
}

// do submits an operation to the event loop and waits for its result.
func (c *Client) do(ctx context.Context, payload any) (json.RawMessage, error) {
	if !c.Connected() {
		return nil, bilmerrors.ErrRemoteRequest
	}

	op := docOp{payload: payload, result: make(chan docResult, 1)}

	select {
	case c.opCh <- op:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-op.result:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enqueue submits a fire-and-forget operation without blocking the
// caller when the event loop is backed up.
func (c *Client) enqueue(op docOp) {
	select {
	case c.opCh <- op:
	default:
		c.logger.Warn("operation channel full, dropping fire-and-forget op")
	}
}

// Connected reports whether the WebSocket is live and authenticated.
func (c *Client) Connected() bool {
	c.connectedMu.RLock()
	defer c.connectedMu.RUnlock()

	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.connectedMu.Lock()
	c.connected = v
	c.connectedMu.Unlock()
}

// Close closes the connection and stops the reader goroutine.
func (c *Client) Close() error {
	c.setConnected(false)

	if c.connCancel != nil {
		c.connCancel()
	}

	if c.conn == nil {
		return nil
	}

	return c.conn.Close(websocket.StatusNormalClosure, "shutting down")
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) touchLastMessage() {
	c.lastMsgMu.Lock()
	c.lastMessage = time.Now()
	c.lastMsgMu.Unlock()
}

// isOperationError distinguishes per-operation failures from transport
// failures that require a reconnect.
func isOperationError(err error) bool {
	if errors.Is(err, errResponseTimeout) {
		return false
	}

	return errors.Is(err, bilmerrors.ErrRemoteRequest)
}

func isJSONNull(data json.RawMessage) bool {
	return len(data) == 0 || string(data) == "null"
}

func docKey(collection, id string) string {
	return collection + "/" + id
}
