package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/SulimanRohany/deen-bridge-liveclass/model"
)

const (
	defaultHistoryLimit         = 50
	defaultBaseDelay            = time.Second
	defaultCapDelay             = 30 * time.Second
	defaultMaxReconnectAttempts = 5
	defaultTypingIdle           = 3 * time.Second

	defaultHandshakeTimeout   = 3 * time.Second
	defaultWriteDeadline      = 5 * time.Second
	defaultCloseWriteDeadline = 2 * time.Second
	defaultMaxMessageSize     = 9000

	eventBufferSize = 64

	// Server close codes outside the RFC range.
	CloseAuthFailure = 4001
	CloseServerError = 4002
)

var (
	ErrAlreadyConnected   = errors.New("channel is already connected or connecting")
	ErrChannelClosed      = errors.New("channel is closed")
	ErrNotConnected       = errors.New("channel is not connected")
	ErrAuthRejected       = errors.New("messaging endpoint rejected authentication")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// State is the channel's connection phase.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateFailed
)

type Config struct {
	Logger *zerolog.Logger
	// URL is the duplex endpoint for this session's chat, ws or wss.
	URL   string
	Token string
	// SenderID identifies the local principal; inbound messages from
	// other senders bump the unread counter.
	SenderID             string
	HistoryLimit         int
	BaseDelay            time.Duration
	CapDelay             time.Duration
	MaxReconnectAttempts int
	TypingIdle           time.Duration
	// Dialer overrides the default websocket dialer, mainly for tests.
	Dialer *websocket.Dialer
}

// Channel is a reconnecting duplex messaging channel scoped to one
// session and principal. It owns its socket exclusively.
type Channel struct {
	logger       zerolog.Logger
	url          string
	token        string
	senderID     string
	historyLimit int
	baseDelay    time.Duration
	capDelay     time.Duration
	maxAttempts  int
	typingIdle   time.Duration
	dialer       *websocket.Dialer

	events chan model.ChannelEvent
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	attempt     int
	termErr     error
	messages    []model.ChatMessage
	seen        map[string]struct{}
	typing      map[string]struct{}
	unread      int
	unreadKnown bool // server has confirmed a value at least once
	typingTimer *time.Timer
}

func NewChannel(cfg Config) *Channel {
	ch := &Channel{
		logger:       cfg.Logger.With().Str("component", "chat-channel").Logger(),
		url:          cfg.URL,
		token:        cfg.Token,
		senderID:     cfg.SenderID,
		historyLimit: cfg.HistoryLimit,
		baseDelay:    cfg.BaseDelay,
		capDelay:     cfg.CapDelay,
		maxAttempts:  cfg.MaxReconnectAttempts,
		typingIdle:   cfg.TypingIdle,
		dialer:       cfg.Dialer,
		events:       make(chan model.ChannelEvent, eventBufferSize),
		seen:         make(map[string]struct{}),
		typing:       make(map[string]struct{}),
	}
	if ch.historyLimit == 0 {
		ch.historyLimit = defaultHistoryLimit
	}
	if ch.baseDelay == 0 {
		ch.baseDelay = defaultBaseDelay
	}
	if ch.capDelay == 0 {
		ch.capDelay = defaultCapDelay
	}
	if ch.maxAttempts == 0 {
		ch.maxAttempts = defaultMaxReconnectAttempts
	}
	if ch.typingIdle == 0 {
		ch.typingIdle = defaultTypingIdle
	}
	if ch.dialer == nil {
		ch.dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	}
	return ch
}

// Connect starts the connection loop. At most one open or opening socket
// exists per channel; a second Connect is rejected. Connection progress
// is reported on Events.
func (ch *Channel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	switch ch.state {
	case StateClosed:
		ch.mu.Unlock()
		return ErrChannelClosed
	case StateConnecting, StateOpen:
		ch.mu.Unlock()
		return ErrAlreadyConnected
	case StateDisconnected, StateFailed:
	}
	ch.state = StateConnecting
	ch.termErr = nil
	runCtx, cancel := context.WithCancel(ctx)
	ch.cancel = cancel
	ch.mu.Unlock()

	go ch.run(runCtx)
	return nil
}

// Events is the notification stream for the UI. Slow consumers lose
// events rather than blocking the socket.
func (ch *Channel) Events() <-chan model.ChannelEvent {
	return ch.events
}

func (ch *Channel) run(ctx context.Context) {
ConnLoop:
	for {
		conn, fatal, err := ch.dial(ctx)
		if err != nil {
			if fatal {
				ch.fail(err)
				return
			}
			ch.logger.Warn().Err(err).Msg("channel dial failed")
			if !ch.waitBackoff(ctx) {
				return
			}
			continue
		}

		if !ch.opened(conn) {
			return
		}

		code := ch.readLoop(ctx, conn)
		ch.dropConn(conn)
		ch.emit(model.ChannelEvent{Kind: model.EventDisconnected})

		select {
		case <-ctx.Done():
			return
		default:
		}

		switch code {
		case websocket.CloseNormalClosure:
			// server finished the conversation, nothing to retry
			ch.setState(StateDisconnected)
			return
		case CloseAuthFailure:
			ch.fail(ErrAuthRejected)
			return
		default:
			if !ch.waitBackoff(ctx) {
				return
			}
			continue ConnLoop
		}
	}
}

// dial opens the socket with the auth token as a query parameter. The
// second return reports a non-retryable failure.
func (ch *Channel) dial(ctx context.Context) (*websocket.Conn, bool, error) {
	u, err := url.Parse(ch.url)
	if err != nil {
		return nil, true, err
	}
	q := u.Query()
	q.Set("token", ch.token)
	u.RawQuery = q.Encode()

	conn, resp, err := ch.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return nil, true, errors.Join(ErrAuthRejected, err)
		}
		return nil, false, err
	}
	return conn, false, nil
}

// opened installs the fresh socket, resets the reconnect budget and
// requests history before any send is accepted. False means the channel
// was closed while the dial was in flight.
func (ch *Channel) opened(conn *websocket.Conn) bool {
	conn.SetReadLimit(defaultMaxMessageSize)

	ch.mu.Lock()
	if ch.state == StateClosed || ch.state == StateFailed {
		ch.mu.Unlock()
		_ = conn.Close()
		return false
	}
	ch.conn = conn
	ch.attempt = 0
	err := ch.writeFrameLocked(model.Frame{Type: model.FrameGetHistory, Limit: ch.historyLimit})
	ch.state = StateOpen
	ch.mu.Unlock()

	if err != nil {
		ch.logger.Error().Err(err).Msg("history request failed")
	}
	ch.logger.Debug().Msg("channel open")
	return true
}

// readLoop pumps inbound frames until the socket dies, returning the
// close code (or CloseAbnormalClosure when none was received).
func (ch *Channel) readLoop(ctx context.Context, conn *websocket.Conn) int {
RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				ch.logger.Debug().Int("code", closeErr.Code).Msg("channel closed by peer")
				return closeErr.Code
			}
			ch.logger.Warn().Err(err).Msg("channel read failed")
			return websocket.CloseAbnormalClosure
		}

		var f model.Frame
		if err = json.Unmarshal(raw, &f); err != nil {
			ch.logger.Error().Err(err).Msg("failed to unmarshal inbound frame")
			continue
		}
		if ch.logger.GetLevel() <= zerolog.TraceLevel {
			ch.logger.Trace().Str("frame", spew.Sdump(f)).Msg("inbound frame")
		}
		ch.dispatch(f)
	}
	return websocket.CloseNormalClosure
}

func (ch *Channel) dispatch(f model.Frame) {
	switch f.Type {
	case model.FrameConnectionEstablished:
		ch.emit(model.ChannelEvent{Kind: model.EventConnected})

	case model.FrameChatHistory:
		ch.mu.Lock()
		ch.messages = append(ch.messages[:0], f.Messages...)
		ch.seen = make(map[string]struct{}, len(f.Messages))
		for _, m := range f.Messages {
			ch.seen[m.ID] = struct{}{}
		}
		unread := ch.unread
		if f.UnreadCount != nil {
			ch.unread = *f.UnreadCount
			ch.unreadKnown = true
		}
		changed := ch.unread != unread
		n := ch.unread
		ch.mu.Unlock()

		ch.emit(model.ChannelEvent{Kind: model.EventHistory})
		if changed {
			ch.emit(model.ChannelEvent{Kind: model.EventUnreadChanged, Unread: n})
		}

	case model.FrameChatMessage:
		msg, err := f.ChatPayload()
		if err != nil {
			ch.logger.Error().Err(err).Msg("malformed chat message payload")
			return
		}
		ch.mu.Lock()
		if _, dup := ch.seen[msg.ID]; dup {
			ch.mu.Unlock()
			ch.logger.Debug().Str("id", msg.ID).Msg("duplicate message dropped")
			return
		}
		ch.seen[msg.ID] = struct{}{}
		ch.messages = append(ch.messages, msg)
		unread := ch.unread
		if f.UnreadCount != nil {
			ch.unread = *f.UnreadCount
			ch.unreadKnown = true
		} else if msg.SenderID != ch.senderID {
			ch.unread++
		}
		changed := ch.unread != unread
		n := ch.unread
		ch.mu.Unlock()

		ch.emit(model.ChannelEvent{Kind: model.EventMessage, Message: &msg})
		if changed {
			ch.emit(model.ChannelEvent{Kind: model.EventUnreadChanged, Unread: n})
		}

	case model.FrameUserTyping:
		ch.mu.Lock()
		if f.IsTyping {
			ch.typing[f.UserName] = struct{}{}
		} else {
			delete(ch.typing, f.UserName)
		}
		ch.mu.Unlock()
		ch.emit(model.ChannelEvent{Kind: model.EventTyping, UserName: f.UserName, Typing: f.IsTyping})

	case model.FrameMessagesMarkedRead:
		// the server confirmation is the sole authority over unread
		n := 0
		if f.UnreadCount != nil {
			n = *f.UnreadCount
		}
		ch.mu.Lock()
		ch.unread = n
		ch.unreadKnown = true
		ch.mu.Unlock()
		ch.emit(model.ChannelEvent{Kind: model.EventUnreadChanged, Unread: n})

	case model.FrameUserJoined:
		ch.emit(model.ChannelEvent{Kind: model.EventPeerJoined, UserName: f.UserName})

	case model.FrameUserLeft:
		ch.emit(model.ChannelEvent{Kind: model.EventPeerLeft, UserName: f.UserName})

	case model.FrameError:
		ch.emit(model.ChannelEvent{Kind: model.EventError, Err: errors.New(f.ErrorText())})

	default:
		ch.logger.Warn().Str("type", f.Type).Msg("unknown frame type")
	}
}

// waitBackoff sleeps for the next reconnect delay. False means the
// attempt budget is spent or the context is gone.
func (ch *Channel) waitBackoff(ctx context.Context) bool {
	ch.mu.Lock()
	attempt := ch.attempt
	ch.attempt++
	ch.mu.Unlock()

	if attempt >= ch.maxAttempts {
		ch.fail(ErrReconnectExhausted)
		return false
	}

	delay := backoffDelay(attempt, ch.baseDelay, ch.capDelay)
	ch.logger.Debug().
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("scheduling reconnect")
	ch.setState(StateConnecting)

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Send publishes a chat message. Rejected immediately when the channel
// is closed or not yet open; nothing is queued.
func (ch *Channel) Send(body string) error {
	msg := model.ChatMessage{
		ID:        uuid.NewString(),
		Body:      body,
		SenderID:  ch.senderID,
		CreatedAt: time.Now().UTC(),
	}
	f, err := model.NewChatFrame(msg)
	if err != nil {
		return err
	}
	return ch.writeFrame(f)
}

// StartTyping signals typing=true and arms the idle timer that will
// signal typing=false. Repeated calls reset the timer, they never stack.
func (ch *Channel) StartTyping() error {
	if err := ch.writeFrame(model.Frame{Type: model.FrameTyping, IsTyping: true}); err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.typingTimer != nil {
		ch.typingTimer.Reset(ch.typingIdle)
		return nil
	}
	ch.typingTimer = time.AfterFunc(ch.typingIdle, func() {
		ch.mu.Lock()
		ch.typingTimer = nil
		ch.mu.Unlock()
		if err := ch.writeFrame(model.Frame{Type: model.FrameTyping}); err != nil {
			ch.logger.Debug().Err(err).Msg("typing stop not sent")
		}
	})
	return nil
}

// MarkRead asks the server to mark this session read. The unread counter
// is not touched here; only the confirmation frame may move it.
func (ch *Channel) MarkRead() error {
	return ch.writeFrame(model.Frame{Type: model.FrameMarkRead})
}

// SeedUnread installs the point-in-time bootstrap value. Ignored once the
// server has confirmed a count over the channel.
func (ch *Channel) SeedUnread(n int) {
	ch.mu.Lock()
	seeded := false
	if !ch.unreadKnown {
		ch.unread = n
		seeded = true
	}
	ch.mu.Unlock()
	if seeded {
		ch.emit(model.ChannelEvent{Kind: model.EventUnreadChanged, Unread: n})
	}
}

// Close ends the channel for good. Idempotent; no reconnect follows.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.state == StateClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = StateClosed
	if ch.typingTimer != nil {
		ch.typingTimer.Stop()
		ch.typingTimer = nil
	}
	conn := ch.conn
	ch.conn = nil
	cancel := ch.cancel
	ch.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		ch.closeConn(conn)
	}
	ch.logger.Debug().Msg("channel closed")
}

func (ch *Channel) closeConn(conn *websocket.Conn) {
	err := conn.SetWriteDeadline(time.Now().Add(defaultCloseWriteDeadline))
	if err == nil {
		err = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	if err != nil {
		ch.logger.Debug().Err(err).Msg("close handshake not sent")
	}
	if err = conn.Close(); err != nil {
		ch.logger.Debug().Err(err).Msg("socket close failed")
	}
}

func (ch *Channel) writeFrame(f model.Frame) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.writeFrameLocked(f)
}

func (ch *Channel) writeFrameLocked(f model.Frame) error {
	if ch.state == StateClosed || ch.state == StateFailed {
		return ErrChannelClosed
	}
	if ch.conn == nil {
		return ErrNotConnected
	}
	b, err := json.Marshal(&f)
	if err != nil {
		return err
	}
	if err = ch.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return ch.conn.WriteMessage(websocket.TextMessage, b)
}

func (ch *Channel) dropConn(conn *websocket.Conn) {
	ch.mu.Lock()
	if ch.conn == conn {
		ch.conn = nil
		if ch.state == StateOpen {
			ch.state = StateDisconnected
		}
	}
	ch.mu.Unlock()
	_ = conn.Close()
}

func (ch *Channel) fail(err error) {
	ch.mu.Lock()
	if ch.state == StateClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = StateFailed
	ch.termErr = err
	ch.mu.Unlock()
	ch.logger.Error().Err(err).Msg("channel failed")
	ch.emit(model.ChannelEvent{Kind: model.EventError, Err: err})
}

func (ch *Channel) setState(s State) {
	ch.mu.Lock()
	if ch.state != StateClosed && ch.state != StateFailed {
		ch.state = s
	}
	ch.mu.Unlock()
}

func (ch *Channel) emit(ev model.ChannelEvent) {
	select {
	case ch.events <- ev:
	default:
		ch.logger.Warn().Int("kind", int(ev.Kind)).Msg("event dropped, consumer too slow")
	}
}

// State reports the current connection phase.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Err is the terminal error after StateFailed, nil otherwise.
func (ch *Channel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.termErr
}

// Messages returns a copy of the ordered message list.
func (ch *Channel) Messages() []model.ChatMessage {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]model.ChatMessage, len(ch.messages))
	copy(out, ch.messages)
	return out
}

// Unread returns the current unread counter.
func (ch *Channel) Unread() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.unread
}

// TypingUsers returns the display names currently typing.
func (ch *Channel) TypingUsers() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]string, 0, len(ch.typing))
	for name := range ch.typing {
		out = append(out, name)
	}
	return out
}

// ReconnectAttempt reports how many reconnects have been scheduled since
// the last successful open.
func (ch *Channel) ReconnectAttempt() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.attempt
}
