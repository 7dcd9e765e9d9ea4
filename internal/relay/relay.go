// Package relay implements ChatRelay: the client side of a channel chat.
// A Relay owns one socket connection and at most one topic subscription;
// it publishes chat messages and yields the messages broadcast on the topic.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omochice/channel-relay/internal/transport/ws"
	"github.com/omochice/channel-relay/pkg/protocol"
)

// Defaults for Options.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultLeaveTimeout      = 2 * time.Second
	DefaultOutboxSize        = 64
	DefaultInboxSize         = 64
)

const writeTimeout = 10 * time.Second

// Conn is the transport a Relay runs on.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Options configures a Relay.
type Options struct {
	// HeartbeatInterval between heartbeats; zero disables them.
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	// LeaveTimeout bounds the leave performed by Close.
	LeaveTimeout time.Duration
	OutboxSize   int
	InboxSize    int
	// Params are extra connect parameters sent alongside the token.
	Params url.Values
	Logger *slog.Logger
}

// Option mutates Options.
type Option func(*Options)

func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *Options) { o.HeartbeatInterval = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *Options) { o.DialTimeout = d }
}

func WithLeaveTimeout(d time.Duration) Option {
	return func(o *Options) { o.LeaveTimeout = d }
}

func WithOutboxSize(n int) Option {
	return func(o *Options) { o.OutboxSize = n }
}

func WithInboxSize(n int) Option {
	return func(o *Options) { o.InboxSize = n }
}

func WithParams(params url.Values) Option {
	return func(o *Options) { o.Params = params }
}

func WithLogger(log *slog.Logger) Option {
	return func(o *Options) { o.Logger = log }
}

func defaultOptions() Options {
	return Options{
		HeartbeatInterval: DefaultHeartbeatInterval,
		DialTimeout:       DefaultDialTimeout,
		LeaveTimeout:      DefaultLeaveTimeout,
		OutboxSize:        DefaultOutboxSize,
		InboxSize:         DefaultInboxSize,
		Logger:            slog.Default(),
	}
}

// Relay is a connected chat relay.
type Relay struct {
	endpoint string
	opts     Options
	log      *slog.Logger
	conn     Conn

	state  atomic.Int32
	refs   atomic.Uint64
	outbox chan []byte

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu           sync.Mutex
	pending      map[string]chan protocol.Frame
	sub          *Subscription
	heartbeatRef string
	err          error
}

// Connect dials endpoint, passing token as a connect parameter, and
// starts the relay. Failures are returned as *ConnectionError.
func Connect(ctx context.Context, endpoint, token string, opts ...Option) (*Relay, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	params := url.Values{}
	for k, vs := range o.Params {
		params[k] = append([]string(nil), vs...)
	}
	if token != "" {
		params.Set("token", token)
	}

	r := newRelay(endpoint, o)
	r.state.Store(int32(ConnConnecting))
	r.log.Debug("Connecting")

	conn, err := ws.Dial(ctx, endpoint, params, o.DialTimeout)
	if err != nil {
		r.state.Store(int32(ConnDisconnected))
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}
	r.start(conn)
	return r, nil
}

func newRelay(endpoint string, o Options) *Relay {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = DefaultOutboxSize
	}
	if o.InboxSize <= 0 {
		o.InboxSize = DefaultInboxSize
	}
	return &Relay{
		endpoint: endpoint,
		opts:     o,
		log:      o.Logger.With("endpoint", endpoint),
		outbox:   make(chan []byte, o.OutboxSize),
		done:     make(chan struct{}),
		pending:  make(map[string]chan protocol.Frame),
	}
}

func (r *Relay) start(conn Conn) {
	r.conn = conn
	r.state.Store(int32(ConnConnected))
	r.log.Info("Connected")

	r.wg.Add(2)
	go r.readLoop()
	go r.writeLoop()
	if r.opts.HeartbeatInterval > 0 {
		r.wg.Add(1)
		go r.heartbeatLoop()
	}
}

// State returns the connection state.
func (r *Relay) State() ConnState {
	return ConnState(r.state.Load())
}

// Done is closed once the relay has shut down.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Err returns why the relay shut down, nil while it runs. After Close it
// is ErrClosed.
func (r *Relay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Subscription returns the current subscription, if any.
func (r *Relay) Subscription() *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sub
}

// Join joins topic and waits for the server's answer. On success the
// subscription is joined. A rejection returns *JoinRejectedError; a
// done ctx or a lost connection also fail the join. Only one subscription
// may be active at a time.
func (r *Relay) Join(ctx context.Context, topic string) (*Subscription, error) {
	if r.closed() {
		return nil, ErrClosed
	}

	ref := r.nextRef()
	reply := make(chan protocol.Frame, 1)

	r.mu.Lock()
	if r.sub != nil && r.sub.active() {
		r.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	sub := newSubscription(r, topic, ref, r.opts.InboxSize)
	r.sub = sub
	r.pending[ref] = reply
	r.mu.Unlock()

	log := r.log.With("topic", topic)
	log.Debug("Joining")

	join := protocol.Frame{JoinRef: ref, Ref: ref, Topic: topic, Event: protocol.EventJoin}
	if err := r.push(ctx, join); err != nil {
		r.forget(ref)
		sub.fail(err)
		return nil, err
	}

	select {
	case <-reply:
		return r.joinResult(log, sub)
	case <-ctx.Done():
		if sub.fail(ctx.Err()) {
			r.forget(ref)
			r.abandon(sub)
			return nil, ctx.Err()
		}
		// The reply was resolved first; it is already on its way.
		select {
		case <-reply:
		case <-r.done:
		}
		return r.joinResult(log, sub)
	case <-r.done:
		sub.teardown(r.Err())
		return nil, fmt.Errorf("join %q: %w", topic, r.Err())
	}
}

// joinResult reads the outcome the read loop recorded on sub.
func (r *Relay) joinResult(log *slog.Logger, sub *Subscription) (*Subscription, error) {
	if sub.State() == JoinJoined {
		log.Info("Joined successfully")
		return sub, nil
	}
	err := sub.Err()
	if err == nil {
		err = ErrClosed
	}
	log.Warn("Unable to join", "error", err)
	return nil, err
}

// abandon leaves a join whose reply nobody waits for anymore, so the
// server does not keep the membership.
func (r *Relay) abandon(sub *Subscription) {
	leave := protocol.Frame{JoinRef: sub.joinRef, Ref: r.nextRef(), Topic: sub.topic, Event: protocol.EventLeave}
	if err := r.push(context.Background(), leave); err != nil {
		r.log.Debug("Unable to leave abandoned join", "topic", sub.topic, "error", err)
	}
}

// JoinAsync runs Join in the background and reports the outcome to
// exactly one of onJoined and onError.
func (r *Relay) JoinAsync(ctx context.Context, topic string, onJoined func(*Subscription), onError func(error)) {
	go func() {
		sub, err := r.Join(ctx, topic)
		if err != nil {
			onError(err)
			return
		}
		onJoined(sub)
	}()
}

// Send publishes a chat message on the joined topic without waiting for
// it to be written. It returns ErrNotJoined unless a subscription is
// joined and ErrOutboxFull when writes are falling behind.
func (r *Relay) Send(author, body string) error {
	if r.closed() {
		return ErrClosed
	}
	r.mu.Lock()
	sub := r.sub
	r.mu.Unlock()
	if sub == nil || sub.State() != JoinJoined {
		return ErrNotJoined
	}

	frame := protocol.Frame{
		JoinRef: sub.joinRef,
		Ref:     r.nextRef(),
		Topic:   sub.topic,
		Event:   protocol.EventNewMessage,
		Payload: ChatMessage{Author: author, Body: body}.payload(),
	}
	data, err := frame.Encode()
	if err != nil {
		return err
	}

	select {
	case r.outbox <- data:
		return nil
	case <-r.done:
		return ErrClosed
	default:
		return ErrOutboxFull
	}
}

// Close leaves the active subscription, closes the connection and waits
// for the relay's goroutines. It is safe to call more than once. Close
// must not be called from a message handler running on Each.
func (r *Relay) Close() error {
	if !r.closed() {
		if sub := r.Subscription(); sub != nil && sub.State() == JoinJoined {
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.LeaveTimeout)
			if err := sub.Leave(ctx); err != nil {
				r.log.Debug("Leave on close", "error", err)
			}
			cancel()
		}
		r.shutdown(ErrClosed)
	}
	r.wg.Wait()
	return nil
}

func (r *Relay) closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Relay) shutdown(cause error) {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.err = cause
		sub := r.sub
		r.mu.Unlock()

		r.state.Store(int32(ConnDisconnected))
		close(r.done)
		if r.conn != nil {
			_ = r.conn.Close()
		}
		if sub != nil {
			sub.teardown(cause)
		}
		if errors.Is(cause, ErrClosed) {
			r.log.Info("Disconnected")
		} else {
			r.log.Warn("Connection lost", "error", cause)
		}
	})
}

func (r *Relay) nextRef() string {
	return strconv.FormatUint(r.refs.Add(1), 10)
}

func (r *Relay) forget(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, ref)
}

// push queues a control frame, waiting for outbox room until ctx is done.
func (r *Relay) push(ctx context.Context, f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	select {
	case r.outbox <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

// request sends f with a fresh ref and waits for the matching reply
// until ctx is done. The frame is queued even when ctx ends first, so the
// server always sees it.
func (r *Relay) request(ctx context.Context, f protocol.Frame) (protocol.Frame, error) {
	f.Ref = r.nextRef()
	reply := make(chan protocol.Frame, 1)

	r.mu.Lock()
	r.pending[f.Ref] = reply
	r.mu.Unlock()
	defer r.forget(f.Ref)

	if err := r.push(context.Background(), f); err != nil {
		return protocol.Frame{}, err
	}
	select {
	case rep := <-reply:
		if !rep.OK() {
			return rep, fmt.Errorf("%s on %q: %s", f.Event, f.Topic, rep.Payload.Reason)
		}
		return rep, nil
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	case <-r.done:
		return protocol.Frame{}, ErrClosed
	}
}

func (r *Relay) writeLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case data := <-r.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := r.conn.Write(ctx, data)
			cancel()
			if err != nil {
				r.shutdown(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

func (r *Relay) readLoop() {
	defer r.wg.Done()
	for {
		data, err := r.conn.Read(context.Background())
		if err != nil {
			r.shutdown(fmt.Errorf("read: %w", err))
			return
		}

		var f protocol.Frame
		if err := f.Decode(data); err != nil {
			r.log.Warn("Failed to decode frame", "error", err)
			continue
		}
		r.dispatch(f)
	}
}

// dispatch routes one inbound frame. It runs on the read loop only, so
// inbound messages keep their arrival order.
func (r *Relay) dispatch(f protocol.Frame) {
	r.mu.Lock()
	sub := r.sub
	var reply chan protocol.Frame
	if f.Event == protocol.EventReply {
		reply = r.pending[f.Ref]
		delete(r.pending, f.Ref)
		if f.Ref == r.heartbeatRef {
			r.heartbeatRef = ""
		}
	}
	r.mu.Unlock()

	if f.Event == protocol.EventReply {
		if sub != nil && f.Topic == sub.topic && f.Ref == sub.joinRef {
			sub.resolve(f)
		}
		if reply != nil {
			reply <- f
		}
		return
	}

	if sub == nil || f.Topic != sub.topic {
		r.log.Debug("Ignoring frame", "topic", f.Topic, "event", f.Event)
		return
	}

	switch f.Event {
	case protocol.EventNewMessage:
		if !sub.deliver(received(f.Payload)) {
			r.log.Warn("Inbox full, dropping message", "topic", f.Topic, "dropped", sub.Dropped())
		}
	case protocol.EventError:
		sub.teardown(ErrChannelError)
	case protocol.EventClose:
		sub.teardown(ErrChannelClosed)
	default:
		r.log.Debug("Ignoring event", "topic", f.Topic, "event", f.Event)
	}
}

func (r *Relay) heartbeatLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		if r.heartbeatRef != "" {
			r.mu.Unlock()
			r.shutdown(ErrHeartbeatTimeout)
			return
		}
		ref := r.nextRef()
		r.heartbeatRef = ref
		r.mu.Unlock()

		beat := protocol.Frame{Ref: ref, Topic: protocol.TopicPhoenix, Event: protocol.EventHeartbeat}
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.HeartbeatInterval)
		err := r.push(ctx, beat)
		cancel()
		if err != nil && !errors.Is(err, ErrClosed) {
			r.log.Warn("Failed to queue heartbeat", "error", err)
		}
	}
}
