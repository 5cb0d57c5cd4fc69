package frontend

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pgdogdev/pgdog-sub003/internal/backend"
	"github.com/pgdogdev/pgdog-sub003/internal/wire"
)

// Notification is one delivered NOTIFY, handed to a listening session's deliver callback.
type Notification struct {
	Channel string
	Payload string
	PID     int32
}

// ListenRegistry is the process-wide pinned-listener-backend table §4.11's opt-in
// LISTEN/NOTIFY support describes: one dedicated backend connection per channel, shared
// by every session currently listening on it, with NOTIFY multicast to all of them.
type ListenRegistry struct {
	mu       sync.Mutex
	channels map[string]*listenChannel
	logger   *zap.Logger
}

type listenChannel struct {
	conn       *backend.Server
	shard      *backend.Shard
	listeners  map[*Session]chan<- Notification
	cancelPump context.CancelFunc
}

func NewListenRegistry(logger *zap.Logger) *ListenRegistry {
	return &ListenRegistry{channels: make(map[string]*listenChannel), logger: logger}
}

// Subscribe pins a listener backend for channel (dialing one on the given shard if this is
// the first subscriber) and registers sess to receive notifications on deliver.
func (lr *ListenRegistry) Subscribe(ctx context.Context, shard *backend.Shard, channel string, sess *Session, deliver chan<- Notification) error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	ch, ok := lr.channels[channel]
	if !ok {
		conn, err := shard.CheckoutPrimary(ctx)
		if err != nil {
			return err
		}
		if err := conn.Send(wire.EncodeQuery("LISTEN " + quoteIdent(channel))); err != nil {
			return err
		}
		if err := conn.Flush(); err != nil {
			return err
		}
		pumpCtx, cancel := context.WithCancel(context.Background())
		ch = &listenChannel{conn: conn, shard: shard, listeners: make(map[*Session]chan<- Notification), cancelPump: cancel}
		lr.channels[channel] = ch
		go lr.pump(pumpCtx, channel, ch)
	}
	ch.listeners[sess] = deliver
	return nil
}

// Unsubscribe removes sess from channel; when it was the last listener the pinned backend
// is released and the LISTEN session torn down.
func (lr *ListenRegistry) Unsubscribe(channel string, sess *Session) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	ch, ok := lr.channels[channel]
	if !ok {
		return
	}
	delete(ch.listeners, sess)
	if len(ch.listeners) == 0 {
		ch.cancelPump()
		ch.shard.ReturnServer(ch.conn)
		delete(lr.channels, channel)
	}
}

// pump reads NotificationResponse messages off the pinned backend and fans them out to
// every currently-subscribed session. It exits when ctx is canceled (on last-unsubscribe)
// or the connection errors.
func (lr *ListenRegistry) pump(ctx context.Context, channel string, ch *listenChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := ch.conn.Receive()
		if err != nil {
			lr.logger.Warn("listen pump connection error", zap.String("channel", channel), zap.Error(err))
			return
		}
		if msg.Kind() != wire.KindNotificationResponse {
			continue
		}
		v, err := wire.DecodeNotificationResponse(msg)
		if err != nil {
			continue
		}
		n := Notification{Channel: v.Channel, Payload: v.Payload, PID: v.BackendPID}

		lr.mu.Lock()
		targets := make([]chan<- Notification, 0, len(ch.listeners))
		for _, d := range ch.listeners {
			targets = append(targets, d)
		}
		lr.mu.Unlock()

		for _, d := range targets {
			select {
			case d <- n:
			default:
				// A slow listener drops a notification rather than stalling the pump for
				// every other subscriber on the channel.
			}
		}
	}
}

func quoteIdent(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			out = append(out, '"', '"')
			continue
		}
		out = append(out, s[i])
	}
	out = append(out, '"')
	return string(out)
}
