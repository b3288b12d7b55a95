package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-chatty/chatty-dm/internal/logger"
	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultRelayChannel = "chatty:messages"

// RelayOptions configures a RedisRelay.
type RelayOptions struct {
	Channel string
	// NodeID identifies this process; envelopes it published are not re-delivered locally.
	NodeID string
	Buffer int
	Logger *zap.Logger
}

// RedisRelay connects the local Bus to the buses of other nodes through a
// Redis pub/sub channel. Outbound messages are queued and published in order
// by Run; a full outbound queue drops the message, remote sessions recover it
// through gap detection and history backfill.
type RedisRelay struct {
	client  *redis.Client
	bus     *Bus
	channel string
	nodeID  string
	out     chan chat.Message
	log     *zap.Logger
}

type relayEnvelope struct {
	Origin  string       `json:"origin"`
	Message chat.Message `json:"message"`
}

func NewRedisRelay(client *redis.Client, bus *Bus, o RelayOptions) *RedisRelay {
	if o.Channel == "" {
		o.Channel = DefaultRelayChannel
	}
	if o.NodeID == "" {
		o.NodeID = uuid.NewString()
	}
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	return &RedisRelay{
		client:  client,
		bus:     bus,
		channel: o.Channel,
		nodeID:  o.NodeID,
		out:     make(chan chat.Message, o.Buffer),
		log:     logger.OrNop(o.Logger),
	}
}

func (r *RedisRelay) NodeID() string { return r.nodeID }

// Forward queues msg for publication to other nodes without blocking.
func (r *RedisRelay) Forward(msg chat.Message) bool {
	select {
	case r.out <- msg:
		return true
	default:
		r.log.Warn("relay queue full, message not forwarded",
			zap.String("conversation_id", msg.ConversationID),
			zap.Int64("seq", msg.Seq))
		return false
	}
}

// Run subscribes to the relay channel and pumps both directions until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	if r.client == nil {
		return errors.New("relay: nil redis client")
	}
	ps := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = ps.Close() }()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("relay: subscribe %s: %w", r.channel, err)
	}
	in := ps.Channel()
	r.log.Info("relay started", zap.String("channel", r.channel), zap.String("node_id", r.nodeID))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-r.out:
			if err := r.publish(ctx, msg); err != nil {
				r.log.Warn("relay publish failed",
					zap.String("conversation_id", msg.ConversationID),
					zap.Int64("seq", msg.Seq),
					zap.Error(err))
			}
		case m, ok := <-in:
			if !ok {
				return errors.New("relay: subscription closed")
			}
			r.handle([]byte(m.Payload))
		}
	}
}

func (r *RedisRelay) publish(ctx context.Context, msg chat.Message) error {
	payload, err := json.Marshal(relayEnvelope{Origin: r.nodeID, Message: msg})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// handle delivers an envelope from another node to the local bus.
func (r *RedisRelay) handle(payload []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.log.Warn("relay dropped malformed envelope", zap.Error(err))
		return
	}
	if env.Origin == r.nodeID {
		return
	}
	if err := env.Message.Validate(); err != nil {
		r.log.Warn("relay dropped invalid message", zap.Error(err))
		return
	}
	if r.bus != nil {
		r.bus.Publish(env.Message)
	}
}

// Fanout is the publisher used after a successful append: it hands the stored
// message to the local bus and, when a relay is configured, to other nodes.
type Fanout struct {
	bus   *Bus
	relay *RedisRelay
}

func NewFanout(bus *Bus, relay *RedisRelay) *Fanout {
	return &Fanout{bus: bus, relay: relay}
}

func (f *Fanout) Publish(_ context.Context, msg chat.Message) {
	if f.bus != nil {
		f.bus.Publish(msg)
	}
	if f.relay != nil {
		f.relay.Forward(msg)
	}
}
