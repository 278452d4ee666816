package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipConfig holds gossip transport configuration
type GossipConfig struct {
	NodeID   string
	BindAddr string
	BindPort int
	Seeds    []string
	// RetransmitMult scales how many times a message is re-gossiped
	RetransmitMult int
}

// envelope is the on-wire form of a gossiped message
type envelope struct {
	ID      string `json:"id"`
	Channel string `json:"ch"`
	Payload []byte `json:"p"`
}

// GossipTransport implements Transport by broadcasting over memberlist.
// Messages are delivered locally as well, matching Redis semantics.
type GossipTransport struct {
	memberlist *memberlist.Memberlist
	broadcasts *memberlist.TransmitLimitedQueue
	seen       *lru.Cache[string, struct{}]
	logger     *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

// NewGossipTransport creates the memberlist and joins seed nodes
func NewGossipTransport(cfg GossipConfig, logger *zap.Logger) (*GossipTransport, error) {
	seen, err := lru.New[string, struct{}](4096)
	if err != nil {
		return nil, err
	}

	t := &GossipTransport{
		seen:     seen,
		logger:   logger.Named("gossip-pubsub"),
		handlers: make(map[string]Handler),
	}

	// Configure memberlist
	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.NodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.Delegate = t
	mlConfig.Events = &gossipEventDelegate{logger: t.logger}
	mlConfig.Logger = zap.NewStdLog(t.logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel)))

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	t.memberlist = ml

	retransmit := cfg.RetransmitMult
	if retransmit <= 0 {
		retransmit = mlConfig.RetransmitMult
	}
	t.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       ml.NumMembers,
		RetransmitMult: retransmit,
	}

	// Join seed nodes
	if len(cfg.Seeds) > 0 {
		if _, err := ml.Join(cfg.Seeds); err != nil {
			t.logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return t, nil
}

// LocalAddr returns the host:port other members can join on
func (t *GossipTransport) LocalAddr() string {
	node := t.memberlist.LocalNode()
	return fmt.Sprintf("%s:%d", node.Addr, node.Port)
}

// Members returns the names of live cluster members
func (t *GossipTransport) Members() []string {
	members := t.memberlist.Members()
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Name)
	}
	return names
}

// Publish gossips payload to the cluster and delivers it locally
func (t *GossipTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	env := envelope{ID: uuid.NewString(), Channel: channel, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal gossip message: %w", err)
	}

	t.seen.Add(env.ID, struct{}{})
	t.broadcasts.QueueBroadcast(&gossipBroadcast{msg: data})
	t.deliver(env)
	return nil
}

// Subscribe registers handler for channel
func (t *GossipTransport) Subscribe(ctx context.Context, channel string, handler Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	t.handlers[channel] = handler
	return nil
}

// Unsubscribe stops delivery for channel
func (t *GossipTransport) Unsubscribe(ctx context.Context, channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.handlers, channel)
	return nil
}

// Close leaves the cluster and shuts the memberlist down
func (t *GossipTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.handlers = make(map[string]Handler)
	t.mu.Unlock()

	if err := t.memberlist.Leave(time.Second); err != nil {
		t.logger.Warn("Failed to leave cluster cleanly", zap.Error(err))
	}
	return t.memberlist.Shutdown()
}

func (t *GossipTransport) deliver(env envelope) {
	t.mu.RLock()
	handler, ok := t.handlers[env.Channel]
	t.mu.RUnlock()

	if ok {
		dispatch(t.logger, env.Channel, env.Payload, handler)
	}
}

// NodeMeta implements memberlist.Delegate
func (t *GossipTransport) NodeMeta(limit int) []byte {
	return nil
}

// NotifyMsg implements memberlist.Delegate
func (t *GossipTransport) NotifyMsg(data []byte) {
	// memberlist reuses the buffer after this returns
	buf := make([]byte, len(data))
	copy(buf, data)

	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		t.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}
	if ok, _ := t.seen.ContainsOrAdd(env.ID, struct{}{}); ok {
		return
	}

	// re-gossip so members we haven't reached still get it
	t.broadcasts.QueueBroadcast(&gossipBroadcast{msg: buf})
	t.deliver(env)
}

// GetBroadcasts implements memberlist.Delegate
func (t *GossipTransport) GetBroadcasts(overhead, limit int) [][]byte {
	return t.broadcasts.GetBroadcasts(overhead, limit)
}

// LocalState implements memberlist.Delegate
func (t *GossipTransport) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (t *GossipTransport) MergeRemoteState(buf []byte, join bool) {}

type gossipBroadcast struct {
	msg []byte
}

func (b *gossipBroadcast) Invalidates(other memberlist.Broadcast) bool { return false }
func (b *gossipBroadcast) Message() []byte { return b.msg }
func (b *gossipBroadcast) Finished() {}

// gossipEventDelegate logs membership changes
type gossipEventDelegate struct {
	logger *zap.Logger
}

// NotifyJoin is called when a node joins
func (d *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Address()))
}

// NotifyLeave is called when a node leaves
func (d *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.logger.Info("Node left", zap.String("node_id", node.Name))
}

// NotifyUpdate is called when a node is updated
func (d *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.logger.Debug("Node updated", zap.String("node_id", node.Name))
}
