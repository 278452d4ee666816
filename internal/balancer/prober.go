package balancer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/devrev/meshcoord/internal/model"
	"github.com/devrev/meshcoord/internal/store"
)

// Target identifies a node to probe
type Target struct {
	NodeID  string
	Address string
}

// Prober checks one node and reports its current load
type Prober interface {
	Probe(ctx context.Context, target Target) (model.NodeMetrics, error)
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context, target Target) (model.NodeMetrics, error)

// Probe implements Prober
func (f ProberFunc) Probe(ctx context.Context, target Target) (model.NodeMetrics, error) {
	return f(ctx, target)
}

// ErrNoLivenessRecord is returned when a node has no unexpired heartbeat record
var ErrNoLivenessRecord = errors.New("no liveness record")

// KVProber reads the heartbeat record each node keeps in the KV store
type KVProber struct {
	kv store.KVStore
}

// NewKVProber creates a prober backed by node liveness records
func NewKVProber(kv store.KVStore) *KVProber {
	return &KVProber{kv: kv}
}

// Probe implements Prober
func (p *KVProber) Probe(ctx context.Context, target Target) (model.NodeMetrics, error) {
	rec, err := store.GetNodeRecord(ctx, p.kv, target.NodeID)
	if errors.Is(err, store.ErrNotFound) {
		return model.NodeMetrics{}, fmt.Errorf("node %s: %w", target.NodeID, ErrNoLivenessRecord)
	}
	if err != nil {
		return model.NodeMetrics{}, err
	}
	return rec.Metrics, nil
}

// GRPCProber calls the standard gRPC health service on each node's address
type GRPCProber struct {
	service string
	opts    []grpc.DialOption
	logger  *zap.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCProber creates a prober checking service ("" for the whole server)
func NewGRPCProber(service string, logger *zap.Logger, opts ...grpc.DialOption) *GRPCProber {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCProber{
		service: service,
		opts:    opts,
		logger:  logger.Named("grpc-prober"),
		conns:   make(map[string]*grpc.ClientConn),
	}
}

func (p *GRPCProber) conn(address string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[address]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(address, p.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}
	p.conns[address] = c
	return c, nil
}

// Probe implements Prober. gRPC health carries no load figures, so the
// returned metrics are zero.
func (p *GRPCProber) Probe(ctx context.Context, target Target) (model.NodeMetrics, error) {
	c, err := p.conn(target.Address)
	if err != nil {
		return model.NodeMetrics{}, err
	}

	resp, err := healthpb.NewHealthClient(c).Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return model.NodeMetrics{}, fmt.Errorf("health check %s failed: %w", target.Address, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return model.NodeMetrics{}, fmt.Errorf("node %s is %s", target.NodeID, resp.GetStatus())
	}
	return model.NodeMetrics{}, nil
}

// Forget closes the cached connection for address
func (p *GRPCProber) Forget(address string) {
	p.mu.Lock()
	c, ok := p.conns[address]
	delete(p.conns, address)
	p.mu.Unlock()

	if ok {
		if err := c.Close(); err != nil {
			p.logger.Debug("Failed to close connection", zap.String("address", address), zap.Error(err))
		}
	}
}

// Close closes all cached connections
func (p *GRPCProber) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*grpc.ClientConn)
	p.mu.Unlock()

	var result error
	for address, c := range conns {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", address, err))
		}
	}
	return result
}

// ChainProber requires every prober to pass. Metrics come from the first
// prober; the rest only gate the result.
type ChainProber []Prober

// Probe implements Prober
func (c ChainProber) Probe(ctx context.Context, target Target) (model.NodeMetrics, error) {
	var metrics model.NodeMetrics
	for i, p := range c {
		m, err := p.Probe(ctx, target)
		if err != nil {
			return model.NodeMetrics{}, err
		}
		if i == 0 {
			metrics = m
		}
	}
	return metrics, nil
}

// Forget passes address on to every prober that caches per-node state
func (c ChainProber) Forget(address string) {
	for _, p := range c {
		if f, ok := p.(forgetter); ok {
			f.Forget(address)
		}
	}
}
