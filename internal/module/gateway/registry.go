package gateway

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gatherly/ledger/internal/shared/config"
	"github.com/gatherly/ledger/internal/shared/metrics"
)

// Registry holds the available gateway implementations by name.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
	active   string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{gateways: make(map[string]Gateway)}
}

// Register adds a gateway implementation.
func (r *Registry) Register(gw Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[gw.Name()] = gw
}

// Get returns the gateway with the given name.
func (r *Registry) Get(name string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("gateway not registered: %s", name)
	}
	return gw, nil
}

// Active returns the gateway selected by configuration.
func (r *Registry) Active() (Gateway, error) {
	r.mu.RLock()
	active := r.active
	r.mu.RUnlock()
	return r.Get(active)
}

// NewFromConfig builds a registry containing the configured provider (plus
// the mock, which is always available) with the circuit breaker applied.
func NewFromConfig(cfg *config.GatewayConfig, m *metrics.Metrics, logger *zap.Logger) (*Registry, error) {
	r := NewRegistry()
	r.Register(NewMockGateway())

	switch cfg.Provider {
	case "paypal":
		gw, err := NewPayPalGateway(&cfg.PayPal)
		if err != nil {
			return nil, err
		}
		r.Register(WithBreaker(gw, cfg, m, logger))
	case "stripe":
		r.Register(WithBreaker(NewStripeGateway(&cfg.Stripe), cfg, m, logger))
	case "mock":
		// already registered
	default:
		return nil, fmt.Errorf("unknown gateway provider: %s", cfg.Provider)
	}

	r.mu.Lock()
	r.active = cfg.Provider
	r.mu.Unlock()
	return r, nil
}
