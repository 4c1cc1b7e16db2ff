package delta

import (
	"context"
	"sync"

	"delta-copy-trader/internal/config"

	"go.uber.org/zap"
)

// Pool hands out one RestClient per API key so each account keeps its own
// rate limiter across poll cycles. All clients share one exchange Clock.
type Pool struct {
	cfg    *config.Delta
	clock  *Clock
	logger *zap.Logger

	public  *RestClient
	catalog *Catalog

	mu      sync.Mutex
	clients map[string]*RestClient
}

func NewPool(cfg *config.Delta, logger *zap.Logger) *Pool {
	clock := NewClock()
	public := NewRestClient(cfg, Credentials{}, clock, logger.Named("delta"))
	return &Pool{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		public:  public,
		catalog: NewCatalog(public, logger.Named("catalog")),
		clients: make(map[string]*RestClient),
	}
}

// Client returns the client for creds, creating it on first use. A changed
// secret for a known key replaces the cached client.
func (p *Pool) Client(creds Credentials) RestClientInterface {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[creds.APIKey]; ok && c.creds.APISecret == creds.APISecret {
		return c
	}
	c := NewRestClient(p.cfg, creds, p.clock, p.logger.Named("delta"))
	p.clients[creds.APIKey] = c
	return c
}

func (p *Pool) Catalog() *Catalog { return p.catalog }

// SyncTime aligns the shared clock with the exchange.
func (p *Pool) SyncTime(ctx context.Context) error {
	serverTime, err := p.public.GetServerTime(ctx)
	if err != nil {
		return err
	}
	p.clock.Sync(serverTime)
	p.logger.Info("Exchange clock synced", zap.Duration("offset", p.clock.Offset()))
	return nil
}
