package delta

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProductSource lists the live product catalog.
type ProductSource interface {
	GetProducts(ctx context.Context) ([]Product, error)
}

const minRefreshInterval = 30 * time.Second

// Catalog caches the symbol to product mapping. A lookup miss triggers a
// refresh, at most once per minRefreshInterval.
type Catalog struct {
	source ProductSource
	logger *zap.Logger

	mu          sync.RWMutex
	bySymbol    map[string]Product
	lastRefresh time.Time

	refreshMu sync.Mutex
	now       func() time.Time
}

func NewCatalog(source ProductSource, logger *zap.Logger) *Catalog {
	return &Catalog{
		source:   source,
		logger:   logger,
		bySymbol: make(map[string]Product),
		now:      time.Now,
	}
}

// Resolve returns the product for symbol.
func (c *Catalog) Resolve(ctx context.Context, symbol string) (Product, error) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if p, ok := c.lookup(key); ok {
		return p, nil
	}

	if err := c.refreshIfStale(ctx); err != nil {
		return Product{}, err
	}
	if p, ok := c.lookup(key); ok {
		return p, nil
	}
	return Product{}, &Error{Kind: KindUnknownSymbol, Message: fmt.Sprintf("symbol %q is not a live product", symbol)}
}

// Refresh reloads the catalog unconditionally.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bySymbol)
}

func (c *Catalog) lookup(key string) (Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.bySymbol[key]
	return p, ok
}

func (c *Catalog) refreshIfStale(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.RLock()
	fresh := !c.lastRefresh.IsZero() && c.now().Sub(c.lastRefresh) < minRefreshInterval
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	return c.refreshLocked(ctx)
}

func (c *Catalog) refreshLocked(ctx context.Context) error {
	products, err := c.source.GetProducts(ctx)
	if err != nil {
		return fmt.Errorf("refresh product catalog: %w", err)
	}

	bySymbol := make(map[string]Product, len(products))
	for _, p := range products {
		bySymbol[strings.ToUpper(p.Symbol)] = p
	}

	c.mu.Lock()
	c.bySymbol = bySymbol
	c.lastRefresh = c.now()
	c.mu.Unlock()

	c.logger.Info("Product catalog refreshed", zap.Int("products", len(bySymbol)))
	return nil
}
