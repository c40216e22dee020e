package market

// CachedMarket is a resolved handle to one market, used by callers that add to
// the same market many times per iteration.
type CachedMarket struct {
	mp     *Marketplace
	market *Market
}

// CachedMarket locates a market once. The handle is valid for the life of the
// marketplace since markets are never destroyed mid-run.
func (mp *Marketplace) CachedMarket(good, region string, period int) (*CachedMarket, error) {
	m, err := mp.LocateMarket(good, region, period)
	if err != nil {
		return nil, err
	}
	return &CachedMarket{mp: mp, market: m}, nil
}

// Market returns the underlying market.
func (c *CachedMarket) Market() *Market { return c.market }

// AddToDemand accumulates demand under the marketplace lock.
func (c *CachedMarket) AddToDemand(q float64) {
	c.mp.mu.Lock()
	c.market.AddToDemand(q)
	c.mp.mu.Unlock()
}

// AddToSupply accumulates supply under the marketplace lock.
func (c *CachedMarket) AddToSupply(q float64) {
	c.mp.mu.Lock()
	c.market.AddToSupply(q)
	c.mp.mu.Unlock()
}

// Price returns the market price.
func (c *CachedMarket) Price() float64 {
	return c.market.Price()
}
