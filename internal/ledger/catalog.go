package ledger

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Package is a purchasable bundle of user credits.
type Package struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Credits  int64           `json:"credits"`
	PriceUSD decimal.Decimal `json:"priceUsd"`
}

// Catalog is the fixed set of credit packages offered to users.
type Catalog struct {
	byID map[string]Package
}

func DefaultPackages() []Package {
	return []Package{
		{ID: "starter", Name: "Starter", Credits: 10, PriceUSD: decimal.RequireFromString("4.99")},
		{ID: "creator", Name: "Creator", Credits: 50, PriceUSD: decimal.RequireFromString("19.99")},
		{ID: "studio", Name: "Studio", Credits: 120, PriceUSD: decimal.RequireFromString("44.99")},
		{ID: "agency", Name: "Agency", Credits: 300, PriceUSD: decimal.RequireFromString("99.99")},
	}
}

func NewCatalog(pkgs []Package) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Package, len(pkgs))}
	for _, p := range pkgs {
		if p.ID == "" || p.Credits <= 0 || !p.PriceUSD.IsPositive() {
			return nil, fmt.Errorf("invalid package %q", p.ID)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate package %q", p.ID)
		}
		c.byID[p.ID] = p
	}
	return c, nil
}

func (c *Catalog) Get(id string) (Package, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// List returns packages ordered by credit amount.
func (c *Catalog) List() []Package {
	out := make([]Package, 0, len(c.byID))
	for _, p := range c.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Credits < out[j].Credits })
	return out
}
