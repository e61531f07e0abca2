// Package plan is the static catalog mapping Stripe price ids to billing
// plans. It is a pure lookup table: new tiers are added by table entry, never
// by code change, and the catalog is immutable after construction.
package plan

import "errors"

// ErrUnknownPlan is returned when a plan type has no catalog entry.
var ErrUnknownPlan = errors.New("unknown plan type")

// Plan type identifiers. Squad plans are annual with a flat fee plus a
// metered overage price; the individual plan is a single monthly price.
const (
	Individual = "individual_monthly"
	Pilot      = "pilot_annual"
	SmallSquad = "small_squad_annual"
	LargeSquad = "large_squad_annual"
	HighVolume = "high_volume_annual"
)

// SquadPlan describes the billing shape of one squad tier.
type SquadPlan struct {
	// Type is one of the plan type identifiers above.
	Type string

	// IncludedCharts is the pooled chart quota granted for the period.
	IncludedCharts int

	// FlatPriceID is the Stripe price id of the fixed annual fee. It is the
	// discriminator the webhook core uses to classify a subscription as squad.
	FlatPriceID string

	// OveragePriceID is the Stripe metered price billed above IncludedCharts.
	OveragePriceID string
}

// Catalog resolves price ids and plan types. The zero value is unusable; use
// NewCatalog or DefaultCatalog.
type Catalog struct {
	byFlatPrice map[string]SquadPlan
	byType      map[string]SquadPlan

	// individualPriceID is the single-line-item monthly price. Empty is fine
	// for webhook-only deployments: any unrecognized price is individual.
	individualPriceID string
}

// NewCatalog builds a catalog from squad plans plus the individual price id.
func NewCatalog(individualPriceID string, squadPlans []SquadPlan) *Catalog {
	c := &Catalog{
		byFlatPrice:       make(map[string]SquadPlan, len(squadPlans)),
		byType:            make(map[string]SquadPlan, len(squadPlans)),
		individualPriceID: individualPriceID,
	}
	for _, p := range squadPlans {
		c.byFlatPrice[p.FlatPriceID] = p
		c.byType[p.Type] = p
	}
	return c
}

// DefaultCatalog returns the production tiers.
func DefaultCatalog() *Catalog {
	return NewCatalog("", []SquadPlan{
		{Type: Pilot, IncludedCharts: 500, FlatPriceID: "price_1SsbjtDGtsD3DA0qlyXqkNZa"},
		{Type: SmallSquad, IncludedCharts: 2000, FlatPriceID: "price_1SsborDGtsD3DA0qHJ026v2h"},
		{Type: LargeSquad, IncludedCharts: 5000, FlatPriceID: "price_1SsbpWDGtsD3DA0qp0J1QvEx"},
		{Type: HighVolume, IncludedCharts: 10000, FlatPriceID: "price_1SsbpuDGtsD3DA0qDRTvC80j"},
	})
}

// Lookup returns the squad plan for a flat price id. ok is false for any
// other price, which callers treat as the individual plan, not as an error.
func (c *Catalog) Lookup(priceID string) (SquadPlan, bool) {
	p, ok := c.byFlatPrice[priceID]
	return p, ok
}

// IsSquadFlatPrice reports whether priceID is a known squad flat price.
func (c *Catalog) IsSquadFlatPrice(priceID string) bool {
	_, ok := c.byFlatPrice[priceID]
	return ok
}

// ByType returns the squad plan for a plan type identifier.
func (c *Catalog) ByType(planType string) (SquadPlan, bool) {
	p, ok := c.byType[planType]
	return p, ok
}

// IndividualPriceID returns the configured individual monthly price id.
func (c *Catalog) IndividualPriceID() string {
	return c.individualPriceID
}

// PlanTypeFor returns the plan type for a price id, falling back to the
// individual plan for anything unrecognized.
func (c *Catalog) PlanTypeFor(priceID string) string {
	if p, ok := c.byFlatPrice[priceID]; ok {
		return p.Type
	}
	return Individual
}

// IncludedChartsFor returns the chart quota for a price id, zero for
// non-squad prices.
func (c *Catalog) IncludedChartsFor(priceID string) int {
	if p, ok := c.byFlatPrice[priceID]; ok {
		return p.IncludedCharts
	}
	return 0
}
