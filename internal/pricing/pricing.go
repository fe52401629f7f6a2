// Package pricing resolves model identifiers to token-price schedules and
// computes per-request USD cost.
package pricing

import (
	"math"
	"strings"
)

// Tier is one step of a piecewise-constant price. UpTo is the cumulative
// token count (within a single request) the tier covers; UpTo <= 0 marks
// the terminal, unbounded tier.
type Tier struct {
	UpTo       int64
	PerMillion float64
}

// Price is either a flat USD-per-million rate or an ordered tier list.
// A nil Tiers slice means flat.
type Price struct {
	Flat  float64
	Tiers []Tier
}

// FlatPrice returns a flat price.
func FlatPrice(perMillion float64) Price {
	return Price{Flat: perMillion}
}

// TieredPrice returns a tiered price. Tiers must be sorted by UpTo
// ascending with the last tier unbounded.
func TieredPrice(tiers ...Tier) Price {
	return Price{Tiers: tiers}
}

// Charge computes the USD cost of tokens under this price. Tier
// thresholds apply per request, not cumulatively across requests.
func (p Price) Charge(tokens int64) float64 {
	if tokens <= 0 {
		return 0
	}
	if len(p.Tiers) == 0 {
		return float64(tokens) / 1_000_000 * p.Flat
	}

	var cost float64
	var prev int64
	remaining := tokens
	for _, tier := range p.Tiers {
		if remaining <= 0 {
			break
		}
		span := remaining
		if tier.UpTo > 0 {
			if width := tier.UpTo - prev; width < span {
				span = width
			}
			prev = tier.UpTo
		}
		cost += float64(span) / 1_000_000 * tier.PerMillion
		remaining -= span
	}
	return cost
}

// Schedule gives the price for each of the four token classes.
type Schedule struct {
	Input      Price
	Output     Price
	CacheWrite Price
	CacheRead  Price
}

// Entry binds a family pattern to a schedule. Patterns are matched as
// lowercase substrings of the model identifier, in table order.
type Entry struct {
	Pattern  string
	Schedule Schedule
}

// Table is an ordered pricing table. The entry whose pattern first occurs
// as a substring of the lowercased model name wins; the "default" entry
// is the terminal fallback.
type Table []Entry

// Resolve returns the schedule for a model identifier.
func (t Table) Resolve(model string) Schedule {
	name := strings.ToLower(strings.TrimSpace(model))
	var fallback Schedule
	for _, entry := range t {
		if entry.Pattern == "default" {
			fallback = entry.Schedule
			continue
		}
		if strings.Contains(name, entry.Pattern) {
			return entry.Schedule
		}
	}
	return fallback
}

// Cost computes the total USD cost for a request, rounded to 8 decimals.
func (t Table) Cost(model string, inputTokens, outputTokens, cacheCreationTokens, cacheReadTokens int64) float64 {
	schedule := t.Resolve(model)
	total := schedule.Input.Charge(inputTokens) +
		schedule.Output.Charge(outputTokens) +
		schedule.CacheWrite.Charge(cacheCreationTokens) +
		schedule.CacheRead.Charge(cacheReadTokens)
	return math.Round(total*1e8) / 1e8
}

// longContextThreshold is where Sonnet 4.5 switches to long-context rates.
const longContextThreshold = 200_000

// Default is the built-in pricing table, USD per million tokens.
// Most-specific patterns come first; resolution is ordered substring match.
var Default = Table{
	{
		Pattern: "claude-sonnet-4-5",
		Schedule: Schedule{
			Input:      TieredPrice(Tier{UpTo: longContextThreshold, PerMillion: 3.00}, Tier{PerMillion: 6.00}),
			Output:     TieredPrice(Tier{UpTo: longContextThreshold, PerMillion: 15.00}, Tier{PerMillion: 22.50}),
			CacheWrite: TieredPrice(Tier{UpTo: longContextThreshold, PerMillion: 3.75}, Tier{PerMillion: 7.50}),
			CacheRead:  TieredPrice(Tier{UpTo: longContextThreshold, PerMillion: 0.30}, Tier{PerMillion: 0.60}),
		},
	},
	{
		Pattern: "claude-opus-4-1",
		Schedule: Schedule{
			Input:      FlatPrice(15.00),
			Output:     FlatPrice(75.00),
			CacheWrite: FlatPrice(18.75),
			CacheRead:  FlatPrice(1.50),
		},
	},
	{
		Pattern: "claude-opus-4",
		Schedule: Schedule{
			Input:      FlatPrice(15.00),
			Output:     FlatPrice(75.00),
			CacheWrite: FlatPrice(18.75),
			CacheRead:  FlatPrice(1.50),
		},
	},
	{
		Pattern: "claude-haiku-4-5",
		Schedule: Schedule{
			Input:      FlatPrice(1.00),
			Output:     FlatPrice(5.00),
			CacheWrite: FlatPrice(1.25),
			CacheRead:  FlatPrice(0.10),
		},
	},
	{
		Pattern: "claude-sonnet-4",
		Schedule: Schedule{
			Input:      FlatPrice(3.00),
			Output:     FlatPrice(15.00),
			CacheWrite: FlatPrice(3.75),
			CacheRead:  FlatPrice(0.30),
		},
	},
	{
		Pattern: "claude-3-5-sonnet",
		Schedule: Schedule{
			Input:      FlatPrice(3.00),
			Output:     FlatPrice(15.00),
			CacheWrite: FlatPrice(3.75),
			CacheRead:  FlatPrice(0.30),
		},
	},
	{
		Pattern: "claude-3-5-haiku",
		Schedule: Schedule{
			Input:      FlatPrice(1.00),
			Output:     FlatPrice(5.00),
			CacheWrite: FlatPrice(1.25),
			CacheRead:  FlatPrice(0.10),
		},
	},
	{
		Pattern: "claude-3-opus",
		Schedule: Schedule{
			Input:      FlatPrice(15.00),
			Output:     FlatPrice(75.00),
			CacheWrite: FlatPrice(18.75),
			CacheRead:  FlatPrice(1.50),
		},
	},
	{
		Pattern: "claude-3-sonnet",
		Schedule: Schedule{
			Input:      FlatPrice(3.00),
			Output:     FlatPrice(15.00),
			CacheWrite: FlatPrice(3.75),
			CacheRead:  FlatPrice(0.30),
		},
	},
	{
		Pattern: "claude-3-haiku",
		Schedule: Schedule{
			Input:      FlatPrice(0.25),
			Output:     FlatPrice(1.25),
			CacheWrite: FlatPrice(0.30),
			CacheRead:  FlatPrice(0.03),
		},
	},
	{
		Pattern: "default",
		Schedule: Schedule{
			Input:      FlatPrice(3.00),
			Output:     FlatPrice(15.00),
			CacheWrite: FlatPrice(3.75),
			CacheRead:  FlatPrice(0.30),
		},
	},
}

// Cost computes cost against the default table.
func Cost(model string, inputTokens, outputTokens, cacheCreationTokens, cacheReadTokens int64) float64 {
	return Default.Cost(model, inputTokens, outputTokens, cacheCreationTokens, cacheReadTokens)
}
