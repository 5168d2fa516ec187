/*
report.go - Read-only projections over resources and the ledger

PURPOSE:
  Aggregations for dashboards and summaries: overdue loans, low-stock
  resources, total inventory value. The projector consumes the stores
  and the pure rules; it never mutates. Reads observe either the pre-
  or post-state of any single engine operation, never an interleaved
  half-applied one - the stores guard that at the record level and the
  engine commits atomically.
*/
package engine

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REPORT PROJECTOR
// =============================================================================

// Projector derives read-only reports from the stores.
type Projector struct {
	Store Store
}

func NewProjector(store Store) *Projector {
	return &Projector{Store: store}
}

// OverdueEntry pairs an overdue loan with its resource for display.
type OverdueEntry struct {
	Loan     Loan
	Resource Resource
}

// Summary is the dashboard roll-up over quantity-resources.
type Summary struct {
	ResourceCount int
	TotalValue    decimal.Decimal
	LowStockCount int
}

// OverdueList returns Active loans due strictly before today, paired
// with their resources, ordered by due date ascending then loan id for
// a stable listing.
func (p *Projector) OverdueList(ctx context.Context, today Date) ([]OverdueEntry, error) {
	loans, err := p.Store.ListLoans(ctx)
	if err != nil {
		return nil, err
	}

	var entries []OverdueEntry
	for _, l := range loans {
		if !IsOverdue(l, today) {
			continue
		}
		r, err := p.Store.GetResource(ctx, l.ResourceID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, OverdueEntry{Loan: l, Resource: r})
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Loan, entries[j].Loan
		if !a.DueDate.Equal(b.DueDate) {
			return a.DueDate.Before(b.DueDate)
		}
		return a.ID < b.ID
	})
	return entries, nil
}

// LowStockList returns non-retired quantity-resources at or below their
// minimum threshold, ordered by quantity ascending (most starved first).
func (p *Projector) LowStockList(ctx context.Context) ([]Resource, error) {
	resources, err := p.Store.ListResources(ctx)
	if err != nil {
		return nil, err
	}

	var low []Resource
	for _, r := range resources {
		if r.Retired {
			continue
		}
		if IsLowStock(r) {
			low = append(low, r)
		}
	}

	sort.Slice(low, func(i, j int) bool {
		if low[i].Quantity != low[j].Quantity {
			return low[i].Quantity < low[j].Quantity
		}
		return low[i].ID < low[j].ID
	})
	return low, nil
}

// Summary computes the roll-up: resource count, total inventory value
// (sum of quantity x unit value), and the low-stock count. Retired
// resources are excluded.
func (p *Projector) Summary(ctx context.Context) (Summary, error) {
	resources, err := p.Store.ListResources(ctx)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{TotalValue: decimal.Zero}
	for _, r := range resources {
		if r.Retired || r.Kind != KindQuantity {
			continue
		}
		s.ResourceCount++
		s.TotalValue = s.TotalValue.Add(r.UnitValue.Mul(decimal.NewFromInt(r.Quantity)))
		if IsLowStock(r) {
			s.LowStockCount++
		}
	}
	return s, nil
}
