// Package discount evaluates discount definitions against a cart. It is
// pure: nothing here reads or writes storage, and usage counting belongs
// to the unit of work that commits the sale.
package discount

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/domain"
)

var (
	ErrExpired      = errors.New("discount expired or not yet active")
	ErrExhausted    = errors.New("discount usage limit reached")
	ErrInactive     = errors.New("discount inactive")
	ErrInvalidValue = errors.New("discount value out of range")
	ErrUnknownType  = errors.New("unknown discount type")
)

var hundred = decimal.NewFromInt(100)

// Strategy computes the discount amount for a structural discount type
// from the cart lines it matches. Implementations must not mutate lines.
type Strategy interface {
	AmountFor(d domain.Discount, lines []domain.LineItem) decimal.Decimal
}

// Evaluator validates discounts and computes amounts. Strategies for
// structural types are registered at construction.
type Evaluator struct {
	strategies map[string]Strategy
}

func NewEvaluator() *Evaluator {
	return &Evaluator{
		strategies: map[string]Strategy{
			domain.DiscountBuyXGetY: buyXGetY{},
		},
	}
}

// Register installs or replaces the strategy for a discount type.
func (e *Evaluator) Register(discountType string, s Strategy) {
	e.strategies[discountType] = s
}

// Validate reports whether the discount may be applied right now. It does
// not look at the cart.
func (e *Evaluator) Validate(d domain.Discount, now time.Time) error {
	if !d.Active {
		return ErrInactive
	}
	if now.Before(d.StartsAt) || now.After(d.EndsAt) {
		return ErrExpired
	}
	if d.MaxUses > 0 && d.TimesUsed >= d.MaxUses {
		return ErrExhausted
	}
	switch d.Type {
	case domain.DiscountPercentage:
		if d.Value.IsNegative() || d.Value.GreaterThan(hundred) {
			return fmt.Errorf("%w: percentage %s", ErrInvalidValue, d.Value)
		}
	case domain.DiscountFixed:
		if d.Value.IsNegative() {
			return fmt.Errorf("%w: amount %s", ErrInvalidValue, d.Value)
		}
	case domain.DiscountBuyXGetY:
		if d.BuyQuantity <= 0 || d.GetQuantity <= 0 {
			return fmt.Errorf("%w: buy %d get %d", ErrInvalidValue, d.BuyQuantity, d.GetQuantity)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, d.Type)
	}
	return nil
}

// AmountFor computes the discount amount for the given subtotal and cart
// lines. The result is always within [0, subtotal].
func (e *Evaluator) AmountFor(d domain.Discount, subtotal decimal.Decimal, lines []domain.LineItem) (decimal.Decimal, error) {
	var amount decimal.Decimal
	switch d.Type {
	case domain.DiscountPercentage:
		amount = subtotal.Mul(d.Value).Div(hundred).Round(2)
	case domain.DiscountFixed:
		amount = d.Value
	default:
		strategy, ok := e.strategies[d.Type]
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownType, d.Type)
		}
		amount = strategy.AmountFor(d, lines)
	}
	if amount.IsNegative() {
		return decimal.Zero, nil
	}
	if amount.GreaterThan(subtotal) {
		return subtotal, nil
	}
	return amount, nil
}

// buyXGetY makes the cheapest eligible units free: for every full group of
// buy+get units of the discount's product, get units are discounted at the
// line's unit price.
type buyXGetY struct{}

func (buyXGetY) AmountFor(d domain.Discount, lines []domain.LineItem) decimal.Decimal {
	total := decimal.Zero
	groupSize := d.BuyQuantity + d.GetQuantity
	for _, line := range lines {
		if d.ProductID != "" && line.ProductID != d.ProductID {
			continue
		}
		groups := line.Quantity / groupSize
		if groups == 0 {
			continue
		}
		freeUnits := groups * d.GetQuantity
		total = total.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(freeUnits))))
	}
	return total
}
