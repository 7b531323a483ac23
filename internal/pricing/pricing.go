// Package pricing holds the static token cost table and the token-pack catalog.
package pricing

import (
	"fmt"
	"sort"

	"github.com/bananafyi/tokens/pkg/models"
	"github.com/shopspring/decimal"
)

// costTable is the only copy of the per-operation unit costs.
var costTable = map[models.OperationType]decimal.Decimal{
	models.OperationOutline:           decimal.NewFromInt(5),
	models.OperationOutlineWithSearch: decimal.NewFromInt(10),
	models.OperationImagePrompts:      decimal.NewFromInt(1),
	models.OperationSlideSuggestions:  decimal.NewFromInt(1),
	models.OperationImage:             decimal.NewFromInt(35),
	models.OperationAttachedImage:     decimal.New(5, -1),
}

// CostOf returns the unit cost of op. Unknown operations are an error, never zero.
func CostOf(op models.OperationType) (decimal.Decimal, error) {
	cost, ok := costTable[op]
	if !ok {
		return decimal.Zero, fmt.Errorf("no cost defined for operation %q", op)
	}
	return cost, nil
}

// unitCost is CostOf for the operations this package prices itself.
func unitCost(op models.OperationType) decimal.Decimal {
	return costTable[op]
}

func times(cost decimal.Decimal, n int) decimal.Decimal {
	return cost.Mul(decimal.NewFromInt(int64(nonNegative(n))))
}

// OutlineCost is the cost of generating an outline, including the surcharge
// for every attached image.
func OutlineCost(useWebSearch bool, attachedImageCount int) decimal.Decimal {
	base := unitCost(models.OperationOutline)
	if useWebSearch {
		base = unitCost(models.OperationOutlineWithSearch)
	}
	return base.Add(times(unitCost(models.OperationAttachedImage), attachedImageCount))
}

// ImagePromptsCost is the cost of generating image prompts for slideCount slides.
func ImagePromptsCost(slideCount, visualImageCount int) decimal.Decimal {
	return times(unitCost(models.OperationImagePrompts), slideCount).
		Add(times(unitCost(models.OperationAttachedImage), visualImageCount))
}

// EstimatePresentationCost estimates a full deck: outline, image prompts and one
// image per slide. The title slide is counted on top of contentSlideCount.
func EstimatePresentationCost(contentSlideCount int, useWebSearch bool, contentImageCount, visualImageCount int) decimal.Decimal {
	totalSlides := nonNegative(contentSlideCount) + 1
	return OutlineCost(useWebSearch, contentImageCount).
		Add(ImagePromptsCost(totalSlides, visualImageCount)).
		Add(times(unitCost(models.OperationImage), totalSlides))
}

// Tokens converts a cost into whole ledger tokens, rounding fractions up.
func Tokens(cost decimal.Decimal) int64 {
	return cost.Ceil().IntPart()
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// Pack is a purchasable bundle of tokens.
type Pack struct {
	Type        models.PackType `json:"type"`
	Name        string          `json:"name"`
	Tokens      int64           `json:"tokens"`
	PriceCents  int64           `json:"price_cents"`
	Description string          `json:"description"`
}

// TokensPerDollar is the UI hint shown next to each pack.
func (p Pack) TokensPerDollar() decimal.Decimal {
	if p.PriceCents == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(p.Tokens).Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(p.PriceCents)).Round(1)
}

// Price returns the pack price in major currency units.
func (p Pack) Price() decimal.Decimal {
	return decimal.New(p.PriceCents, -2)
}

var packs = map[models.PackType]Pack{
	models.PackStarter: {
		Type:        models.PackStarter,
		Name:        "Starter Pack",
		Tokens:      1000,
		PriceCents:  499,
		Description: "About three full presentations",
	},
	models.PackStandard: {
		Type:        models.PackStandard,
		Name:        "Standard Pack",
		Tokens:      2500,
		PriceCents:  999,
		Description: "About eight full presentations",
	},
	models.PackPro: {
		Type:        models.PackPro,
		Name:        "Pro Pack",
		Tokens:      6000,
		PriceCents:  1999,
		Description: "About twenty full presentations",
	},
}

// PackFor looks up a pack by type. Pack values are copies.
func PackFor(t models.PackType) (Pack, bool) {
	p, ok := packs[t]
	return p, ok
}

// Packs returns a copy of the catalog ordered by price.
func Packs() []Pack {
	out := make([]Pack, 0, len(packs))
	for _, p := range packs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceCents < out[j].PriceCents })
	return out
}
