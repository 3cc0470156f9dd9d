package scoring

import "github.com/ShayCichocki/switchyard/pkg/models"

// Pricing is the blended cost per million tokens for a backend.
type Pricing struct {
	InputPerMillion  float64 `mapstructure:"input_per_million"`
	OutputPerMillion float64 `mapstructure:"output_per_million"`
	// OutputShare is the expected fraction of tokens that are output.
	OutputShare float64 `mapstructure:"output_share"`
}

// Blended returns the per-million price weighted by the output share.
func (p Pricing) Blended() float64 {
	share := p.OutputShare
	if share <= 0 || share > 1 {
		share = 0.25
	}
	return p.InputPerMillion*(1-share) + p.OutputPerMillion*share
}

// Pricer prices token counts for a backend.
type Pricer interface {
	Cost(backend models.Backend, tokens int) float64
}

// DefaultPricing is the built-in price table. The local tier is free.
var DefaultPricing = map[models.Backend]Pricing{
	models.BackendInteractive: {InputPerMillion: 3.00, OutputPerMillion: 15.00, OutputShare: 0.25},
	models.BackendParallel:    {InputPerMillion: 3.00, OutputPerMillion: 15.00, OutputShare: 0.25},
	models.BackendAPI:         {InputPerMillion: 0.80, OutputPerMillion: 4.00, OutputShare: 0.25},
	models.BackendLocal:       {},
}

// TablePricer prices from a static table; unknown backends cost nothing.
type TablePricer struct {
	Table map[models.Backend]Pricing
}

// NewTablePricer returns a pricer over table, falling back to DefaultPricing.
func NewTablePricer(table map[models.Backend]Pricing) *TablePricer {
	if len(table) == 0 {
		table = DefaultPricing
	}
	return &TablePricer{Table: table}
}

// Cost returns the USD cost of tokens on backend.
func (p *TablePricer) Cost(backend models.Backend, tokens int) float64 {
	if backend.IsFree() || tokens <= 0 {
		return 0
	}
	pr, ok := p.Table[backend]
	if !ok {
		return 0
	}
	return float64(tokens) / 1_000_000 * pr.Blended()
}
