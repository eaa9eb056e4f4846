package math

import (
	"context"
	gomath "math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/GriffinCanCode/enclave/internal/callback"
)

// MaxValues caps the length of an input array.
const MaxValues = 1_000_000

// Provider computes statistics with gonum.
type Provider struct{}

// NewProvider creates a math provider.
func NewProvider() *Provider {
	return &Provider{}
}

// NumbersArgs carries a single series.
type NumbersArgs struct {
	Numbers []float64 `json:"numbers" jsonschema:"required"`
}

// PercentileArgs selects a percentile of a series.
type PercentileArgs struct {
	Numbers    []float64 `json:"numbers" jsonschema:"required"`
	Percentile float64   `json:"percentile" jsonschema:"required,minimum=0,maximum=100"`
}

// PairArgs carries two series of equal length.
type PairArgs struct {
	X []float64 `json:"x" jsonschema:"required"`
	Y []float64 `json:"y" jsonschema:"required"`
}

// Summary is returned by math.stats. Variance and stdev are sample
// statistics and are zero for fewer than two values.
type Summary struct {
	Count    int     `json:"count"`
	Sum      float64 `json:"sum"`
	Mean     float64 `json:"mean"`
	Median   float64 `json:"median"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Variance float64 `json:"variance"`
	Stdev    float64 `json:"stdev"`
}

// Callbacks returns math.stats, math.percentile, math.correlation and
// math.covariance.
func (p *Provider) Callbacks() []callback.Callback {
	return []callback.Callback{
		callback.Func("math.stats", "Summarize a series: count, sum, mean, median, min, max, variance, stdev", p.stats),
		callback.Func("math.percentile", "Compute a percentile (0-100) of a series", p.percentile),
		callback.Func("math.correlation", "Pearson correlation of two series", p.correlation),
		callback.Func("math.covariance", "Sample covariance of two series", p.covariance),
	}
}

func validate(xs []float64) error {
	if len(xs) == 0 {
		return callback.InvalidArguments("numbers must not be empty")
	}
	if len(xs) > MaxValues {
		return callback.InvalidArguments("too many numbers: %d > %d", len(xs), MaxValues)
	}
	for _, x := range xs {
		if gomath.IsNaN(x) || gomath.IsInf(x, 0) {
			return callback.InvalidArguments("numbers must be finite")
		}
	}
	return nil
}

func sorted(xs []float64) []float64 {
	s := slices.Clone(xs)
	slices.Sort(s)
	return s
}

func (p *Provider) stats(_ context.Context, args NumbersArgs) (any, error) {
	xs := args.Numbers
	if err := validate(xs); err != nil {
		return nil, err
	}
	s := sorted(xs)
	out := Summary{
		Count:  len(xs),
		Sum:    floats.Sum(xs),
		Mean:   stat.Mean(xs, nil),
		Median: stat.Quantile(0.5, stat.Empirical, s, nil),
		Min:    s[0],
		Max:    s[len(s)-1],
	}
	if len(xs) > 1 {
		out.Variance = stat.Variance(xs, nil)
		out.Stdev = gomath.Sqrt(out.Variance)
	}
	return out, nil
}

func (p *Provider) percentile(_ context.Context, args PercentileArgs) (any, error) {
	if err := validate(args.Numbers); err != nil {
		return nil, err
	}
	if args.Percentile < 0 || args.Percentile > 100 {
		return nil, callback.InvalidArguments("percentile must be between 0 and 100")
	}
	return stat.Quantile(args.Percentile/100, stat.Empirical, sorted(args.Numbers), nil), nil
}

func validatePair(args PairArgs) error {
	if err := validate(args.X); err != nil {
		return err
	}
	if err := validate(args.Y); err != nil {
		return err
	}
	if len(args.X) != len(args.Y) {
		return callback.InvalidArguments("x and y must have the same length")
	}
	if len(args.X) < 2 {
		return callback.InvalidArguments("need at least two pairs")
	}
	return nil
}

func (p *Provider) correlation(_ context.Context, args PairArgs) (any, error) {
	if err := validatePair(args); err != nil {
		return nil, err
	}
	r := stat.Correlation(args.X, args.Y, nil)
	if gomath.IsNaN(r) {
		return nil, callback.Failed("correlation is undefined for a constant series")
	}
	return r, nil
}

func (p *Provider) covariance(_ context.Context, args PairArgs) (any, error) {
	if err := validatePair(args); err != nil {
		return nil, err
	}
	return stat.Covariance(args.X, args.Y, nil), nil
}
