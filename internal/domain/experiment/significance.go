// Package experiment decides whether one message variant outperforms another.
package experiment

import (
	"errors"
	"fmt"
	"math"

	"github.com/target/mmk-dispatch/internal/domain/model"
)

const (
	// DefaultAlpha is the two-tailed significance threshold.
	DefaultAlpha = 0.05
	// DefaultMinSampleSize is the smallest per-variant denominator that can be significant.
	DefaultMinSampleSize = 30
)

// ErrInconsistentCounts indicates a numerator larger than its denominator.
var ErrInconsistentCounts = errors.New("metric numerator exceeds denominator")

// Reason explains a non-significant result.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonNoSamples      Reason = "no_samples"
	ReasonBelowMinSample Reason = "below_min_sample"
	ReasonNoVariance     Reason = "no_variance"
	ReasonAboveAlpha     Reason = "p_value_above_alpha"
)

// Evaluator runs a pooled two-proportion z-test.
type Evaluator struct {
	Alpha         float64
	MinSampleSize int64
}

// NewEvaluator fills non-positive settings with defaults.
func NewEvaluator(alpha float64, minSampleSize int64) Evaluator {
	if alpha <= 0 || alpha >= 1 {
		alpha = DefaultAlpha
	}
	if minSampleSize <= 0 {
		minSampleSize = DefaultMinSampleSize
	}
	return Evaluator{Alpha: alpha, MinSampleSize: minSampleSize}
}

// Result is the verdict for one metric across two variants.
type Result struct {
	Metric        model.Metric `json:"metric"`
	VariantA      string       `json:"variant_a"`
	VariantB      string       `json:"variant_b"`
	SampleA       int64        `json:"sample_a"`
	SampleB       int64        `json:"sample_b"`
	RateA         float64      `json:"rate_a"`
	RateB         float64      `json:"rate_b"`
	ZScore        float64      `json:"z_score"`
	PValue        float64      `json:"p_value"`
	IsSignificant bool         `json:"is_significant"`
	// Winner is the label of the better variant, empty unless significant.
	Winner string `json:"winner,omitempty"`
	Reason Reason `json:"reason,omitempty"`
}

// Evaluate compares metric between a and b.
func (e Evaluator) Evaluate(a, b model.VariantAggregate, metric model.Metric) (Result, error) {
	xA, nA, err := a.Counts.Ratio(metric)
	if err != nil {
		return Result{}, err
	}
	xB, nB, err := b.Counts.Ratio(metric)
	if err != nil {
		return Result{}, err
	}
	if xA > nA || xB > nB {
		return Result{}, fmt.Errorf("%w: %s %d/%d vs %d/%d", ErrInconsistentCounts, metric, xA, nA, xB, nB)
	}

	res := Result{
		Metric:   metric,
		VariantA: a.Variant,
		VariantB: b.Variant,
		SampleA:  nA,
		SampleB:  nB,
		PValue:   1,
	}
	if nA == 0 || nB == 0 {
		res.Reason = ReasonNoSamples
		return res, nil
	}

	pA := float64(xA) / float64(nA)
	pB := float64(xB) / float64(nB)
	res.RateA, res.RateB = pA, pB

	pooled := float64(xA+xB) / float64(nA+nB)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(nA) + 1/float64(nB)))
	if se == 0 {
		res.Reason = ReasonNoVariance
		return res, nil
	}

	res.ZScore = (pB - pA) / se
	res.PValue = math.Min(1, math.Max(0, 2*(1-NormalCDF(math.Abs(res.ZScore)))))

	switch {
	case min(nA, nB) < e.minSample():
		res.Reason = ReasonBelowMinSample
	case res.PValue >= e.alpha():
		res.Reason = ReasonAboveAlpha
	default:
		res.IsSignificant = true
		res.Winner = a.Variant
		if pB > pA {
			res.Winner = b.Variant
		}
	}
	return res, nil
}

func (e Evaluator) alpha() float64 {
	if e.Alpha <= 0 || e.Alpha >= 1 {
		return DefaultAlpha
	}
	return e.Alpha
}

func (e Evaluator) minSample() int64 {
	if e.MinSampleSize <= 0 {
		return DefaultMinSampleSize
	}
	return e.MinSampleSize
}

// NormalCDF is the standard normal cumulative distribution function,
// Abramowitz and Stegun 26.2.17 (absolute error below 7.5e-8).
func NormalCDF(x float64) float64 {
	if x < 0 {
		return 1 - NormalCDF(-x)
	}
	const (
		p  = 0.2316419
		b1 = 0.319381530
		b2 = -0.356563782
		b3 = 1.781477937
		b4 = -1.821255978
		b5 = 1.330274429
	)
	t := 1 / (1 + p*x)
	pdf := math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
	poly := t * (b1 + t*(b2+t*(b3+t*(b4+t*b5))))
	return 1 - pdf*poly
}
