// Package rr implements the randomized-response decoder: pure functions that
// turn noisy bit counts back into an unbiased estimate with variance and
// confidence bounds. No I/O, no state — safe to call from any goroutine.
package rr

import "math"

// epsNum is the numerical floor below which a channel denominator is treated
// as degenerate (no usable signal).
const epsNum = 1e-9

// DefaultAlpha is the small Bayesian smoothing prior added to the raw
// estimate, trading a tiny bias for robustness at low counts.
const DefaultAlpha = 0.5

// Z80 and Z95 are the two-sided z-scores for 80% and 95% confidence intervals.
const (
	Z80 = 1.2816
	Z95 = 1.9599
)

// ProbTrue returns the randomized-response true/false-report probabilities
// for privacy parameter epsilon: p = e^epsilon / (1 + e^epsilon), q = 1-p.
func ProbTrue(epsilon float64) (p, q float64) {
	exp := math.Exp(epsilon)
	p = exp / (1 + exp)
	return p, 1 - p
}

// AdjustedProbability folds the client's sampling rate into the channel:
// non-responders default to a fair coin, so the effective channel blends the
// RR probabilities with 0.5 in proportion to (1-samplingRate).
func AdjustedProbability(epsilon, samplingRate float64) (pEff, qEff float64) {
	p, q := ProbTrue(epsilon)
	const baseline = 0.5
	pEff = samplingRate*p + (1-samplingRate)*baseline
	qEff = samplingRate*q + (1-samplingRate)*baseline
	return pEff, qEff
}

// UnbiasedEstimate converts a count of privatized "true" bits out of total
// reports into an unbiased estimate of the true count, plus its variance.
//
// D = p_eff - q_eff is the channel denominator; a denominator below epsNum
// means the channel carries no signal (p_eff ≈ q_eff), so the estimate and
// variance are both reported as zero rather than dividing by near-zero.
//
// The raw estimate E = (ones - total*q_eff) / D is smoothed by DefaultAlpha
// (or the caller-supplied alpha) and clamped into [0, total/max(samplingRate,
// epsNum)] — the estimate can never imply more true reporters than the
// sampled population could plausibly contain.
func UnbiasedEstimate(ones, total, epsilon, samplingRate, alpha float64) (estimate, variance float64) {
	pEff, qEff := AdjustedProbability(epsilon, samplingRate)
	d := pEff - qEff
	if math.Abs(d) < epsNum {
		return 0, 0
	}

	e := (ones - total*qEff) / d
	e += alpha

	upper := total / math.Max(samplingRate, epsNum)
	if e < 0 {
		e = 0
	} else if e > upper {
		e = upper
	}

	variance = total * pEff * (1 - pEff) / (d * d)
	return e, variance
}

// StandardError returns sqrt(max(variance, 0)).
func StandardError(variance float64) float64 {
	if variance < 0 {
		return 0
	}
	return math.Sqrt(variance)
}

// ConfidenceInterval returns [estimate - z*se, estimate + z*se].
func ConfidenceInterval(estimate, se, z float64) (low, high float64) {
	return estimate - z*se, estimate + z*se
}
