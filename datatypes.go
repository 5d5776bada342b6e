// Project: Blockwise Estimation and Forecasting of the Common Component
// under a Generalized Dynamic Factor Model (GDFM)

package main

import (
	"gonum.org/v1/gonum/mat"
)

// Simple struct for a multivariate series, variables by rows and time by
// columns (p x n).
type Series struct {
	// Matrix for data, p x n
	X *mat.Dense
	// Time index, one entry per column
	Time []float64
	// List of variable names
	VarNames []string
}

// Which factor-space representation a model was fit for
type FactorRepresentation int

// Representation tags for the factor model
const (
	FactorNone FactorRepresentation = iota
	FactorRestricted
	FactorUnrestricted
)

// AcvTensor holds an autocovariance tensor Gamma[:,:,k] of a p-variate
// process: 2*MaxLag+1 slices of size p x p, where Slices[MaxLag+h] is the
// lag-h cross-covariance matrix and Gamma(-h) = Gamma(h)^T.
// Supplied by an external estimator and treated as immutable.
type AcvTensor struct {
	P      int
	MaxLag int
	Slices []*mat.Dense
}

// NewAcvTensor allocates a zeroed tensor for a p-variate process with lags
// -maxLag..maxLag.
func NewAcvTensor(p, maxLag int) *AcvTensor {
	slices := make([]*mat.Dense, 2*maxLag+1)
	for k := range slices {
		slices[k] = mat.NewDense(p, p, nil)
	}
	return &AcvTensor{P: p, MaxLag: maxLag, Slices: slices}
}

// Lag returns the lag-h slice, h in [-MaxLag, MaxLag].
func (g *AcvTensor) Lag(h int) *mat.Dense {
	if h < -g.MaxLag || h > g.MaxLag {
		panic("AcvTensor: lag out of range")
	}
	return g.Slices[g.MaxLag+h]
}

// Sub returns the tensor restricted to the given variable indices, i.e. the
// autocovariance tensor of the sub-process x[idx, :].
func (g *AcvTensor) Sub(idx []int) *AcvTensor {
	m := len(idx)
	out := NewAcvTensor(m, g.MaxLag)
	for k, slice := range g.Slices {
		dst := out.Slices[k]
		for i, ri := range idx {
			for j, cj := range idx {
				dst.Set(i, j, slice.At(ri, cj))
			}
		}
	}
	return out
}

// IRFTensor holds an impulse-response array: Slices[l] is the p x q response
// of the observed variables to the q orthogonalized shocks at lag l.
type IRFTensor struct {
	P, Q   int
	Slices []*mat.Dense
}

// NewIRFTensor allocates a zeroed p x q x lags tensor.
func NewIRFTensor(p, q, lags int) *IRFTensor {
	slices := make([]*mat.Dense, lags)
	for l := range slices {
		slices[l] = mat.NewDense(p, q, nil)
	}
	return &IRFTensor{P: p, Q: q, Slices: slices}
}

// Loadings returns the contemporaneous (lag-0) slice.
func (b *IRFTensor) Loadings() *mat.Dense { return b.Slices[0] }

// FactorModel is the model object consumed by the forecasting dispatcher.
// Factor tags which representation the model supports; Loadings/Factors are
// populated only for the unrestricted representation.
type FactorModel struct {
	// Per-variable mean used for centering
	MeanX []float64
	// Number of dynamic factors
	Q int
	// Which representation the model was fit for
	Factor FactorRepresentation

	// Autocovariance of the observed series (only the lag-0 slice is used)
	GammaX *AcvTensor
	// Autocovariance of the common component, lags up to its MaxLag
	GammaC *AcvTensor

	// Estimated impulse responses, p x q x (trunc.lags+2); unrestricted only
	Loadings *IRFTensor
	// Identified shocks, q x n with NaN warm-up columns; unrestricted only
	Factors *mat.Dense

	// Non-fatal conditions reported while fitting
	Warnings []string
}

// YuleWalkerSolution holds the blockwise VAR coefficients A (m x m*order)
// together with the right-hand side B and the block-Toeplitz matrix C of the
// normal equations A*C = B. B and C are reused by the order-selection
// criterion to avoid recomputation.
type YuleWalkerSolution struct {
	Order int
	A     *mat.Dense
	B     *mat.Dense
	C     *mat.SymDense
}

// OrderSelection holds the outcome of the BIC-style order search.
// Scores[0] is the order-0 (no dynamics) reference value log det Gamma(0);
// Scores[s] for s >= 1 is the criterion at order s. The selected order is
// always >= 1: order 0 is scored for reference but never selectable.
type OrderSelection struct {
	Order  int
	Scores []float64
}

// Options for the permutation-averaged IRF/shock estimator
type CommonShocksOptions struct {
	// Number of variable permutations to average over (permutation 1 is
	// always the identity). Defaults to 1.
	NPerm int

	// Truncation lag of the output IRF tensor; the tensor carries
	// TruncLags+2 slices. Defaults to min(20, n/4).
	TruncLags int

	// Fixed VAR order for every block; 0 selects the order per block by BIC
	VAROrder int

	// Maximum candidate order for the BIC search. Defaults to
	// min(10*log10(n), MaxLag of the supplied tensor).
	MaxVAROrder int

	// RNG seed for the permutation draws (if 0, a time-based seed is used)
	Seed int64
}

// CommonShocks is the estimator output: averaged impulse responses and
// averaged identified shocks.
type CommonShocks struct {
	// Averaged IRF tensor, p x q x (TruncLags+2)
	IRF *IRFTensor

	// Averaged shocks, q x n; the first MaxVAROrder columns are NaN
	// (estimation burn-in)
	Shocks *mat.Dense

	// Non-fatal conditions encountered during estimation
	Warnings []string
}

// How the restricted factor count r is chosen
type FactorCountMethod int

// Selection methods for the restricted representation
const (
	// Use PredictOptions.R as given
	CountFixed FactorCountMethod = iota
	// Eigenvalue-ratio test on the spectrum of Gamma_x(0)
	CountER
	// Defer to an external FactorNumberSelector (information criterion)
	CountIC
)

// FactorNumberSelector is the contract for the external factor-number
// selection routine: given the centered data and the lag-0 covariance of the
// observed series it returns a ranked list of candidate factor counts.
// Only candidate index 5 (1-based) is consumed here.
type FactorNumberSelector func(x *mat.Dense, covx *mat.Dense, maxR int) []int

// Options for the forecasting dispatcher
type PredictOptions struct {
	// Forecast horizon; clamped to the available lag range with a warning
	NAhead int

	// Requested representation; FactorNone defers to the model's tag
	Representation FactorRepresentation

	// Restricted factor count; 0 defers to Method. Always forced >= q.
	R int

	// How to choose r when R == 0 (restricted representation only)
	Method FactorCountMethod

	// Upper bound of the factor-count search; clamped to p-1.
	// Defaults to min(50, p-1).
	MaxR int

	// External selector consumed by CountIC
	Selector FactorNumberSelector
}

// CommonPrediction holds the in-sample reconstruction and forecast of the
// common component, both in centered coordinates.
type CommonPrediction struct {
	// In-sample common component estimate, p x n
	InSample *mat.Dense

	// Forecast, p x NAhead
	Forecast *mat.Dense

	// Horizon actually used (after clamping)
	NAhead int

	// Restricted factor count used; 0 for the unrestricted path
	R int

	// Non-fatal conditions: precondition violations, clamps, overrides
	Warnings []string
}

// ShockWhitenessResult holds a Ljung-Box whiteness diagnostic for one
// identified shock series.
type ShockWhitenessResult struct {
	Shock  int     // shock index (0-based)
	Lags   int     // number of autocorrelation lags tested
	QStat  float64 // Ljung-Box Q statistic
	PValue float64 // chi-squared tail probability, df = Lags
}

// permResult holds one permutation's IRF tensor and shock matrix before the
// cross-permutation averaging step. idx keys the result back to its
// permutation so the reduction order does not depend on worker scheduling.
type permResult struct {
	idx    int
	irf    *IRFTensor
	shocks *mat.Dense
	err    error
}
