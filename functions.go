// Project: Blockwise Estimation and Forecasting of the Common Component
// under a Generalized Dynamic Factor Model (GDFM)

package main

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// InvertVAR converts a VAR coefficient block A (m x m*s, column groups of
// width m holding the lag-1..lag-s coefficient matrices) into its truncated
// VMA representation.
// lags: number of moving-average lags to compute beyond lag 0.
// Returns lags+1 matrices Psi_0..Psi_lags with Psi_0 = I and
// Psi_l = sum_{k=1}^{min(s,l)} A_k * Psi_{l-k}.
func InvertVAR(A *mat.Dense, lags int) ([]*mat.Dense, error) {
	if A == nil {
		return nil, fmt.Errorf("VAR coefficient block not provided")
	}
	m, c := A.Dims()
	if m < 1 || c < m || c%m != 0 {
		return nil, fmt.Errorf("VAR coefficient block must be m x m*s, got %dx%d", m, c)
	}
	if lags < 0 {
		return nil, fmt.Errorf("lags must be >= 0, got %d", lags)
	}
	s := c / m

	Psi := make([]*mat.Dense, lags+1)

	// Psi_0 = I_m
	Idata := make([]float64, m*m)
	for i := 0; i < m; i++ {
		Idata[i*m+i] = 1.0
	}
	Psi[0] = mat.NewDense(m, m, Idata)

	// Recursively compute Psi_l
	for l := 1; l <= lags; l++ {
		M := mat.NewDense(m, m, nil)
		maxK := s
		if l < s {
			maxK = l
		}
		for k := 1; k <= maxK; k++ {
			Ak := A.Slice(0, m, (k-1)*m, k*m)
			var tmp mat.Dense
			tmp.Mul(Ak, Psi[l-k]) // A_k * Psi_{l-k}
			M.Add(M, &tmp)
		}
		Psi[l] = M
	}

	return Psi, nil
}

// SolveBlockYuleWalker solves the blockwise Yule-Walker normal equations
// A*C = B for one block, where B stacks the lag-1..lag-order cross-covariance
// slices and C is the m*order x m*order block-Toeplitz autocovariance matrix
// of the block. C is solved as a symmetric (Cholesky) system and the call
// fails if it is not positive definite. B and C are returned alongside A for
// reuse by the order-selection criterion.
func SolveBlockYuleWalker(g *AcvTensor, order int) (*YuleWalkerSolution, error) {
	if g == nil {
		return nil, fmt.Errorf("autocovariance tensor not provided")
	}
	if order < 1 {
		return nil, fmt.Errorf("VAR order must be >= 1, got %d", order)
	}
	if order > g.MaxLag {
		return nil, fmt.Errorf("VAR order %d exceeds available lags %d", order, g.MaxLag)
	}

	m := g.P
	s := order
	ms := m * s

	// B = [Gamma(1) ... Gamma(s)], m x m*s
	B := mat.NewDense(m, ms, nil)
	for k := 1; k <= s; k++ {
		gk := g.Lag(k)
		for i := 0; i < m; i++ {
			for j := 0; j < m; j++ {
				B.Set(i, (k-1)*m+j, gk.At(i, j))
			}
		}
	}

	// Block-Toeplitz C: block (bi, bj) holds Gamma(bj-bi). The case split on
	// the lag-difference sign keeps the Hermitian block structure explicit:
	// negative lag differences use the transpose of the positive-lag slice.
	cData := make([]float64, ms*ms)
	for bi := 0; bi < s; bi++ {
		for bj := 0; bj < s; bj++ {
			d := bj - bi
			var src *mat.Dense
			transposed := false
			if d >= 0 {
				src = g.Lag(d)
			} else {
				src = g.Lag(-d)
				transposed = true
			}
			for a := 0; a < m; a++ {
				for b := 0; b < m; b++ {
					v := src.At(a, b)
					if transposed {
						v = src.At(b, a)
					}
					cData[(bi*m+a)*ms+(bj*m+b)] = v
				}
			}
		}
	}
	C := mat.NewSymDense(ms, cData)

	// A*C = B with C symmetric: solve C*X = B^T, then A = X^T.
	var chol mat.Cholesky
	if !chol.Factorize(C) {
		return nil, fmt.Errorf("yule-walker system of order %d is singular or not positive definite", s)
	}
	var X mat.Dense
	if err := chol.SolveTo(&X, B.T()); err != nil {
		return nil, fmt.Errorf("yule-walker solve at order %d: %w", s, err)
	}
	A := mat.DenseCopyOf(X.T())

	return &YuleWalkerSolution{Order: s, A: A, B: B, C: C}, nil
}

// SelectVAROrder picks a VAR order for one block by minimizing a BIC-style
// criterion over candidate orders 1..maxOrder:
//
//	log det(G0) + 2*log(n)*s*m^2/n
//
// where G0 is the one-step prediction-error covariance at order s. The
// order-0 reference log det(Gamma(0)) is stored in Scores[0] but is never a
// selection outcome. A non-positive-definite G0 is a reported error.
func SelectVAROrder(g *AcvTensor, n, maxOrder int) (*OrderSelection, error) {
	if g == nil {
		return nil, fmt.Errorf("autocovariance tensor not provided")
	}
	if n < 2 {
		return nil, fmt.Errorf("sample length must be >= 2, got %d", n)
	}
	if maxOrder < 1 {
		return nil, fmt.Errorf("maximum order must be >= 1, got %d", maxOrder)
	}
	if maxOrder > g.MaxLag {
		return nil, fmt.Errorf("maximum order %d exceeds available lags %d", maxOrder, g.MaxLag)
	}

	m := g.P
	scores := make([]float64, maxOrder+1)

	ld, sign := mat.LogDet(g.Lag(0))
	if sign <= 0 || math.IsNaN(ld) || math.IsInf(ld, 0) {
		return nil, fmt.Errorf("lag-0 covariance of the block is not positive definite")
	}
	scores[0] = ld

	best := 0
	bestScore := math.Inf(1)
	penalty := 2.0 * math.Log(float64(n)) / float64(n)

	for s := 1; s <= maxOrder; s++ {
		yw, err := SolveBlockYuleWalker(g, s)
		if err != nil {
			return nil, err
		}

		// G0 = Gamma(0) - B*A' - A*B' + A*C*A'
		var bat, abt, ac, aca mat.Dense
		bat.Mul(yw.B, yw.A.T())
		abt.Mul(yw.A, yw.B.T())
		ac.Mul(yw.A, yw.C)
		aca.Mul(&ac, yw.A.T())

		G0 := mat.NewDense(m, m, nil)
		G0.Sub(g.Lag(0), &bat)
		G0.Sub(G0, &abt)
		G0.Add(G0, &aca)

		ld, sign := mat.LogDet(G0)
		if sign <= 0 || math.IsNaN(ld) || math.IsInf(ld, 0) {
			return nil, fmt.Errorf("prediction-error covariance at order %d is not positive definite", s)
		}

		scores[s] = ld + penalty*float64(s*m*m)
		if scores[s] < bestScore {
			bestScore = scores[s]
			best = s
		}
	}

	return &OrderSelection{Order: best, Scores: scores}, nil
}

// blockPartition splits variable positions 0..p-1 into contiguous blocks of
// size q+1; the last block absorbs the remainder.
func blockPartition(p, q int) [][]int {
	size := q + 1
	nBlocks := p / size
	if nBlocks < 1 {
		nBlocks = 1
	}
	blocks := make([][]int, nBlocks)
	start := 0
	for b := 0; b < nBlocks; b++ {
		end := start + size
		if b == nBlocks-1 {
			end = p
		}
		idx := make([]int, end-start)
		for i := range idx {
			idx[i] = start + i
		}
		blocks[b] = idx
		start = end
	}
	return blocks
}

// EstimateCommonShocks produces a permutation-invariant estimate of the
// impulse responses and structural shocks of the common component, given the
// centered data x (p x n), the autocovariance tensor of the common component
// and the number of dynamic factors q.
//
// For each permutation (the first is always the identity) the permuted
// variables are split into contiguous blocks of size q+1, each block gets a
// VAR fit via the Yule-Walker solver (order fixed or BIC-selected), shocks
// are extracted from the covariance of the blockwise innovation proxies, and
// the blockwise VMA arrays are assembled into a p x q x (TruncLags+2) tensor.
// A Cholesky rotation fixes the sign/scale/ordering ambiguity so the results
// are comparable across permutations, and everything is averaged elementwise.
//
// The permutations are embarrassingly parallel and run on a worker pool; each
// worker draws from its own seeded RNG so results are reproducible.
func EstimateCommonShocks(x *mat.Dense, gammaC *AcvTensor, q int, opts CommonShocksOptions) (*CommonShocks, error) {
	if x == nil {
		return nil, fmt.Errorf("data matrix not provided")
	}
	if gammaC == nil {
		return nil, fmt.Errorf("common-component autocovariance not provided")
	}

	p, n := x.Dims()
	if gammaC.P != p {
		return nil, fmt.Errorf("autocovariance dimension %d does not match data dimension %d", gammaC.P, p)
	}

	out := &CommonShocks{}

	if q < 1 {
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("q = %d: no common component to estimate, skipping", q))
		return out, nil
	}
	if q > p {
		return nil, fmt.Errorf("factor count %d exceeds dimension %d", q, p)
	}

	// Defaults
	nPerm := opts.NPerm
	if nPerm < 1 {
		nPerm = 1
	}
	truncLags := opts.TruncLags
	if truncLags < 1 {
		truncLags = n / 4
		if truncLags > 20 {
			truncLags = 20
		}
		if truncLags < 1 {
			truncLags = 1
		}
	}
	fixedOrder := opts.VAROrder
	maxOrder := opts.MaxVAROrder
	if fixedOrder > 0 {
		maxOrder = fixedOrder
	} else if maxOrder < 1 {
		maxOrder = int(10.0 * math.Log10(float64(n)))
		if maxOrder > gammaC.MaxLag {
			maxOrder = gammaC.MaxLag
		}
		if maxOrder < 1 {
			maxOrder = 1
		}
	}
	if maxOrder > gammaC.MaxLag {
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("max.var.order = %d exceeds the available lag window; clamped to %d", maxOrder, gammaC.MaxLag))
		maxOrder = gammaC.MaxLag
		if fixedOrder > maxOrder {
			fixedOrder = maxOrder
		}
	}
	if n <= maxOrder {
		return nil, fmt.Errorf("need more than max.var.order = %d observations, got %d", maxOrder, n)
	}

	// Per-permutation seeds so workers do not share an RNG
	var masterSeed int64
	if opts.Seed != 0 {
		masterSeed = opts.Seed
	} else {
		masterSeed = time.Now().UnixNano()
	}
	masterRng := rand.New(rand.NewSource(masterSeed))
	seeds := make([]int64, nPerm)
	for i := 0; i < nPerm; i++ {
		seeds[i] = masterRng.Int63()
	}

	numWorkers := runtime.NumCPU()
	if numWorkers > nPerm {
		numWorkers = nPerm
	}

	jobs := make(chan int)
	resultsCh := make(chan permResult, nPerm)

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	worker := func() {
		defer wg.Done()
		for b := range jobs {
			// Permutation 1 is the identity baseline; all others are
			// independent uniform draws.
			perm := make([]int, p)
			if b == 0 {
				for i := range perm {
					perm[i] = i
				}
			} else {
				rng := rand.New(rand.NewSource(seeds[b]))
				copy(perm, rng.Perm(p))
			}

			irf, shocks, err := estimatePermutationShocks(x, gammaC, q, truncLags, fixedOrder, maxOrder, perm)
			resultsCh <- permResult{idx: b, irf: irf, shocks: shocks, err: err}
		}
	}

	for w := 0; w < numWorkers; w++ {
		go worker()
	}

	go func() {
		for b := 0; b < nPerm; b++ {
			jobs <- b
		}
		close(jobs)
	}()

	// Collect into a slice keyed by permutation index, then reduce in that
	// order: the elementwise sums are accumulated in a fixed sequence, so a
	// fixed seed reproduces the estimate bit for bit regardless of worker
	// scheduling.
	collected := make([]permResult, nPerm)
	for i := 0; i < nPerm; i++ {
		res := <-resultsCh
		collected[res.idx] = res
	}

	wg.Wait()
	close(resultsCh)

	sumIRF := NewIRFTensor(p, q, truncLags+2)
	sumShocks := mat.NewDense(q, n, nil)

	for _, res := range collected {
		if res.err != nil {
			return nil, res.err
		}
		for l := range sumIRF.Slices {
			sumIRF.Slices[l].Add(sumIRF.Slices[l], res.irf.Slices[l])
		}
		sumShocks.Add(sumShocks, res.shocks)
	}

	inv := 1.0 / float64(nPerm)
	for l := range sumIRF.Slices {
		sumIRF.Slices[l].Scale(inv, sumIRF.Slices[l])
	}
	sumShocks.Scale(inv, sumShocks)

	out.IRF = sumIRF
	out.Shocks = sumShocks
	return out, nil
}

// estimatePermutationShocks runs the blockwise estimation for a single
// permutation of the variable indices and returns its identified IRF tensor
// and shock matrix. Pure over its inputs: all accumulation state is local, so
// permutations can run concurrently.
func estimatePermutationShocks(x *mat.Dense, gammaC *AcvTensor, q, truncLags, fixedOrder, maxOrder int, perm []int) (*IRFTensor, *mat.Dense, error) {
	p, n := x.Dims()
	warm := maxOrder
	nEff := n - warm

	blocks := blockPartition(p, q)

	// Innovation proxy series; the warm-up columns stay undefined.
	f := mat.NewDense(p, n, nil)
	for t := 0; t < warm; t++ {
		for i := 0; i < p; i++ {
			f.Set(i, t, math.NaN())
		}
	}

	type blockFit struct {
		idx []int // original variable indices of the block
		A   *mat.Dense
	}
	fits := make([]blockFit, len(blocks))

	for b, positions := range blocks {
		idx := make([]int, len(positions))
		for i, pos := range positions {
			idx[i] = perm[pos]
		}

		gb := gammaC.Sub(idx)

		order := fixedOrder
		if order < 1 {
			sel, err := SelectVAROrder(gb, n, maxOrder)
			if err != nil {
				return nil, nil, err
			}
			order = sel.Order
		}

		yw, err := SolveBlockYuleWalker(gb, order)
		if err != nil {
			return nil, nil, err
		}
		fits[b] = blockFit{idx: idx, A: yw.A}

		// Residual contribution: f[i,t] = x[i,t] - sum_k A_k x[., t-k]
		m := len(idx)
		for t := warm; t < n; t++ {
			for i := 0; i < m; i++ {
				val := x.At(idx[i], t)
				for k := 1; k <= order; k++ {
					for j := 0; j < m; j++ {
						val -= yw.A.At(i, (k-1)*m+j) * x.At(idx[j], t-k)
					}
				}
				f.Set(idx[i], t, val)
			}
		}
	}

	// Sample covariance of the innovation proxies over the defined columns
	fTrim := f.Slice(0, p, warm, n)
	var S mat.Dense
	S.Mul(fTrim, fTrim.T())
	S.Scale(1.0/float64(nEff), &S)

	var svd mat.SVD
	if !svd.Factorize(&S, mat.SVDThinU) {
		return nil, nil, fmt.Errorf("SVD of the innovation covariance failed")
	}
	d := svd.Values(nil)
	var U mat.Dense
	svd.UTo(&U)

	if d[q-1] <= 0 {
		return nil, nil, fmt.Errorf("innovation covariance has fewer than %d positive eigenvalues", q)
	}

	// Contemporaneous loadings R = U_q * sqrt(D_q) and unit-variance raw
	// shocks u = D_q^{-1/2} * U_q' * f
	R := mat.NewDense(p, q, nil)
	for i := 0; i < p; i++ {
		for j := 0; j < q; j++ {
			R.Set(i, j, U.At(i, j)*math.Sqrt(d[j]))
		}
	}
	Uq := U.Slice(0, p, 0, q)
	var uRaw mat.Dense
	uRaw.Mul(Uq.T(), fTrim) // q x nEff
	for j := 0; j < q; j++ {
		scale := 1.0 / math.Sqrt(d[j])
		for t := 0; t < nEff; t++ {
			uRaw.Set(j, t, uRaw.At(j, t)*scale)
		}
	}

	// Blockwise VMA arrays assembled at the block's rows, times the block's
	// loadings
	irf := NewIRFTensor(p, q, truncLags+2)
	for _, fit := range fits {
		m := len(fit.idx)
		Psi, err := InvertVAR(fit.A, truncLags+1)
		if err != nil {
			return nil, nil, err
		}
		Rblk := mat.NewDense(m, q, nil)
		for i, ri := range fit.idx {
			for j := 0; j < q; j++ {
				Rblk.Set(i, j, R.At(ri, j))
			}
		}
		for l := range Psi {
			var tmp mat.Dense
			tmp.Mul(Psi[l], Rblk) // m x q
			dst := irf.Slices[l]
			for i, ri := range fit.idx {
				for j := 0; j < q; j++ {
					dst.Set(ri, j, tmp.At(i, j))
				}
			}
		}
	}

	// Identification: rotate so the contemporaneous loading of the first q
	// variables is the Cholesky factor of its own outer product. This fixes
	// the sign/scale ambiguity left by the eigendecomposition and makes
	// shocks comparable across permutations.
	B0 := mat.NewDense(q, q, nil)
	sumSq := 0.0
	for i := 0; i < q; i++ {
		for j := 0; j < q; j++ {
			v := irf.Slices[0].At(i, j)
			B0.Set(i, j, v)
			sumSq += v * v
		}
	}

	H := mat.NewDense(q, q, nil)
	if sumSq > 0 {
		var m0 mat.Dense
		m0.Mul(B0, B0.T())
		sym := mat.NewSymDense(q, nil)
		for i := 0; i < q; i++ {
			for j := i; j < q; j++ {
				sym.SetSym(i, j, m0.At(i, j))
			}
		}
		var chol mat.Cholesky
		if !chol.Factorize(sym) {
			return nil, nil, fmt.Errorf("identification failed: contemporaneous loading outer product is not positive definite")
		}
		L := mat.NewTriDense(q, mat.Lower, nil)
		chol.LTo(L)
		if err := H.Solve(B0, L); err != nil {
			return nil, nil, fmt.Errorf("identification failed: contemporaneous loading block is singular")
		}
	}
	// A degenerate all-zero B0 is used directly as the rotation.

	for l := range irf.Slices {
		var tmp mat.Dense
		tmp.Mul(irf.Slices[l], H)
		irf.Slices[l] = mat.DenseCopyOf(&tmp)
	}

	var uId mat.Dense
	uId.Mul(H.T(), &uRaw) // q x nEff

	shocks := mat.NewDense(q, n, nil)
	for j := 0; j < q; j++ {
		for t := 0; t < warm; t++ {
			shocks.Set(j, t, math.NaN())
		}
		for t := 0; t < nEff; t++ {
			shocks.Set(j, warm+t, uId.At(j, t))
		}
	}

	return irf, shocks, nil
}

// NewFactorModel assembles a factor model object for the requested
// representation: it records the per-variable means and, for the unrestricted
// representation, estimates the impulse responses and shocks of the common
// component.
func NewFactorModel(x *mat.Dense, gammaX, gammaC *AcvTensor, q int, rep FactorRepresentation, opts CommonShocksOptions) (*FactorModel, error) {
	if x == nil {
		return nil, fmt.Errorf("data matrix not provided")
	}
	if rep != FactorRestricted && rep != FactorUnrestricted {
		return nil, fmt.Errorf("unsupported factor representation: %d", rep)
	}

	p, _ := x.Dims()
	meanX := rowMeans(x)

	mdl := &FactorModel{
		MeanX:  meanX,
		Q:      q,
		Factor: rep,
		GammaX: gammaX,
		GammaC: gammaC,
	}

	if rep == FactorUnrestricted && q >= 1 {
		if gammaC == nil {
			return nil, fmt.Errorf("common-component autocovariance required for the unrestricted representation")
		}
		if gammaC.P != p {
			return nil, fmt.Errorf("autocovariance dimension %d does not match data dimension %d", gammaC.P, p)
		}
		xx := centerRows(x, meanX)
		cs, err := EstimateCommonShocks(xx, gammaC, q, opts)
		if err != nil {
			return nil, err
		}
		mdl.Loadings = cs.IRF
		mdl.Factors = cs.Shocks
		mdl.Warnings = cs.Warnings
	}

	return mdl, nil
}

// PredictCommon estimates the in-sample common component and forecasts it
// opts.NAhead steps ahead. The representation is taken from the model unless
// the caller requests one explicitly; requesting unrestricted forecasts on a
// model fit for the restricted representation falls back to restricted with a
// warning. A factor count below 1 yields a zeroed result and a warning.
// Outputs are in centered coordinates.
func (mdl *FactorModel) PredictCommon(x *mat.Dense, opts PredictOptions) (*CommonPrediction, error) {
	if mdl == nil {
		return nil, fmt.Errorf("factor model not provided")
	}
	if x == nil {
		return nil, fmt.Errorf("data matrix not provided")
	}
	p, n := x.Dims()
	if len(mdl.MeanX) != p {
		return nil, fmt.Errorf("model mean has length %d, data has %d variables", len(mdl.MeanX), p)
	}
	if opts.NAhead < 1 {
		return nil, fmt.Errorf("n.ahead must be >= 1, got %d", opts.NAhead)
	}

	pred := &CommonPrediction{NAhead: opts.NAhead}

	if mdl.Q < 1 {
		pred.Warnings = append(pred.Warnings,
			fmt.Sprintf("q = %d: common component is identically zero", mdl.Q))
		pred.InSample = mat.NewDense(p, n, nil)
		pred.Forecast = mat.NewDense(p, opts.NAhead, nil)
		return pred, nil
	}

	xx := centerRows(x, mdl.MeanX)

	rep := opts.Representation
	if rep == FactorNone {
		rep = mdl.Factor
	}
	if rep == FactorUnrestricted && mdl.Factor == FactorRestricted {
		pred.Warnings = append(pred.Warnings,
			"model was fit for restricted forecasting only; forcing the restricted representation")
		rep = FactorRestricted
	}

	switch rep {
	case FactorRestricted:
		if err := mdl.predictRestricted(xx, opts, pred); err != nil {
			return nil, err
		}
	case FactorUnrestricted:
		if err := mdl.predictUnrestricted(xx, pred); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("model carries no factor representation")
	}

	return pred, nil
}

// predictRestricted projects the data onto the top-r eigenspace of the lag-0
// covariance of the observed series and forecasts via the cross-covariance of
// the common component with future lags.
func (mdl *FactorModel) predictRestricted(xx *mat.Dense, opts PredictOptions, pred *CommonPrediction) error {
	if mdl.GammaX == nil || mdl.GammaC == nil {
		return fmt.Errorf("restricted forecasting requires Gamma_x and Gamma_c")
	}
	p, n := xx.Dims()
	if mdl.GammaX.P != p || mdl.GammaC.P != p {
		return fmt.Errorf("autocovariance dimension does not match data dimension %d", p)
	}
	q := mdl.Q

	covx := mdl.GammaX.Lag(0)
	var svd mat.SVD
	if !svd.Factorize(covx, mat.SVDThinU) {
		return fmt.Errorf("SVD of the lag-0 covariance failed")
	}
	d := svd.Values(nil)
	var U mat.Dense
	svd.UTo(&U)

	maxR := opts.MaxR
	if maxR < 1 {
		maxR = 50
	}
	if maxR > p-1 {
		maxR = p - 1
	}
	if maxR < q {
		maxR = q
	}

	r := opts.R
	if r < 1 {
		switch opts.Method {
		case CountER:
			r = selectFactorCountER(d, q, maxR)
		case CountIC:
			if opts.Selector == nil {
				return fmt.Errorf("factor-number selector required for the ic method")
			}
			cands := opts.Selector(xx, covx, maxR)
			if len(cands) < 5 {
				return fmt.Errorf("factor-number selector returned %d candidates, need at least 5", len(cands))
			}
			r = cands[4]
		default:
			r = q
		}
	}
	if r < q {
		r = q
	}
	if r > p {
		r = p
	}
	if d[r-1] <= 0 {
		return fmt.Errorf("lag-0 covariance has no positive eigenvalue at rank %d", r)
	}

	h := pred.NAhead
	if h > mdl.GammaC.MaxLag {
		pred.Warnings = append(pred.Warnings,
			fmt.Sprintf("n.ahead = %d exceeds the available lag window; clamped to %d", h, mdl.GammaC.MaxLag))
		h = mdl.GammaC.MaxLag
	}
	pred.NAhead = h
	pred.R = r

	Ur := U.Slice(0, p, 0, r)

	// In-sample estimate: rank-r eigenprojection of the data
	var proj mat.Dense
	proj.Mul(Ur, Ur.T())
	is := mat.NewDense(p, n, nil)
	is.Mul(&proj, xx)

	// One-step-ahead-normalized state from the most recent observation:
	// U_r * D_r^{-1} * U_r' * x_n
	xn := xx.Slice(0, p, n-1, n)
	var ut mat.Dense
	ut.Mul(Ur.T(), xn) // r x 1
	for j := 0; j < r; j++ {
		ut.Set(j, 0, ut.At(j, 0)/d[j])
	}
	var state mat.Dense
	state.Mul(Ur, &ut) // p x 1

	// Forecast at horizon hh: Gamma_c(hh)' * state. With no positive lags
	// left after clamping there is nothing to forecast.
	if h > 0 {
		fc := mat.NewDense(p, h, nil)
		for hh := 1; hh <= h; hh++ {
			var col mat.Dense
			col.Mul(mdl.GammaC.Lag(hh).T(), &state)
			for i := 0; i < p; i++ {
				fc.Set(i, hh-1, col.At(i, 0))
			}
		}
		pred.Forecast = fc
	}

	pred.InSample = is
	return nil
}

// selectFactorCountER runs the eigenvalue-ratio test on the spectrum of the
// lag-0 covariance: the winner is the index in [q, maxR] maximizing the ratio
// of consecutive eigenvalues (1-based d_j / d_{j+1}).
func selectFactorCountER(d []float64, q, maxR int) int {
	best := q
	bestRatio := math.Inf(-1)
	for j := q; j <= maxR && j < len(d); j++ {
		den := d[j]
		if den <= 0 {
			break
		}
		ratio := d[j-1] / den
		if ratio > bestRatio {
			bestRatio = ratio
			best = j
		}
	}
	return best
}

// predictUnrestricted reconstructs the in-sample common component from the
// stored impulse responses and shocks, and forecasts using only
// already-identified shocks and their estimated future loadings.
func (mdl *FactorModel) predictUnrestricted(xx *mat.Dense, pred *CommonPrediction) error {
	if mdl.Loadings == nil || mdl.Factors == nil {
		return fmt.Errorf("unrestricted forecasting requires estimated loadings and factors")
	}
	p, n := xx.Dims()
	if mdl.Loadings.P != p {
		return fmt.Errorf("loadings dimension %d does not match data dimension %d", mdl.Loadings.P, p)
	}
	q, nu := mdl.Factors.Dims()
	if nu != n || q != mdl.Loadings.Q {
		return fmt.Errorf("factors have shape %dx%d, want %dx%d", q, nu, mdl.Loadings.Q, n)
	}

	B := mdl.Loadings.Slices
	u := mdl.Factors
	K := len(B)       // trunc.lags + 2 slices
	truncLen := K - 2 // the truncation lag itself

	h := pred.NAhead
	if h > truncLen {
		pred.Warnings = append(pred.Warnings,
			fmt.Sprintf("n.ahead = %d exceeds the IRF truncation length; clamped to %d", h, truncLen))
		h = truncLen
	}
	pred.NAhead = h
	pred.R = 0

	// In-sample reconstruction: chi_t = sum_{l=0}^{K-1} B_l u_{t-l}.
	// Columns without a full shock history stay NaN; the shock warm-up NaNs
	// propagate on their own.
	is := mat.NewDense(p, n, nil)
	for t := 0; t < n; t++ {
		if t < K-1 {
			for i := 0; i < p; i++ {
				is.Set(i, t, math.NaN())
			}
			continue
		}
		for i := 0; i < p; i++ {
			val := 0.0
			for l := 0; l < K; l++ {
				bl := B[l]
				for j := 0; j < q; j++ {
					val += bl.At(i, j) * u.At(j, t-l)
				}
			}
			is.Set(i, t, val)
		}
	}

	// Forecast: only identified shocks, loaded through their future
	// responses; no new shock realizations are assumed. With no horizons
	// left after clamping there is nothing to forecast.
	if h > 0 {
		fc := mat.NewDense(p, h, nil)
		for hh := 1; hh <= h; hh++ {
			for l := 1; l <= truncLen+1-hh; l++ {
				if n-l < 0 {
					break
				}
				bl := B[l+hh-1]
				for i := 0; i < p; i++ {
					val := fc.At(i, hh-1)
					for j := 0; j < q; j++ {
						val += bl.At(i, j) * u.At(j, n-l)
					}
					fc.Set(i, hh-1, val)
				}
			}
		}
		pred.Forecast = fc
	}

	pred.InSample = is
	return nil
}

// EstimateAutocovariance computes a Bartlett-tapered sample autocovariance
// tensor of the (internally centered) data up to maxLag. It is a simple
// stand-in for the external autocovariance estimator and feeds the CLI demo
// and tests; the taper keeps the implied block-Toeplitz systems positive
// definite.
func EstimateAutocovariance(x *mat.Dense, maxLag int) (*AcvTensor, error) {
	if x == nil {
		return nil, fmt.Errorf("data matrix not provided")
	}
	p, n := x.Dims()
	if maxLag < 0 || maxLag >= n {
		return nil, fmt.Errorf("maxLag must be in [0, %d), got %d", n, maxLag)
	}

	xx := centerRows(x, rowMeans(x))
	g := NewAcvTensor(p, maxLag)

	for h := 0; h <= maxLag; h++ {
		w := 1.0 - float64(h)/float64(maxLag+1)
		G := mat.NewDense(p, p, nil)
		for i := 0; i < p; i++ {
			for j := 0; j < p; j++ {
				sum := 0.0
				for t := h; t < n; t++ {
					sum += xx.At(i, t) * xx.At(j, t-h)
				}
				G.Set(i, j, w*sum/float64(n))
			}
		}
		g.Slices[maxLag+h] = G
		if h > 0 {
			g.Slices[maxLag-h] = mat.DenseCopyOf(G.T())
		}
	}

	return g, nil
}

// ShockWhiteness runs a Ljung-Box whiteness test on each identified shock
// series (NaN warm-up columns are skipped). Well-identified shocks should
// look serially uncorrelated, so small p-values flag a misspecified
// blockwise VAR order.
func ShockWhiteness(u *mat.Dense, lags int) ([]ShockWhitenessResult, error) {
	if u == nil {
		return nil, fmt.Errorf("shock matrix not provided")
	}
	if lags < 1 {
		return nil, fmt.Errorf("lags must be >= 1, got %d", lags)
	}

	q, n := u.Dims()
	results := make([]ShockWhitenessResult, q)
	chi2 := distuv.ChiSquared{K: float64(lags)}

	for j := 0; j < q; j++ {
		vals := make([]float64, 0, n)
		for t := 0; t < n; t++ {
			v := u.At(j, t)
			if !math.IsNaN(v) {
				vals = append(vals, v)
			}
		}
		nEff := len(vals)
		if nEff <= lags+1 {
			return nil, fmt.Errorf("shock %d: %d usable observations, need more than %d", j, nEff, lags+1)
		}

		mean := 0.0
		for _, v := range vals {
			mean += v
		}
		mean /= float64(nEff)

		variance := 0.0
		for _, v := range vals {
			diff := v - mean
			variance += diff * diff
		}
		if variance == 0 {
			return nil, fmt.Errorf("shock %d is constant", j)
		}

		qStat := 0.0
		for k := 1; k <= lags; k++ {
			sum := 0.0
			for t := k; t < nEff; t++ {
				sum += (vals[t] - mean) * (vals[t-k] - mean)
			}
			rho := sum / variance
			qStat += rho * rho / float64(nEff-k)
		}
		qStat *= float64(nEff) * float64(nEff+2)

		results[j] = ShockWhitenessResult{
			Shock:  j,
			Lags:   lags,
			QStat:  qStat,
			PValue: chi2.Survival(qStat),
		}
	}

	return results, nil
}

// rowMeans returns the per-variable means of a p x n matrix.
func rowMeans(x *mat.Dense) []float64 {
	p, n := x.Dims()
	means := make([]float64, p)
	for i := 0; i < p; i++ {
		sum := 0.0
		for t := 0; t < n; t++ {
			sum += x.At(i, t)
		}
		means[i] = sum / float64(n)
	}
	return means
}

// centerRows subtracts the given per-variable means from each column.
func centerRows(x *mat.Dense, means []float64) *mat.Dense {
	p, n := x.Dims()
	out := mat.NewDense(p, n, nil)
	for i := 0; i < p; i++ {
		for t := 0; t < n; t++ {
			out.Set(i, t, x.At(i, t)-means[i])
		}
	}
	return out
}
