// Project: Blockwise Estimation and Forecasting of the Common Component
// under a Generalized Dynamic Factor Model (GDFM)

package main

import (
	"fmt"
	"os"
	"strconv"
)

// This is the main function that runs the common-component analysis for a
// CSV series. It expects three command-line arguments: the CSV path, the
// factor representation (restricted or unrestricted) and the number of
// dynamic factors q. The pipeline loads the data, estimates the
// autocovariance structure, fits the factor model, forecasts the common
// component, runs shock diagnostics and writes the results to CSV files.

func main() {
	// expect 3 arguments: csv path, representation, q
	if len(os.Args) < 4 {
		fmt.Println("Usage: go run . <csv_path> <restricted|unrestricted> <q>")
		return
	}
	path := os.Args[1]

	var rep FactorRepresentation
	switch os.Args[2] {
	case "restricted":
		rep = FactorRestricted
	case "unrestricted":
		rep = FactorUnrestricted
	default:
		panic("Unsupported representation: " + os.Args[2] + ". Options: restricted, unrestricted")
	}

	q, err := strconv.Atoi(os.Args[3])
	if err != nil || q < 0 {
		panic("q must be a non-negative integer, got: " + os.Args[3])
	}

	// 1. Load CSV into Series
	ts, err := LoadCSVToSeries(path)
	if err != nil {
		panic(err)
	}
	p, n := ts.X.Dims()
	fmt.Println("Loaded series with", p, "variables and", n, "time points:", ts.VarNames)

	// 2. Estimate the autocovariance structure. A production pipeline
	// supplies Gamma_x and Gamma_c from a spectral estimator of the common
	// component; the demo reuses the data autocovariance for both.
	maxLag := n / 4
	if maxLag > 20 {
		maxLag = 20
	}
	acv, err := EstimateAutocovariance(ts.X, maxLag)
	if err != nil {
		panic(err)
	}
	fmt.Println("Estimated autocovariance tensor up to lag", maxLag)

	// 3. Fit the factor model
	opts := CommonShocksOptions{
		NPerm: 10,
		Seed:  12345,
	}
	mdl, err := NewFactorModel(ts.X, acv, acv, q, rep, opts)
	if err != nil {
		panic(err)
	}
	for _, w := range mdl.Warnings {
		fmt.Println("warning:", w)
	}

	// 4. Forecast the common component 5 steps ahead
	pred, err := mdl.PredictCommon(ts.X, PredictOptions{
		NAhead: 5,
		Method: CountER,
	})
	if err != nil {
		panic(err)
	}
	PrintPrediction(pred, ts.VarNames)

	// 5. Shock diagnostics and impulse responses (unrestricted only)
	if rep == FactorUnrestricted && q >= 1 {
		for j := 0; j < q; j++ {
			PrintIRFTensor(mdl.Loadings, ts.VarNames, j)
		}

		white, err := ShockWhiteness(mdl.Factors, 10)
		if err != nil {
			panic(err)
		}
		PrintShockWhiteness(white)

		// 6. Output impulse responses and shocks to CSV
		if err := OutputIRFTensorToCSV("common_irf.csv", mdl.Loadings, ts.VarNames); err != nil {
			panic(err)
		}
		fmt.Println("Impulse responses written to common_irf.csv")

		if err := OutputShocksToCSV("common_shocks.csv", mdl.Factors); err != nil {
			panic(err)
		}
		fmt.Println("Identified shocks written to common_shocks.csv")
	}

	// 7. Output forecasts to CSV
	if err := OutputPredictionToCSV("common_forecast.csv", pred, ts.VarNames); err != nil {
		panic(err)
	}
	fmt.Println("Forecasts written to common_forecast.csv")
}
