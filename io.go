// Project: Blockwise Estimation and Forecasting of the Common Component
// under a Generalized Dynamic Factor Model (GDFM)

package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// LoadCSVToSeries loads a CSV file (header row of variable names, one row
// per time point) into a Series with variables by rows and time by columns.
func LoadCSVToSeries(path string) (*Series, error) {
	// 1. Open file
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	// 2. Make CSV reader
	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	// 3. Read header row
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) == 0 {
		return nil, fmt.Errorf("empty header in %s", path)
	}
	p := len(header) // number of variables

	var (
		rows  [][]float64
		times []float64
		row   int
	)

	// 4. Read each data row
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", row+2, err) // +2 for header + 1-based
		}

		// Skip completely empty lines
		if len(record) == 1 && record[0] == "" {
			continue
		}

		if len(record) != p {
			return nil, fmt.Errorf("row %d: expected %d columns, got %d", row+2, p, len(record))
		}

		vals := make([]float64, p)
		for j, s := range record {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("parse float at row %d col %d (%q): %w", row+2, j+1, s, err)
			}
			vals[j] = v
		}
		rows = append(rows, vals)

		times = append(times, float64(row))
		row++
	}

	if row == 0 {
		return nil, fmt.Errorf("no data rows in %s", path)
	}

	n := row

	// 5. Build the p x n data matrix (transpose of the file layout)
	X := mat.NewDense(p, n, nil)
	for t := 0; t < n; t++ {
		for i := 0; i < p; i++ {
			X.Set(i, t, rows[t][i])
		}
	}

	// 6. Build Series
	ts := &Series{
		X:        X,
		Time:     times,
		VarNames: header,
	}

	return ts, nil
}

// Helper function to print a prediction summary
func PrintPrediction(pred *CommonPrediction, varNames []string) {
	if pred == nil {
		fmt.Println("prediction is nil")
		return
	}

	fmt.Println("\n=== Common-Component Prediction ===")
	fmt.Printf("Horizon (after clamping): %d\n", pred.NAhead)
	if pred.R > 0 {
		fmt.Printf("Restricted factor count:  %d\n", pred.R)
	}
	for _, w := range pred.Warnings {
		fmt.Printf("warning: %s\n", w)
	}

	if pred.Forecast == nil {
		return
	}
	p, h := pred.Forecast.Dims()

	fmt.Printf("\n%-20s", "Variable")
	for hh := 1; hh <= h; hh++ {
		fmt.Printf("%12s", fmt.Sprintf("h=%d", hh))
	}
	fmt.Println()

	for i := 0; i < p; i++ {
		name := fmt.Sprintf("Var%d", i+1)
		if len(varNames) == p {
			name = varNames[i]
		}
		fmt.Printf("%-20s", name)
		for hh := 0; hh < h; hh++ {
			fmt.Printf("%12.6f", pred.Forecast.At(i, hh))
		}
		fmt.Println()
	}
}

// Helps print the averaged impulse responses of one shock over all lags
func PrintIRFTensor(irf *IRFTensor, varNames []string, shockIndex int) {
	if irf == nil || shockIndex < 0 || shockIndex >= irf.Q {
		fmt.Println("no impulse responses to print")
		return
	}

	fmt.Printf("\n=== Impulse Response Function ===\n")
	fmt.Printf("Responses to shock %d\n\n", shockIndex+1)

	fmt.Printf("lag\t")
	for i := 0; i < irf.P; i++ {
		name := fmt.Sprintf("Var%d", i+1)
		if len(varNames) == irf.P {
			name = varNames[i]
		}
		fmt.Printf("%12s", name)
	}
	fmt.Println()

	for l, slice := range irf.Slices {
		fmt.Printf("%d\t", l)
		for i := 0; i < irf.P; i++ {
			fmt.Printf("%12.6f", slice.At(i, shockIndex))
		}
		fmt.Println()
	}
}

// PrintShockWhiteness prints the Ljung-Box diagnostics for the identified shocks
func PrintShockWhiteness(results []ShockWhitenessResult) {
	fmt.Println("\n=== Shock Whiteness (Ljung-Box) ===")
	fmt.Printf("%-8s %-8s %-12s %-10s\n", "Shock", "Lags", "Q", "p-value")
	for _, res := range results {
		fmt.Printf("%-8d %-8d %-12.4f %-10.6f\n", res.Shock+1, res.Lags, res.QStat, res.PValue)
	}
}

// OutputPredictionToCSV writes the forecast matrix to CSV, one row per
// horizon with a leading horizon column.
func OutputPredictionToCSV(path string, pred *CommonPrediction, varNames []string) error {
	if pred == nil || pred.Forecast == nil {
		return fmt.Errorf("no forecast to write")
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	p, h := pred.Forecast.Dims()

	// Write header
	header := make([]string, p+1)
	header[0] = "Horizon"
	for i := 0; i < p; i++ {
		if len(varNames) == p {
			header[i+1] = varNames[i]
		} else {
			header[i+1] = fmt.Sprintf("Var%d", i+1)
		}
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	// Write data rows
	for hh := 0; hh < h; hh++ {
		record := make([]string, p+1)
		record[0] = fmt.Sprintf("%d", hh+1)
		for i := 0; i < p; i++ {
			record[i+1] = fmt.Sprintf("%f", pred.Forecast.At(i, hh))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}

// OutputIRFTensorToCSV writes the averaged impulse responses to CSV in long
// format. Columns: Shock, ResponseVar, Lag, Response
func OutputIRFTensorToCSV(path string, irf *IRFTensor, varNames []string) error {
	if irf == nil {
		return fmt.Errorf("no impulse responses to write")
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"Shock", "ResponseVar", "Lag", "Response"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for j := 0; j < irf.Q; j++ {
		for i := 0; i < irf.P; i++ {
			respName := fmt.Sprintf("Var%d", i+1)
			if len(varNames) == irf.P {
				respName = varNames[i]
			}

			for l, slice := range irf.Slices {
				record := []string{
					fmt.Sprintf("%d", j+1),
					respName,
					fmt.Sprintf("%d", l),
					fmt.Sprintf("%f", slice.At(i, j)),
				}
				if err := writer.Write(record); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// OutputShocksToCSV writes the identified shock series to CSV, one row per
// time point; warm-up columns are written as empty fields.
func OutputShocksToCSV(path string, shocks *mat.Dense) error {
	if shocks == nil {
		return fmt.Errorf("no shocks to write")
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	q, n := shocks.Dims()

	header := make([]string, q+1)
	header[0] = "Time"
	for j := 0; j < q; j++ {
		header[j+1] = fmt.Sprintf("Shock%d", j+1)
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for t := 0; t < n; t++ {
		record := make([]string, q+1)
		record[0] = fmt.Sprintf("%d", t+1)
		for j := 0; j < q; j++ {
			v := shocks.At(j, t)
			if math.IsNaN(v) {
				record[j+1] = ""
			} else {
				record[j+1] = fmt.Sprintf("%f", v)
			}
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}
