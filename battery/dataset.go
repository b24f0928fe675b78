package battery

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"

	"github.com/bms-analytics/bmsforest/pkg/errors"
)

// csvColumns is the header ReadCSV expects and WriteCSV writes.
var csvColumns = []string{"current", "voltage", "temperature", "cycle_count", "soh", "soc"}

// Dataset is a set of labelled samples.
type Dataset struct {
	Inputs []Input
	SOH    []float64
	SOC    []float64
}

// Len returns the number of samples.
func (d *Dataset) Len() int { return len(d.Inputs) }

// Append adds one labelled sample.
func (d *Dataset) Append(in Input, soh, soc float64) {
	d.Inputs = append(d.Inputs, in)
	d.SOH = append(d.SOH, soh)
	d.SOC = append(d.SOC, soc)
}

// Features returns the feature matrix, one row per sample.
func (d *Dataset) Features() [][]float64 {
	X := make([][]float64, len(d.Inputs))
	for i, in := range d.Inputs {
		X[i] = in.Features()
	}
	return X
}

// Validate checks that the dataset is non-empty and consistent.
func (d *Dataset) Validate() error {
	if d.Len() == 0 {
		return errors.Wrap(errors.ErrEmptyData, "battery dataset")
	}
	if len(d.SOH) != d.Len() {
		return errors.NewDimensionError("battery.Dataset", d.Len(), len(d.SOH), 0)
	}
	if len(d.SOC) != d.Len() {
		return errors.NewDimensionError("battery.Dataset", d.Len(), len(d.SOC), 0)
	}
	for i, in := range d.Inputs {
		if err := in.Validate(); err != nil {
			return errors.Wrapf(err, "sample %d", i)
		}
	}
	return nil
}

// Operating ranges sampled by GenerateDataset.
var (
	currentRange     = [2]float64{0.5, 5}
	voltageRange     = [2]float64{MinVoltage, MaxVoltage}
	temperatureRange = [2]float64{0, 50}
	cycleRange       = [2]float64{0, 2000}
)

func uniform(rng *rand.Rand, r [2]float64) float64 {
	return r[0] + rng.Float64()*(r[1]-r[0])
}

// GenerateDataset draws n inputs uniformly from realistic operating ranges
// and labels them with a noisy HeuristicPredictor driven by rng.
func GenerateDataset(n int, rng *rand.Rand) (*Dataset, error) {
	if n <= 0 {
		return nil, errors.NewValidationError("synthetic_samples", "must be positive", n)
	}
	labeler := NewHeuristicPredictor(rng)

	d := &Dataset{}
	for i := 0; i < n; i++ {
		in := Input{
			Current:     uniform(rng, currentRange),
			Voltage:     uniform(rng, voltageRange),
			Temperature: uniform(rng, temperatureRange),
			CycleCount:  float64(rng.IntN(int(cycleRange[1]) + 1)),
		}
		p, err := labeler.Predict(in)
		if err != nil {
			return nil, err
		}
		d.Append(in, p.SOH, p.SOC)
	}
	return d, nil
}

// ReadCSV reads samples from CSV with a header naming the columns
// current, voltage, temperature, cycle_count, soh and soc in any order.
// Header names are matched case-insensitively; extra columns are kept as
// strings and ignored.
func ReadCSV(r io.Reader) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "read csv")
	}
	if len(records) < 2 {
		return nil, errors.Wrap(errors.ErrEmptyData, "battery csv")
	}
	header := records[0]
	for i, name := range header {
		header[i] = strings.ToLower(strings.TrimSpace(name))
	}

	types := make(map[string]series.Type, len(csvColumns))
	for _, name := range csvColumns {
		types[name] = series.Float
	}
	df := dataframe.LoadRecords(records,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String),
		dataframe.WithTypes(types),
	)
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "load csv records")
	}
	position := make(map[string]int, df.Ncol())
	for j, name := range df.Names() {
		position[name] = j
	}

	n := df.Nrow()
	cols := make([][]float64, len(csvColumns))
	for j, name := range csvColumns {
		pos, ok := position[name]
		if !ok {
			return nil, errors.NewValueError("battery.ReadCSV", fmt.Sprintf("missing column %q", name))
		}
		// 数値に変換できないセルはNaNになる
		cols[j] = df.Col(name).Float()
		for i, v := range cols[j] {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errors.NewValueError("battery.ReadCSV",
					fmt.Sprintf("line %d column %s: invalid value %q", i+2, name, records[i+1][pos]))
			}
		}
	}

	d := &Dataset{}
	for i := 0; i < n; i++ {
		d.Append(Input{Current: cols[0][i], Voltage: cols[1][i], Temperature: cols[2][i], CycleCount: cols[3][i]},
			cols[4][i], cols[5][i])
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// WriteCSV writes d in the format ReadCSV reads.
func WriteCSV(w io.Writer, d *Dataset) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvColumns); err != nil {
		return errors.Wrap(err, "write csv header")
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for i, in := range d.Inputs {
		rec := []string{f(in.Current), f(in.Voltage), f(in.Temperature), f(in.CycleCount), f(d.SOH[i]), f(d.SOC[i])}
		if err := writer.Write(rec); err != nil {
			return errors.Wrapf(err, "write csv row %d", i)
		}
	}
	writer.Flush()
	return writer.Error()
}
