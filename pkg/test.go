package pkg

import (
	"bufio"
	"fmt"
	gio "io"
	"math"
	"os"

	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"ufnet/pkg/config"
	"ufnet/pkg/io"
	"ufnet/pkg/model"
)

// DegreesPerRadian converts the MAE of angular targets, see config.AngularTarget.
const DegreesPerRadian = 180 / 3.14159

// predictionBatchSize bounds the size of a single inference graph.
const predictionBatchSize = 4096

type NoopWriter struct{}

func (x NoopWriter) Write(p []byte) (n int, err error) {
	return len(p), nil
}

// Test evaluates a saved model on a labeled data file. When outputFileName is set
// a "target,prediction" line is written per record; when plotFileName is set a
// scatter plot of predictions against targets is saved.
func Test(modelFileName, inputFileName, outputFileName, plotFileName string) error {
	m, err := io.LoadModelFile(modelFileName)
	if err != nil {
		return err
	}

	_, data, dataErrors, err := io.LoadData(io.DataParameters{
		DataFile: inputFileName,
		Quiet:    true,
	}, m.MetaData)
	if err != nil {
		return errors.Wrapf(err, "error loading data from %s", inputFileName)
	}
	printDataErrors(dataErrors)
	if len(data) == 0 {
		return errors.Errorf("no data to test in %s", inputFileName)
	}

	var outputWriter gio.Writer = NoopWriter{}
	if outputFileName != "" {
		outputFile, err := os.Create(outputFileName)
		if err != nil {
			return errors.Wrapf(err, "error opening output file %s", outputFileName)
		}
		defer outputFile.Close()
		buffered := bufio.NewWriter(outputFile)
		defer buffered.Flush()
		outputWriter = buffered
	}

	metrics := Evaluate(m, data, outputWriter)
	logMetrics("Test results", metrics)

	if plotFileName != "" {
		batch := io.DataBatch(data)
		return SavePlot(plotFileName, batch.Targets(), Predict(m.Regressor, batch))
	}
	return nil
}

// PredictFile writes one U_f estimate per row of inputFileName. The target column is not read.
func PredictFile(modelFileName, inputFileName string, output gio.Writer) error {
	m, err := io.LoadModelFile(modelFileName)
	if err != nil {
		return err
	}
	_, data, dataErrors, err := io.LoadData(io.DataParameters{
		DataFile:   inputFileName,
		SkipTarget: true,
		Quiet:      true,
	}, m.MetaData)
	if err != nil {
		return errors.Wrapf(err, "error loading data from %s", inputFileName)
	}
	printDataErrors(dataErrors)

	w := bufio.NewWriter(output)
	targetName := m.MetaData.TargetName()
	if targetName == "" {
		targetName = "U_f"
	}
	fmt.Fprintln(w, targetName)
	for _, prediction := range Predict(m.Regressor, data) {
		fmt.Fprintf(w, "%f\n", prediction)
	}
	return w.Flush()
}

type regressionEvaluator struct {
	estimated    []float64
	values       []float64
	outputWriter gio.Writer
}

func (r *regressionEvaluator) EvaluatePrediction(prediction float64, record *io.DataRecord) {
	log.Debug().Float64("Target", record.Target).Float64("Prediction", prediction).Msg("")
	fmt.Fprintf(r.outputWriter, "%f,%f\n", record.Target, prediction)

	r.estimated = append(r.estimated, prediction)
	r.values = append(r.values, record.Target)
}

func (r *regressionEvaluator) Metrics() model.Metrics {
	n := len(r.values)
	if n == 0 {
		return model.Metrics{MAE: math.NaN(), MSE: math.NaN(), RMSE: math.NaN(), R2: math.NaN(), MAEDegrees: math.NaN()}
	}
	mae := floats.Distance(r.estimated, r.values, 1) / float64(n)
	mse := MeanSquaredError(r.estimated, r.values)
	return model.Metrics{
		MAE:        mae,
		MSE:        mse,
		RMSE:       math.Sqrt(mse),
		R2:         stat.RSquaredFrom(r.estimated, r.values, nil),
		MAEDegrees: mae * DegreesPerRadian,
		Count:      n,
	}
}

// Evaluate runs the model over data and computes regression metrics. MAEDegrees is
// NaN unless the model's profile has an angular target.
// A nil outputWriter discards the per-record output.
func Evaluate(m *model.Model, data []*io.DataRecord, outputWriter gio.Writer) model.Metrics {
	if outputWriter == nil {
		outputWriter = NoopWriter{}
	}
	evaluator := &regressionEvaluator{outputWriter: outputWriter}
	predictions := Predict(m.Regressor, data)
	for i, prediction := range predictions {
		evaluator.EvaluatePrediction(prediction, data[i])
	}
	metrics := evaluator.Metrics()
	if !config.AngularTarget(m.MetaData.Profile) {
		metrics.MAEDegrees = math.NaN()
	}
	return metrics
}

// Predict runs the regressor in inference mode over data.
func Predict(regressor *model.Regressor, data []*io.DataRecord) []float64 {
	result := make([]float64, 0, len(data))
	g := ag.NewGraph(ag.Rand(rand.NewLockedRand(42)))
	for start := 0; start < len(data); start += predictionBatchSize {
		end := start + predictionBatchSize
		if end > len(data) {
			end = len(data)
		}
		result = append(result, predict(g, regressor, data[start:end])...)
		g.Clear()
	}
	return result
}

func predict(g *ag.Graph, regressor *model.Regressor, batch io.DataBatch) []float64 {
	input := createInputNodes(batch, g)
	proc := regressor.NewProc(nn.Context{Graph: g, Mode: nn.Inference})
	output := proc.Forward(input...)
	predictions := make([]float64, len(output))
	for i, node := range output {
		predictions[i] = node.ScalarValue()
	}
	return predictions
}

// MeanSquaredError returns mean((estimated-values)^2); NaN for empty input.
func MeanSquaredError(estimated, values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	d := floats.Distance(estimated, values, 2)
	return d * d / float64(len(values))
}
