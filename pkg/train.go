package pkg

import (
	"math"
	mrand "math/rand"

	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd/adam"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"ufnet/pkg/config"
	"ufnet/pkg/io"
	"ufnet/pkg/model"
	"ufnet/pkg/onnx"
)

// ErrNotEnoughData is returned when the data set cannot be split into a
// non-empty training and validation partition.
var ErrNotEnoughData = errors.New("not enough data to train")

type Trainer struct {
	params    config.TrainingConfig
	optimizer *gd.GradientDescent
	model     *model.Regressor
}

// EpochStats records the losses of one epoch. ValidationLoss is NaN when the
// plain loop did not evaluate the validation set.
type EpochStats struct {
	Epoch          int
	TrainLoss      float64
	ValidationLoss float64
}

type TrainingResult struct {
	Model   *model.Model
	History []EpochStats
	// StopEpoch is the last epoch that ran, 1-based.
	StopEpoch          int
	EarlyStopped       bool
	Restored           bool
	BestValidationLoss float64
	Validation         model.Metrics
}

// Train runs the whole pipeline: load the data file, split it, fit the regressor,
// evaluate it on the validation split and persist it.
func Train(c config.Config) (*TrainingResult, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("File", c.DataFile).Str("Profile", c.Profile).Bool("EarlyStopping", c.EarlyStopping()).Msg("Loading data")
	metaData, data, dataErrors, err := io.LoadData(io.DataParameters{
		DataFile:     c.DataFile,
		FeatureCount: c.Model.FeatureCount,
		Quiet:        c.Quiet,
	}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "error reading training data")
	}
	printDataErrors(dataErrors)
	metaData.Profile = c.Profile
	log.Info().Int("Records", len(data)).Strs("Features", metaData.FeatureNames()).Str("Target", metaData.TargetName()).Msg("Data loaded")

	rnd := mrand.New(mrand.NewSource(int64(c.Training.RndSeed)))
	trainSet, validationSet := io.NewDataSet(data, c.Training.BatchSize, rnd).Split(c.Training.ValidationFraction)
	log.Info().Int("Train", trainSet.Size()).Int("Validation", validationSet.Size()).Msg("Split data")

	result, err := Fit(c.Model, c.Training, metaData, trainSet, validationSet)
	if err != nil {
		return nil, err
	}
	logMetrics("Validation results", result.Validation)

	if err := io.SaveModelFile(result.Model, c.ModelFile); err != nil {
		return nil, err
	}
	log.Info().Str("File", c.ModelFile).Msg("Model saved")

	if c.Export.ONNXFile != "" {
		err := onnx.ExportFile(c.Export.ONNXFile, result.Model.Regressor, onnx.Options{DynamicBatch: c.Export.DynamicBatch})
		if err != nil {
			return nil, err
		}
		log.Info().Str("File", c.Export.ONNXFile).Bool("DynamicBatch", c.Export.DynamicBatch).Msg("Model exported to ONNX")
	}

	if c.Export.PlotFile != "" {
		validation := validationSet.All()
		predictions := Predict(result.Model.Regressor, validation)
		if err := SavePlot(c.Export.PlotFile, validation.Targets(), predictions); err != nil {
			return nil, err
		}
		log.Info().Str("File", c.Export.PlotFile).Msg("Prediction plot saved")
	}
	return result, nil
}

// Fit trains a new regressor on trainSet. With a positive patience the validation loss is
// checked after every epoch, the best weights are kept and training stops once the loss
// has not improved for patience epochs; the returned model carries the best weights.
func Fit(modelConfig config.ModelConfig, params config.TrainingConfig, metaData *model.Metadata,
	trainSet, validationSet *io.DataSet) (*TrainingResult, error) {

	if trainSet.Size() == 0 || validationSet.Size() == 0 {
		return nil, errors.Wrapf(ErrNotEnoughData, "%d training and %d validation records",
			trainSet.Size(), validationSet.Size())
	}
	if metaData.FeatureCount() != modelConfig.FeatureCount {
		return nil, errors.Errorf("data has %d features, model expects %d",
			metaData.FeatureCount(), modelConfig.FeatureCount)
	}
	if params.ReportInterval <= 0 {
		return nil, errors.Errorf("report interval must be positive, got %d", params.ReportInterval)
	}

	t := &Trainer{params: params}
	t.model = model.NewRegressor(model.RegressorConfig{
		InputDimension:   modelConfig.FeatureCount,
		HiddenDimensions: modelConfig.HiddenDimensions,
	})
	t.model.Init(rand.NewLockedRand(params.RndSeed))

	updaterConfig := adam.NewDefaultConfig()
	updaterConfig.StepSize = params.LearningRate
	updater := adam.New(updaterConfig)
	t.optimizer = gd.NewOptimizer(updater, nn.NewDefaultParamsIterator(t.model))

	earlyStopping := params.EarlyStopping()
	stopping := NewEarlyStopping(params.Patience, params.MinDelta)
	var checkpoint []byte

	if earlyStopping {
		log.Info().Int("Patience", params.Patience).Float64("MinDelta", params.MinDelta).
			Int("Batches", trainSet.NumBatches()).Msg("Starting training with early stopping")
	} else {
		log.Info().Int("Epochs", params.NumEpochs).Int("Batches", trainSet.NumBatches()).Msg("Starting training")
	}

	result := &TrainingResult{BestValidationLoss: math.NaN()}
	for epoch := 1; epoch <= params.NumEpochs; epoch++ {
		t.optimizer.IncEpoch()
		stats := EpochStats{Epoch: epoch, TrainLoss: t.trainEpoch(trainSet), ValidationLoss: math.NaN()}
		if earlyStopping {
			stats.ValidationLoss = t.validationLoss(validationSet)
		}
		result.History = append(result.History, stats)
		result.StopEpoch = epoch

		if epoch%params.ReportInterval == 0 {
			event := log.Info().Int("Epoch", epoch).Int("Of", params.NumEpochs).Float64("TrainLoss", stats.TrainLoss)
			if earlyStopping {
				event = event.Float64("ValidationLoss", stats.ValidationLoss)
			}
			event.Msg("")
		}

		if !earlyStopping {
			continue
		}
		improved, stop := stopping.Update(stats.ValidationLoss)
		if improved {
			var err error
			checkpoint, err = io.EncodeRegressor(t.model)
			if err != nil {
				return nil, errors.Wrap(err, "error saving best weights")
			}
		}
		if stop {
			log.Info().Int("Epoch", epoch).Float64("BestValidationLoss", stopping.Best()).Msg("Early stopping triggered")
			result.EarlyStopped = true
			break
		}
	}

	if checkpoint != nil {
		best, err := io.DecodeRegressor(checkpoint)
		if err != nil {
			return nil, errors.Wrap(err, "error restoring best weights")
		}
		t.model = best
		result.Restored = true
		result.BestValidationLoss = stopping.Best()
		log.Info().Float64("BestValidationLoss", stopping.Best()).Msg("Restored model to best weights found during training")
	}

	result.Model = &model.Model{MetaData: metaData, Regressor: t.model}
	result.Validation = Evaluate(result.Model, validationSet.All(), nil)
	metaData.Validation = result.Validation
	return result, nil
}

// trainEpoch runs one pass over the training set and returns the example-weighted mean batch loss.
func (t *Trainer) trainEpoch(trainSet *io.DataSet) float64 {
	if t.params.Shuffle {
		trainSet.ResetOrder(io.RandomOrder)
	} else {
		trainSet.ResetOrder(io.OriginalOrder)
	}
	totalLoss := 0.0
	for batch := trainSet.Next(); len(batch) > 0; batch = trainSet.Next() {
		loss := t.trainBatch(batch)
		t.optimizer.Optimize()
		totalLoss += loss * float64(len(batch))
	}
	return totalLoss / float64(trainSet.Size())
}

func (t *Trainer) trainBatch(batch io.DataBatch) float64 {
	t.optimizer.IncBatch()

	g := ag.NewGraph(ag.Rand(rand.NewLockedRand(t.params.RndSeed)))
	defer g.Clear()
	input := createInputNodes(batch, g)
	predictions := t.model.NewProc(nn.Context{Graph: g, Mode: nn.Training}).Forward(input...)
	loss := meanSquaredError(g, predictions, batch)
	g.Backward(loss)
	return loss.ScalarValue()
}

func (t *Trainer) validationLoss(validationSet *io.DataSet) float64 {
	validation := validationSet.All()
	return MeanSquaredError(Predict(t.model, validation), validation.Targets())
}

// meanSquaredError builds sum((y'-y)^2)/n over the batch.
func meanSquaredError(g *ag.Graph, predictions []ag.Node, batch io.DataBatch) ag.Node {
	var loss ag.Node
	for i := range batch {
		diff := g.Sub(predictions[i], g.NewScalar(batch[i].Target))
		loss = g.Add(loss, g.Prod(diff, diff))
	}
	return g.Div(loss, g.NewScalar(float64(len(batch))))
}

func createInputNodes(batch io.DataBatch, g *ag.Graph) []ag.Node {
	input := make([]ag.Node, len(batch))
	for i := range input {
		input[i] = g.NewVariable(batch[i].Features, false)
	}
	return input
}
