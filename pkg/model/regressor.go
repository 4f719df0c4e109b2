package model

import (
	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"
)

var (
	_ nn.Model     = &Regressor{}
	_ nn.Processor = &RegressorProcessor{}
)

// OutputDimension is the width of the last layer: a single U_f estimate.
const OutputDimension = 1

type RegressorConfig struct {
	InputDimension   int
	HiddenDimensions []int
}

// Regressor is a stack of fully connected layers with rectified-linear
// activations between them. The last layer is linear.
type Regressor struct {
	RegressorConfig
	Layers []*linear.Model
}

func NewRegressor(config RegressorConfig) *Regressor {
	dims := append([]int{config.InputDimension}, config.HiddenDimensions...)
	dims = append(dims, OutputDimension)
	layers := make([]*linear.Model, len(dims)-1)
	for i := range layers {
		layers[i] = linear.New(dims[i], dims[i+1])
	}
	return &Regressor{
		RegressorConfig: config,
		Layers:          layers,
	}
}

func (m *Regressor) Init(generator *rand.LockedRand) {
	for i, layer := range m.Layers {
		gain := initializers.Gain(ag.OpReLU)
		if i == len(m.Layers)-1 {
			gain = initializers.Gain(ag.OpIdentity)
		}
		initializers.XavierUniform(layer.W.Value(), gain, generator)
	}
}

type RegressorProcessor struct {
	nn.BaseProcessor
	layerProcessors []nn.Processor
}

func (m *Regressor) NewProc(ctx nn.Context) nn.Processor {
	layerProcessors := make([]nn.Processor, len(m.Layers))
	for i := range layerProcessors {
		layerProcessors[i] = m.Layers[i].NewProc(ctx)
	}
	return &RegressorProcessor{
		BaseProcessor: nn.BaseProcessor{
			Model:             m,
			Mode:              ctx.Mode,
			Graph:             ctx.Graph,
			FullSeqProcessing: false,
		},
		layerProcessors: layerProcessors,
	}
}

// Forward maps one feature vector per example to one scalar prediction per example.
func (p *RegressorProcessor) Forward(xs ...ag.Node) []ag.Node {
	last := len(p.layerProcessors) - 1
	out := xs
	for i, layer := range p.layerProcessors {
		out = layer.Forward(out...)
		if i == last {
			break
		}
		for k := range out {
			out[k] = p.Graph.ReLU(out[k])
		}
	}
	return out
}
