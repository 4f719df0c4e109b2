package onnx

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/nlpodyssey/spago/pkg/mat"
	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"ufnet/pkg/model"
)

// field is one decoded protobuf field; bytes fields keep their payload in data.
type field struct {
	num    protowire.Number
	varint uint64
	data   []byte
}

func decode(t *testing.T, b []byte) []field {
	t.Helper()
	var fields []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		require.GreaterOrEqual(t, n, 0)
		b = b[n:]
		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.data, n = protowire.ConsumeBytes(b)
		default:
			t.Fatalf("unexpected wire type %v", typ)
		}
		require.GreaterOrEqual(t, n, 0)
		b = b[n:]
		fields = append(fields, f)
	}
	return fields
}

func filter(fields []field, num protowire.Number) []field {
	var result []field
	for _, f := range fields {
		if f.num == num {
			result = append(result, f)
		}
	}
	return result
}

func str(fields []field, num protowire.Number) string {
	matches := filter(fields, num)
	if len(matches) == 0 {
		return ""
	}
	return string(matches[0].data)
}

type tensor struct {
	dims []int64
	data []float32
}

func decodeTensor(t *testing.T, b []byte) (string, tensor) {
	fields := decode(t, b)
	var result tensor
	for _, d := range filter(fields, tensorDims) {
		result.dims = append(result.dims, int64(d.varint))
	}
	require.Equal(t, uint64(dataTypeFloat), filter(fields, tensorDataType)[0].varint)
	raw := filter(fields, tensorRawData)[0].data
	for i := 0; i < len(raw); i += 4 {
		result.data = append(result.data, math.Float32frombits(binary.LittleEndian.Uint32(raw[i:])))
	}
	return str(fields, tensorName), result
}

// run interprets the MatMul/Add/Relu graph for a single input row.
func run(t *testing.T, graph []field, input []float32) []float32 {
	tensors := map[string]tensor{}
	for _, f := range filter(graph, graphInitializer) {
		name, value := decodeTensor(t, f.data)
		tensors[name] = value
	}
	tensors[InputName] = tensor{dims: []int64{1, int64(len(input))}, data: input}

	for _, f := range filter(graph, graphNode) {
		node := decode(t, f.data)
		inputs := filter(node, nodeInput)
		out := str(node, nodeOutput)
		x := tensors[string(inputs[0].data)]
		switch str(node, nodeOpType) {
		case "MatMul":
			w := tensors[string(inputs[1].data)]
			rows, cols := int(w.dims[0]), int(w.dims[1])
			require.Equal(t, rows, len(x.data))
			y := make([]float32, cols)
			for k := 0; k < cols; k++ {
				for j := 0; j < rows; j++ {
					y[k] += x.data[j] * w.data[j*cols+k]
				}
			}
			tensors[out] = tensor{dims: []int64{1, int64(cols)}, data: y}
		case "Add":
			bias := tensors[string(inputs[1].data)]
			y := make([]float32, len(x.data))
			for k := range y {
				y[k] = x.data[k] + bias.data[k]
			}
			tensors[out] = tensor{dims: x.dims, data: y}
		case "Relu":
			y := make([]float32, len(x.data))
			for k := range y {
				y[k] = float32(math.Max(0, float64(x.data[k])))
			}
			tensors[out] = tensor{dims: x.dims, data: y}
		default:
			t.Fatalf("unexpected op %s", str(node, nodeOpType))
		}
	}
	return tensors[OutputName].data
}

func newRegressor() *model.Regressor {
	r := model.NewRegressor(model.RegressorConfig{InputDimension: 14, HiddenDimensions: []int{8, 8, 4}})
	r.Init(rand.NewLockedRand(7))
	for _, layer := range r.Layers {
		data := layer.B.Value().Data()
		for i := range data {
			data[i] = 0.01 * float64(i+1)
		}
	}
	return r
}

func TestMarshal_Structure(t *testing.T) {
	r := newRegressor()
	b, err := Marshal(r, Options{DynamicBatch: true})
	require.NoError(t, err)

	m := decode(t, b)
	require.Equal(t, uint64(IRVersion), filter(m, modelIRVersion)[0].varint)
	require.Equal(t, ProducerName, str(m, modelProducerName))
	opset := decode(t, filter(m, modelOpsetImport)[0].data)
	require.Equal(t, uint64(OpsetVersion), filter(opset, opsetVersion)[0].varint)

	graph := decode(t, filter(m, modelGraph)[0].data)
	// MatMul+Add per layer, Relu between layers
	require.Equal(t, 4*2+3, len(filter(graph, graphNode)))
	require.Equal(t, 4*2, len(filter(graph, graphInitializer)))

	input := decode(t, filter(graph, graphInput)[0].data)
	require.Equal(t, InputName, str(input, valueInfoName))
	dims := shapeOf(t, input)
	require.Equal(t, []string{BatchDimension, "14"}, dims)

	output := decode(t, filter(graph, graphOutput)[0].data)
	require.Equal(t, OutputName, str(output, valueInfoName))
	require.Equal(t, []string{BatchDimension, "1"}, shapeOf(t, output))

	b, err = Marshal(r, Options{})
	require.NoError(t, err)
	graph = decode(t, filter(decode(t, b), modelGraph)[0].data)
	require.Equal(t, []string{"1", "14"}, shapeOf(t, decode(t, filter(graph, graphInput)[0].data)))
}

func shapeOf(t *testing.T, valueInfo []field) []string {
	typeProto := decode(t, filter(valueInfo, valueInfoType)[0].data)
	tensorType := decode(t, filter(typeProto, typeTensorType)[0].data)
	require.Equal(t, uint64(dataTypeFloat), filter(tensorType, tensorTypeElemType)[0].varint)
	shape := decode(t, filter(tensorType, tensorTypeShape)[0].data)
	var dims []string
	for _, d := range filter(shape, shapeDim) {
		dimFields := decode(t, d.data)
		if param := str(dimFields, dimParam); param != "" {
			dims = append(dims, param)
		} else {
			dims = append(dims, strconv.FormatUint(filter(dimFields, dimValue)[0].varint, 10))
		}
	}
	return dims
}

func TestMarshal_MatchesRegressor(t *testing.T) {
	r := newRegressor()
	b, err := Marshal(r, Options{DynamicBatch: true})
	require.NoError(t, err)
	graph := decode(t, filter(decode(t, b), modelGraph)[0].data)

	g := ag.NewGraph(ag.Rand(rand.NewLockedRand(1)))
	defer g.Clear()
	proc := r.NewProc(nn.Context{Graph: g, Mode: nn.Inference})

	for s := 0; s < 5; s++ {
		features := make([]float64, 14)
		input := make([]float32, 14)
		for i := range features {
			features[i] = float64((i+s)%7) / 7
			input[i] = float32(features[i])
		}
		expected := proc.Forward(g.NewVariable(mat.NewVecDense(features), false))[0].ScalarValue()
		actual := run(t, graph, input)
		require.Equal(t, 1, len(actual))
		require.InDelta(t, expected, float64(actual[0]), 1e-4)
	}
}

func TestExportFile(t *testing.T) {
	r := newRegressor()
	fileName := filepath.Join(t.TempDir(), "uncertainty_model_3d.onnx")
	require.NoError(t, ExportFile(fileName, r, Options{}))

	written, err := os.ReadFile(fileName)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, Export(&buf, r, Options{}))
	require.Equal(t, buf.Bytes(), written)

	_, err = Marshal(&model.Regressor{}, Options{})
	require.Error(t, err)
}
