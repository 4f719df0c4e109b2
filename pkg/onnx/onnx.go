// Package onnx exports a trained regressor as an ONNX model so it can be
// evaluated outside of Go, e.g. by onnxruntime.
//
// The protobuf messages are written field by field with protowire; only the
// subset of onnx.proto needed for a MatMul/Add/Relu graph is produced.
package onnx

import (
	"encoding/binary"
	"fmt"
	gio "io"
	"math"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"ufnet/pkg/model"
)

const (
	InputName      = "input"
	OutputName     = "output"
	BatchDimension = "batch_size"
	ProducerName   = "ufnet"

	IRVersion    = 7
	OpsetVersion = 13

	// TensorProto.DataType FLOAT
	dataTypeFloat = 1
)

// onnx.proto field numbers.
const (
	modelIRVersion     protowire.Number = 1
	modelProducerName  protowire.Number = 2
	modelGraph         protowire.Number = 7
	modelOpsetImport   protowire.Number = 8
	opsetDomain        protowire.Number = 1
	opsetVersion       protowire.Number = 2
	graphNode          protowire.Number = 1
	graphName          protowire.Number = 2
	graphInitializer   protowire.Number = 5
	graphInput         protowire.Number = 11
	graphOutput        protowire.Number = 12
	nodeInput          protowire.Number = 1
	nodeOutput         protowire.Number = 2
	nodeName           protowire.Number = 3
	nodeOpType         protowire.Number = 4
	tensorDims         protowire.Number = 1
	tensorDataType     protowire.Number = 2
	tensorName         protowire.Number = 8
	tensorRawData      protowire.Number = 9
	valueInfoName      protowire.Number = 1
	valueInfoType      protowire.Number = 2
	typeTensorType     protowire.Number = 1
	tensorTypeElemType protowire.Number = 1
	tensorTypeShape    protowire.Number = 2
	shapeDim           protowire.Number = 1
	dimValue           protowire.Number = 1
	dimParam           protowire.Number = 2
)

type Options struct {
	// DynamicBatch names the batch axis of input and output instead of fixing it to 1.
	DynamicBatch bool
}

// Marshal encodes the regressor as an ONNX ModelProto. The input is a float
// tensor [batch, features] named "input", the output [batch, 1] named "output".
func Marshal(r *model.Regressor, opts Options) ([]byte, error) {
	if len(r.Layers) == 0 {
		return nil, errors.New("regressor has no layers")
	}
	graph, err := marshalGraph(r, opts)
	if err != nil {
		return nil, err
	}

	var opset []byte
	opset = appendString(opset, opsetDomain, "")
	opset = appendVarint(opset, opsetVersion, OpsetVersion)

	var b []byte
	b = appendVarint(b, modelIRVersion, IRVersion)
	b = appendString(b, modelProducerName, ProducerName)
	b = appendMessage(b, modelGraph, graph)
	b = appendMessage(b, modelOpsetImport, opset)
	return b, nil
}

func marshalGraph(r *model.Regressor, opts Options) ([]byte, error) {
	var b []byte
	last := len(r.Layers) - 1
	x := InputName
	for i, layer := range r.Layers {
		w, bias := layer.W.Value(), layer.B.Value()
		in, out := w.Columns(), w.Rows()
		if bias.Rows()*bias.Columns() != out {
			return nil, errors.Errorf("layer %d: bias size %d does not match %d outputs", i, bias.Rows()*bias.Columns(), out)
		}

		// spago computes W·x with W of shape [out, in]; ONNX sees x as a row, so store Wᵀ.
		weights := make([]float32, 0, in*out)
		for j := 0; j < in; j++ {
			for k := 0; k < out; k++ {
				weights = append(weights, float32(w.At(k, j)))
			}
		}
		biases := make([]float32, 0, out)
		for _, v := range bias.Data() {
			biases = append(biases, float32(v))
		}

		weightName := fmt.Sprintf("layer%d.weight", i)
		biasName := fmt.Sprintf("layer%d.bias", i)
		b = appendMessage(b, graphInitializer, marshalTensor(weightName, []int64{int64(in), int64(out)}, weights))
		b = appendMessage(b, graphInitializer, marshalTensor(biasName, []int64{int64(out)}, biases))

		matMul := fmt.Sprintf("layer%d.matmul", i)
		b = appendMessage(b, graphNode, marshalNode(matMul, "MatMul", []string{x, weightName}, matMul))

		sum := fmt.Sprintf("layer%d.add", i)
		if i == last {
			sum = OutputName
		}
		b = appendMessage(b, graphNode, marshalNode(fmt.Sprintf("layer%d.add", i), "Add", []string{matMul, biasName}, sum))
		x = sum

		if i != last {
			relu := fmt.Sprintf("layer%d.relu", i)
			b = appendMessage(b, graphNode, marshalNode(relu, "Relu", []string{x}, relu))
			x = relu
		}
	}

	batch := batchDim(opts)
	b = appendString(b, graphName, ProducerName)
	b = appendMessage(b, graphInput, marshalValueInfo(InputName, batch, dim{value: int64(r.Layers[0].W.Value().Columns())}))
	b = appendMessage(b, graphOutput, marshalValueInfo(OutputName, batch, dim{value: model.OutputDimension}))
	return b, nil
}

// Export writes the ONNX encoding of the regressor to w.
func Export(w gio.Writer, r *model.Regressor, opts Options) error {
	data, err := Marshal(r, opts)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "error writing ONNX model")
	}
	return nil
}

func ExportFile(fileName string, r *model.Regressor, opts Options) error {
	outputFile, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "error creating ONNX file %s", fileName)
	}
	if err := Export(outputFile, r, opts); err != nil {
		outputFile.Close()
		return err
	}
	return errors.Wrapf(outputFile.Close(), "error closing ONNX file %s", fileName)
}

type dim struct {
	value int64
	param string
}

func batchDim(opts Options) dim {
	if opts.DynamicBatch {
		return dim{param: BatchDimension}
	}
	return dim{value: 1}
}

func marshalTensor(name string, dims []int64, data []float32) []byte {
	var b []byte
	for _, d := range dims {
		b = appendVarint(b, tensorDims, uint64(d))
	}
	b = appendVarint(b, tensorDataType, dataTypeFloat)
	b = appendString(b, tensorName, name)
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	b = appendMessage(b, tensorRawData, raw)
	return b
}

func marshalNode(name, opType string, inputs []string, output string) []byte {
	var b []byte
	for _, in := range inputs {
		b = appendString(b, nodeInput, in)
	}
	b = appendString(b, nodeOutput, output)
	b = appendString(b, nodeName, name)
	b = appendString(b, nodeOpType, opType)
	return b
}

func marshalValueInfo(name string, dims ...dim) []byte {
	var shape []byte
	for _, d := range dims {
		var m []byte
		if d.param != "" {
			m = appendString(m, dimParam, d.param)
		} else {
			m = appendVarint(m, dimValue, uint64(d.value))
		}
		shape = appendMessage(shape, shapeDim, m)
	}
	var tensorType []byte
	tensorType = appendVarint(tensorType, tensorTypeElemType, dataTypeFloat)
	tensorType = appendMessage(tensorType, tensorTypeShape, shape)

	var typeProto []byte
	typeProto = appendMessage(typeProto, typeTensorType, tensorType)

	var b []byte
	b = appendString(b, valueInfoName, name)
	b = appendMessage(b, valueInfoType, typeProto)
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}
