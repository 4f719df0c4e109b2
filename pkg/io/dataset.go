package io

import (
	"math"
	"math/rand"

	"github.com/nlpodyssey/spago/pkg/mat"
)

// DataRecord is one CSV row: the feature vector and the U_f target.
type DataRecord struct {
	Features mat.Matrix
	Target   float64
}

type DataBatch []*DataRecord

// Targets returns the target values of the batch in order.
func (b DataBatch) Targets() []float64 {
	targets := make([]float64, len(b))
	for i, record := range b {
		targets[i] = record.Target
	}
	return targets
}

type DataSet struct {
	Data []*DataRecord
	// BatchSize of zero or less yields the whole set as a single batch.
	BatchSize    int
	Rand         *rand.Rand
	dataIndices  []int
	currentOrder []int
	currentIndex int
}

type DatasetOrder int

const (
	OriginalOrder DatasetOrder = iota
	RandomOrder
)

func NewDataSet(data []*DataRecord, batchSize int, rnd *rand.Rand) *DataSet {
	dataIndices := make([]int, len(data))
	for i := range dataIndices {
		dataIndices[i] = i
	}
	return newDataSetSplit(data, batchSize, rnd, dataIndices)
}

func newDataSetSplit(data []*DataRecord, batchSize int, rnd *rand.Rand, indices []int) *DataSet {
	ds := &DataSet{Data: data, BatchSize: batchSize, Rand: rnd, dataIndices: indices}
	ds.ResetOrder(OriginalOrder)
	return ds
}

func (d *DataSet) ResetOrder(order DatasetOrder) {
	if d.currentOrder == nil {
		d.currentOrder = make([]int, len(d.dataIndices))
	}
	switch order {
	case OriginalOrder:
		copy(d.currentOrder, d.dataIndices)
	case RandomOrder:
		ind := d.Rand.Perm(len(d.currentOrder))
		for i := range ind {
			d.currentOrder[i] = d.dataIndices[ind[i]]
		}
	}
	d.currentIndex = 0
}

// Next returns the next batch in the current order, or an empty batch once the
// set is exhausted.
func (d *DataSet) Next() DataBatch {
	batchSize := d.BatchSize
	if batchSize <= 0 {
		batchSize = len(d.currentOrder)
	}
	batch := make(DataBatch, 0, batchSize)
	for ; d.currentIndex < len(d.currentOrder) && len(batch) < batchSize; d.currentIndex++ {
		batch = append(batch, d.Data[d.currentOrder[d.currentIndex]])
	}
	return batch
}

// All returns every record of the set in original order.
func (d *DataSet) All() DataBatch {
	batch := make(DataBatch, len(d.dataIndices))
	for i, index := range d.dataIndices {
		batch[i] = d.Data[index]
	}
	return batch
}

func (d *DataSet) Size() int {
	return len(d.dataIndices)
}

// NumBatches is the number of batches Next yields per pass.
func (d *DataSet) NumBatches() int {
	if d.Size() == 0 {
		return 0
	}
	if d.BatchSize <= 0 {
		return 1
	}
	return (d.Size() + d.BatchSize - 1) / d.BatchSize
}

// Split shuffles the set and partitions it into a training and a validation set.
// The validation set receives ceil(fraction*size) records.
func (d *DataSet) Split(validationFraction float64) (train *DataSet, validation *DataSet) {
	indices := make([]int, len(d.dataIndices))
	copy(indices, d.dataIndices)
	d.Rand.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})
	numValidation := ValidationSize(len(indices), validationFraction)
	numTrain := len(indices) - numValidation
	train = newDataSetSplit(d.Data, d.BatchSize, d.Rand, indices[:numTrain])
	validation = newDataSetSplit(d.Data, d.BatchSize, d.Rand, indices[numTrain:])
	return train, validation
}

// ValidationSize returns how many of n records go to the validation partition.
func ValidationSize(n int, fraction float64) int {
	if fraction <= 0 {
		return 0
	}
	if fraction >= 1 {
		return n
	}
	// the epsilon absorbs representation error, e.g. 0.2*100 > 20
	return int(math.Ceil(fraction*float64(n) - 1e-9))
}
