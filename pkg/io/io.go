package io

import (
	"bytes"
	"encoding/csv"
	"encoding/gob"
	"io"
	"os"
	"strconv"

	"github.com/nlpodyssey/spago/pkg/mat"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"

	"ufnet/pkg/model"
)

// ErrDataNotFound is returned by LoadData when the input file does not exist.
var ErrDataNotFound = errors.New("data file not found")

type DataParameters struct {
	DataFile string
	// FeatureCount is the number of leading feature columns; the target follows them.
	FeatureCount int
	// SkipTarget reads feature columns only, for inference on unlabeled rows.
	SkipTarget bool
	// Quiet disables the load progress bar.
	Quiet bool
}

type DataError struct {
	Line  int
	Error string
}

// LoadData reads the CSV data file. When metaData is nil it is built from the header,
// otherwise the file must match the layout the metadata describes.
// Rows that fail to parse are skipped and reported as DataErrors.
func LoadData(p DataParameters, metaData *model.Metadata) (*model.Metadata, []*DataRecord, []DataError, error) {

	var dataErrors []DataError
	inputFile, err := os.Open(p.DataFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil, errors.WithMessage(ErrDataNotFound, p.DataFile)
		}
		return nil, nil, nil, errors.Wrap(err, "error opening file")
	}
	defer inputFile.Close()

	reader := csv.NewReader(withProgress(inputFile, p))
	reader.Comma = ','
	reader.FieldsPerRecord = -1

	//First line is expected to be a header
	header, err := reader.Read()
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "error reading data header")
	}

	if metaData == nil {
		metaData, err = buildMetadata(header, p.FeatureCount)
		if err != nil {
			return nil, nil, nil, err
		}
	} else if len(header) < metaData.FeatureCount() {
		return nil, nil, nil, errors.Errorf("data header has %d columns, model expects %d features",
			len(header), metaData.FeatureCount())
	}

	requiredColumns := metaData.FeatureCount()
	if !p.SkipTarget {
		requiredColumns = metaData.TargetColumn + 1
		if len(header) < requiredColumns {
			return nil, nil, nil, errors.Errorf("data header has %d columns, target column %d is missing",
				len(header), metaData.TargetColumn)
		}
	}

	var result []*DataRecord
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				dataErrors = append(dataErrors, DataError{Line: parseErr.StartLine, Error: err.Error()})
				continue
			}
			return nil, nil, nil, errors.Wrap(err, "error reading data")
		}
		// file line of the record, counting skipped blank lines
		currentLine, _ := reader.FieldPos(0)

		if len(record) < requiredColumns {
			dataErrors = append(dataErrors, DataError{
				Line:  currentLine,
				Error: "expected at least " + strconv.Itoa(requiredColumns) + " columns, found " + strconv.Itoa(len(record)),
			})
			continue
		}

		features := mat.NewEmptyVecDense(metaData.FeatureCount())
		if err := parseFeatures(metaData, record, features); err != nil {
			dataErrors = append(dataErrors, DataError{Line: currentLine, Error: err.Error()})
			continue
		}

		dataRecord := &DataRecord{Features: features}
		if !p.SkipTarget {
			dataRecord.Target, err = strconv.ParseFloat(record[metaData.TargetColumn], 64)
			if err != nil {
				dataErrors = append(dataErrors, DataError{
					Line:  currentLine,
					Error: errors.Wrapf(err, "error parsing target %s", metaData.TargetName()).Error(),
				})
				continue
			}
		}
		result = append(result, dataRecord)
	}

	return metaData, result, dataErrors, nil
}

func withProgress(input *os.File, p DataParameters) io.Reader {
	size := int64(-1)
	if info, err := input.Stat(); err == nil {
		size = info.Size()
	}
	var bar *progressbar.ProgressBar
	if p.Quiet {
		bar = progressbar.DefaultBytesSilent(size, "loading "+p.DataFile)
	} else {
		bar = progressbar.DefaultBytes(size, "loading "+p.DataFile)
	}
	return io.TeeReader(input, bar)
}

func buildMetadata(header []string, featureCount int) (*model.Metadata, error) {
	if featureCount <= 0 {
		return nil, errors.Errorf("feature count must be positive, got %d", featureCount)
	}
	if len(header) < featureCount+1 {
		return nil, errors.Errorf("data header has %d columns, expected %d features followed by the target",
			len(header), featureCount)
	}
	metaData := model.NewMetadata()
	metaData.Columns = header
	for i := 0; i < featureCount; i++ {
		metaData.FeaturesMap.Set(i, i)
	}
	metaData.TargetColumn = featureCount
	return metaData, nil
}

func parseFeatures(metaData *model.Metadata, record []string, features *mat.Dense) error {
	for column, index := range metaData.FeaturesMap.ColumnToIndex {
		value, err := strconv.ParseFloat(record[column], 64)
		if err != nil {
			return errors.Wrapf(err, "error parsing feature %s", metaData.Columns[column])
		}
		features.Set(index, 0, value)
	}
	return nil
}

func SaveModel(model *model.Model, writer io.Writer) error {
	encoder := gob.NewEncoder(writer)
	err := encoder.Encode(model)
	if err != nil {
		return errors.Wrap(err, "error encoding model")
	}
	return nil
}

func LoadModel(input io.Reader) (*model.Model, error) {
	decoder := gob.NewDecoder(input)
	model := model.Model{}
	err := decoder.Decode(&model)
	if err != nil {
		return nil, errors.Wrap(err, "error decoding model")
	}
	return &model, nil
}

// SaveModelFile writes the model to fileName, replacing any existing file.
func SaveModelFile(m *model.Model, fileName string) error {
	outputFile, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "error creating model file %s", fileName)
	}
	defer outputFile.Close()
	return SaveModel(m, outputFile)
}

func LoadModelFile(fileName string) (*model.Model, error) {
	modelFile, err := os.Open(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening model file %s", fileName)
	}
	defer modelFile.Close()
	m, err := LoadModel(modelFile)
	if err != nil {
		return nil, errors.Wrapf(err, "error loading model from file %s", fileName)
	}
	return m, nil
}

// EncodeRegressor serializes the regressor weights, e.g. to checkpoint them in memory.
func EncodeRegressor(r *model.Regressor) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, errors.Wrap(err, "error encoding regressor")
	}
	return buf.Bytes(), nil
}

func DecodeRegressor(data []byte) (*model.Regressor, error) {
	r := &model.Regressor{}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(r); err != nil {
		return nil, errors.Wrap(err, "error decoding regressor")
	}
	return r, nil
}
