package model

// ColumnMap is a bidirectional mapping between a column index and a dense matrix index
type ColumnMap struct {
	ColumnToIndex map[int]int
	IndexToColumn map[int]int
}

func (f ColumnMap) Set(column int, index int) {
	f.ColumnToIndex[column] = index
	f.IndexToColumn[index] = column
}

func (f ColumnMap) Size() int {
	return len(f.ColumnToIndex)
}

func NewColumnMap() ColumnMap {
	return ColumnMap{
		ColumnToIndex: map[int]int{},
		IndexToColumn: map[int]int{},
	}
}

// Metrics holds the regression quality of a model on a held out partition.
type Metrics struct {
	MAE        float64
	MSE        float64
	RMSE       float64
	R2         float64
	MAEDegrees float64
	Count      int
}

type Metadata struct {
	Columns []string

	// FeaturesMap maps a data row column index to a dense matrix index
	FeaturesMap ColumnMap

	// TargetColumn points to the column in the data row that contains U_f
	TargetColumn int

	// Profile is the name of the training profile the model was built with
	Profile string

	// Validation holds the metrics measured on the validation split after training
	Validation Metrics
}

func NewMetadata() *Metadata {
	return &Metadata{
		FeaturesMap: NewColumnMap(),
	}
}

func (d *Metadata) FeatureCount() int {
	return d.FeaturesMap.Size()
}

// TargetName returns the header name of the target column.
func (d *Metadata) TargetName() string {
	if d.TargetColumn < 0 || d.TargetColumn >= len(d.Columns) {
		return ""
	}
	return d.Columns[d.TargetColumn]
}

// FeatureNames returns the header names of the feature columns in dense order.
func (d *Metadata) FeatureNames() []string {
	names := make([]string, d.FeatureCount())
	for index, column := range d.FeaturesMap.IndexToColumn {
		if column < len(d.Columns) {
			names[index] = d.Columns[column]
		}
	}
	return names
}
