package model

type Model struct {
	MetaData  *Metadata
	Regressor *Regressor
}
