package model

type Model struct {
	MetaData *Metadata
	ESIM     *ESIM
}

// Checkpoint is the unit of persistence during training: the model plus
// enough bookkeeping to report or resume a run.
type Checkpoint struct {
	Epoch            int
	BestScore        float64
	TrainLosses      []float64
	ValidationLosses []float64
	Model            *Model
}
