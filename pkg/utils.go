package pkg

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"esim/pkg/io"
	"esim/pkg/model"
)

func printDataErrors(errors []io.DataError) {
	for _, err := range errors {
		log.Warn().Int("Line", err.Line).Str("Error", err.Error).Msg("Error parsing data")
	}
}

// argmax returns the index and value of the largest element of data.
func argmax(data []float64) (int, float64) {
	maxIndex := 0
	for i, value := range data {
		if value > data[maxIndex] {
			maxIndex = i
		}
	}
	return maxIndex, data[maxIndex]
}

// NoopWriter discards everything written to it.
type NoopWriter struct{}

func (w NoopWriter) Write(p []byte) (int, error) {
	return len(p), nil
}

func loadMetadataFile(fileName string) (*model.Metadata, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, fmt.Errorf("error opening metadata file %s: %w", fileName, err)
	}
	defer file.Close()
	return io.LoadMetadata(file)
}

func loadRecordsFile(fileName string) ([]*io.DataRecord, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, fmt.Errorf("error opening data file %s: %w", fileName, err)
	}
	defer file.Close()
	return io.LoadRecords(file)
}

func loadEmbeddingMatrixFile(fileName string) ([][]float64, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, fmt.Errorf("error opening embeddings file %s: %w", fileName, err)
	}
	defer file.Close()
	return io.LoadEmbeddingMatrix(file)
}

func loadCheckpointFile(fileName string) (*model.Checkpoint, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, fmt.Errorf("error opening model file %s: %w", fileName, err)
	}
	defer file.Close()
	return io.LoadCheckpoint(file)
}

func loadModelFile(fileName string) (*model.Model, error) {
	checkpoint, err := loadCheckpointFile(fileName)
	if err != nil {
		return nil, err
	}
	return checkpoint.Model, nil
}

func saveCheckpoint(checkpoint *model.Checkpoint, fileName string) error {
	return saveArtifact(fileName, func(f *os.File) error {
		return io.SaveCheckpoint(checkpoint, f)
	})
}
