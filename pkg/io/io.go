package io

import (
	"bufio"
	"encoding/csv"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/nn/rec/lstm"

	"esim/pkg/model"
)

// Artifact file names produced by preprocessing inside the target directory.
const (
	TrainDataFile  = "train_data.gob"
	TestDataFile   = "test_data.gob"
	MetadataFile   = "metadata.gob"
	EmbeddingsFile = "embeddings.gob"
)

// Token granularities available in the question table.
const (
	GranularityWords = "words"
	GranularityChars = "chars"
)

func init() {
	// the bidirectional encoders reach their cells through nn.Model
	// interface fields, so gob needs the concrete type up front
	gob.Register(&lstm.Model{})
}

// DataRecord is one premise/hypothesis pair transformed to vocabulary
// indices. Label is -1 when the input carried no label column.
type DataRecord struct {
	PremiseID    string
	HypothesisID string
	Premise      []int
	Hypothesis   []int
	Label        int
}

type DataBatch []*DataRecord

type DataError struct {
	Line  int
	Error string
}

// PairRow is a raw line of a pair file before index transformation.
type PairRow struct {
	Line         int
	PremiseID    string
	HypothesisID string
	Label        string
}

// ReadQuestions loads the question table, a CSV file with a header row and
// records of the form id,words,chars. The granularity selects which of the
// two tokenized columns feeds the pipeline. Malformed lines are collected
// as DataErrors rather than aborting the read.
func ReadQuestions(fileName, granularity string, lowercase bool) (map[string][]string, []DataError, error) {
	column := 0
	switch granularity {
	case GranularityWords:
		column = 1
	case GranularityChars:
		column = 2
	default:
		return nil, nil, fmt.Errorf("unknown granularity %q", granularity)
	}

	inputFile, err := os.Open(fileName)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening question file: %w", err)
	}
	defer inputFile.Close()

	reader := csv.NewReader(inputFile)
	reader.FieldsPerRecord = -1

	//First line is expected to be a header
	if _, err := reader.Read(); err != nil {
		return nil, nil, fmt.Errorf("error reading question header: %w", err)
	}

	questions := make(map[string][]string)
	var errors []DataError
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			errors = append(errors, DataError{Line: line, Error: err.Error()})
			continue
		}
		if len(record) <= column {
			errors = append(errors, DataError{Line: line, Error: fmt.Sprintf("expected at least %d columns, found %d", column+1, len(record))})
			continue
		}
		text := record[column]
		if lowercase {
			text = strings.ToLower(text)
		}
		questions[record[0]] = strings.Fields(text)
	}
	return questions, errors, nil
}

// ReadPairRows loads a pair file, a CSV file with a header row and records
// of the form id1,id2[,label]. The label column may be absent on every row
// of a test file.
func ReadPairRows(fileName string) ([]PairRow, []DataError, error) {
	inputFile, err := os.Open(fileName)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening pair file: %w", err)
	}
	defer inputFile.Close()

	reader := csv.NewReader(inputFile)
	reader.FieldsPerRecord = -1

	//First line is expected to be a header
	if _, err := reader.Read(); err != nil {
		return nil, nil, fmt.Errorf("error reading pair header: %w", err)
	}

	var rows []PairRow
	var errors []DataError
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			errors = append(errors, DataError{Line: line, Error: err.Error()})
			continue
		}
		switch len(record) {
		case 2:
			rows = append(rows, PairRow{Line: line, PremiseID: record[0], HypothesisID: record[1]})
		case 3:
			rows = append(rows, PairRow{Line: line, PremiseID: record[0], HypothesisID: record[1], Label: record[2]})
		default:
			errors = append(errors, DataError{Line: line, Error: fmt.Sprintf("expected 2 or 3 columns, found %d", len(record))})
		}
	}
	return rows, errors, nil
}

// TransformPairs resolves pair rows against the question table and maps
// tokens and labels to indices. With growLabels set, labels missing from
// the label map are added in discovery order; otherwise rows with unknown
// labels are collected as errors and skipped. Rows without a label produce
// records with label -1, accepted only when growLabels is off.
func TransformPairs(rows []PairRow, questions map[string][]string, metaData *model.Metadata, growLabels bool) ([]*DataRecord, []DataError) {
	var records []*DataRecord
	var errors []DataError
	for _, row := range rows {
		premise, ok := questions[row.PremiseID]
		if !ok {
			errors = append(errors, DataError{Line: row.Line, Error: fmt.Sprintf("unknown question id %q", row.PremiseID)})
			continue
		}
		hypothesis, ok := questions[row.HypothesisID]
		if !ok {
			errors = append(errors, DataError{Line: row.Line, Error: fmt.Sprintf("unknown question id %q", row.HypothesisID)})
			continue
		}

		label := -1
		switch {
		case row.Label == "" && growLabels:
			errors = append(errors, DataError{Line: row.Line, Error: "missing label"})
			continue
		case row.Label == "":
			// unlabeled test row, metrics will be suppressed
		case growLabels:
			label = metaData.ParseOrAddLabel(row.Label)
		default:
			label, ok = metaData.ParseLabel(row.Label)
			if !ok {
				errors = append(errors, DataError{Line: row.Line, Error: fmt.Sprintf("unknown label %q", row.Label)})
				continue
			}
		}

		records = append(records, &DataRecord{
			PremiseID:    row.PremiseID,
			HypothesisID: row.HypothesisID,
			Premise:      metaData.Vocab.Indices(premise),
			Hypothesis:   metaData.Vocab.Indices(hypothesis),
			Label:        label,
		})
	}
	return records, errors
}

// LoadEmbeddings parses a pretrained-vector text file: one entry per line,
// a word followed by whitespace-separated floats. Lines whose second field
// does not parse as a float belong to multi-word entries and are ignored,
// as are words outside the vocabulary. Returns the vectors and their
// dimension.
func LoadEmbeddings(fileName string, vocab *model.Vocabulary) (map[string][]float64, int, []DataError, error) {
	inputFile, err := os.Open(fileName)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("error opening embeddings file: %w", err)
	}
	defer inputFile.Close()

	vectors := make(map[string][]float64)
	size := 0
	var errors []DataError

	scanner := bufio.NewScanner(inputFile)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if _, err := strconv.ParseFloat(fields[1], 64); err != nil {
			// multi-word entry
			continue
		}
		if _, ok := vocab.Words.ContainsName(fields[0]); !ok {
			continue
		}

		vector := make([]float64, len(fields)-1)
		parsed := true
		for i, field := range fields[1:] {
			value, err := strconv.ParseFloat(field, 64)
			if err != nil {
				errors = append(errors, DataError{Line: line, Error: fmt.Sprintf("error parsing component %d: %s", i, err)})
				parsed = false
				break
			}
			vector[i] = value
		}
		if !parsed {
			continue
		}
		if size == 0 {
			size = len(vector)
		} else if len(vector) != size {
			errors = append(errors, DataError{Line: line, Error: fmt.Sprintf("expected %d components, found %d", size, len(vector))})
			continue
		}
		vectors[fields[0]] = vector
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, errors, fmt.Errorf("error reading embeddings file: %w", err)
	}
	return vectors, size, errors, nil
}

// BuildEmbeddingMatrix assembles one row per vocabulary entry: the
// pretrained vector when available, random normal samples otherwise. The
// padding row stays at zero. Rows are generated in index order so the
// result is reproducible for a given seed.
func BuildEmbeddingMatrix(vocab *model.Vocabulary, vectors map[string][]float64, size int, generator *rand.LockedRand) [][]float64 {
	matrix := make([][]float64, vocab.Size())
	for i := range matrix {
		row := make([]float64, size)
		if i != model.PadIndex {
			word := vocab.Words.IndexToName[i]
			if vector, ok := vectors[word]; ok {
				copy(row, vector)
			} else {
				for j := range row {
					row[j] = generator.NormFloat64()
				}
			}
		}
		matrix[i] = row
	}
	return matrix
}

func SaveCheckpoint(checkpoint *model.Checkpoint, writer io.Writer) error {
	encoder := gob.NewEncoder(writer)
	err := encoder.Encode(checkpoint)
	if err != nil {
		return fmt.Errorf("error encoding checkpoint: %w", err)
	}
	return nil
}

func LoadCheckpoint(input io.Reader) (*model.Checkpoint, error) {
	decoder := gob.NewDecoder(input)
	checkpoint := model.Checkpoint{}
	err := decoder.Decode(&checkpoint)
	if err != nil {
		return nil, fmt.Errorf("error decoding checkpoint: %w", err)
	}
	return &checkpoint, nil
}

func SaveRecords(records []*DataRecord, writer io.Writer) error {
	encoder := gob.NewEncoder(writer)
	err := encoder.Encode(records)
	if err != nil {
		return fmt.Errorf("error encoding data records: %w", err)
	}
	return nil
}

func LoadRecords(input io.Reader) ([]*DataRecord, error) {
	decoder := gob.NewDecoder(input)
	var records []*DataRecord
	err := decoder.Decode(&records)
	if err != nil {
		return nil, fmt.Errorf("error decoding data records: %w", err)
	}
	return records, nil
}

func SaveMetadata(metaData *model.Metadata, writer io.Writer) error {
	encoder := gob.NewEncoder(writer)
	err := encoder.Encode(metaData)
	if err != nil {
		return fmt.Errorf("error encoding metadata: %w", err)
	}
	return nil
}

func LoadMetadata(input io.Reader) (*model.Metadata, error) {
	decoder := gob.NewDecoder(input)
	metaData := model.Metadata{}
	err := decoder.Decode(&metaData)
	if err != nil {
		return nil, fmt.Errorf("error decoding metadata: %w", err)
	}
	return &metaData, nil
}

func SaveEmbeddingMatrix(matrix [][]float64, writer io.Writer) error {
	encoder := gob.NewEncoder(writer)
	err := encoder.Encode(matrix)
	if err != nil {
		return fmt.Errorf("error encoding embedding matrix: %w", err)
	}
	return nil
}

func LoadEmbeddingMatrix(input io.Reader) ([][]float64, error) {
	decoder := gob.NewDecoder(input)
	var matrix [][]float64
	err := decoder.Decode(&matrix)
	if err != nil {
		return nil, fmt.Errorf("error decoding embedding matrix: %w", err)
	}
	return matrix, nil
}
