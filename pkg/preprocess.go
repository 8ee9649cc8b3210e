package pkg

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/rs/zerolog/log"

	"esim/pkg/io"
	"esim/pkg/model"
)

// Pair file names expected inside the input directory.
const (
	TrainPairsFile = "train.csv"
	TestPairsFile  = "test.csv"
)

type PreprocessParameters struct {
	NumWords    int
	Granularity string
	Lowercase   bool
	RndSeed     uint64
}

// Preprocess builds the artifacts the training and testing commands run
// on: the vocabulary and label metadata, the train and test pair records
// transformed to indices, and optionally the pretrained embedding matrix.
// Everything is saved in gob form under the target directory.
func Preprocess(inputDir, questionFile, embeddingsFile, targetDir string, params PreprocessParameters) error {
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("error creating target directory %s: %w", targetDir, err)
	}

	questions, dataErrors, err := io.ReadQuestions(filepath.Join(inputDir, questionFile), params.Granularity, params.Lowercase)
	if err != nil {
		return fmt.Errorf("error reading question file: %w", err)
	}
	printDataErrors(dataErrors)
	log.Info().Int("Questions", len(questions)).Msg("Question table loaded")

	trainRows, dataErrors, err := io.ReadPairRows(filepath.Join(inputDir, TrainPairsFile))
	if err != nil {
		return fmt.Errorf("error reading train pairs: %w", err)
	}
	printDataErrors(dataErrors)
	if len(trainRows) == 0 {
		return fmt.Errorf("no training pairs found in %s", TrainPairsFile)
	}

	metaData := model.NewMetadata()
	metaData.Granularity = params.Granularity
	metaData.Lowercase = params.Lowercase
	metaData.Vocab = model.BuildVocabulary(countTokens(trainRows, questions), params.NumWords)
	log.Info().Int("Words", metaData.Vocab.Size()).Msg("Vocabulary built")

	trainRecords, dataErrors := io.TransformPairs(trainRows, questions, metaData, true)
	printDataErrors(dataErrors)
	if len(trainRecords) == 0 {
		return fmt.Errorf("no usable training pairs after transformation")
	}
	log.Info().Int("Records", len(trainRecords)).Int("Classes", metaData.NumClasses()).Msg("Train data transformed")

	testRows, dataErrors, err := io.ReadPairRows(filepath.Join(inputDir, TestPairsFile))
	if err != nil {
		return fmt.Errorf("error reading test pairs: %w", err)
	}
	printDataErrors(dataErrors)
	testRecords, dataErrors := io.TransformPairs(testRows, questions, metaData, false)
	printDataErrors(dataErrors)
	log.Info().Int("Records", len(testRecords)).Msg("Test data transformed")

	if embeddingsFile != "" {
		vectors, size, dataErrors, err := io.LoadEmbeddings(embeddingsFile, metaData.Vocab)
		if err != nil {
			return fmt.Errorf("error loading pretrained embeddings: %w", err)
		}
		printDataErrors(dataErrors)
		if size == 0 {
			return fmt.Errorf("no usable vectors in embeddings file %s", embeddingsFile)
		}
		metaData.EmbeddingSize = size
		log.Info().Int("Vectors", len(vectors)).Int("Size", size).Msg("Pretrained embeddings loaded")

		matrix := io.BuildEmbeddingMatrix(metaData.Vocab, vectors, size, rand.NewLockedRand(params.RndSeed))
		if err := saveArtifact(filepath.Join(targetDir, io.EmbeddingsFile), func(f *os.File) error {
			return io.SaveEmbeddingMatrix(matrix, f)
		}); err != nil {
			return err
		}
	}

	if err := saveArtifact(filepath.Join(targetDir, io.TrainDataFile), func(f *os.File) error {
		return io.SaveRecords(trainRecords, f)
	}); err != nil {
		return err
	}
	if err := saveArtifact(filepath.Join(targetDir, io.TestDataFile), func(f *os.File) error {
		return io.SaveRecords(testRecords, f)
	}); err != nil {
		return err
	}
	if err := saveArtifact(filepath.Join(targetDir, io.MetadataFile), func(f *os.File) error {
		return io.SaveMetadata(metaData, f)
	}); err != nil {
		return err
	}

	log.Info().Str("TargetDir", targetDir).Msg("Preprocessing done")
	return nil
}

// countTokens accumulates token frequencies over the train pairs, counting
// one occurrence per appearance of a question in a pair.
func countTokens(rows []io.PairRow, questions map[string][]string) map[string]int {
	counts := map[string]int{}
	for _, row := range rows {
		for _, token := range questions[row.PremiseID] {
			counts[token]++
		}
		for _, token := range questions[row.HypothesisID] {
			counts[token]++
		}
	}
	return counts
}

func saveArtifact(fileName string, save func(*os.File) error) error {
	outputFile, err := os.Create(fileName)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", fileName, err)
	}
	defer outputFile.Close()
	if err := save(outputFile); err != nil {
		return fmt.Errorf("error saving %s: %w", fileName, err)
	}
	return nil
}
