package io

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/nn/rec/lstm"
	"github.com/stretchr/testify/require"

	"esim/pkg/model"
)

func TestReadQuestions(t *testing.T) {

	fileName := writeTempFile(t, "question.csv",
		"id,words,chars\n"+
			"q1,Hello World,H W\n"+
			"q2,The cat,T C\n"+
			"broken\n"+
			"q3,Foo bar,F B\n")

	questions, dataErrors, err := ReadQuestions(fileName, GranularityWords, true)
	require.NoError(t, err)
	require.Len(t, dataErrors, 1)
	require.Equal(t, 4, dataErrors[0].Line)
	require.Len(t, questions, 3)
	require.Equal(t, []string{"hello", "world"}, questions["q1"])
	require.Equal(t, []string{"the", "cat"}, questions["q2"])

	questions, dataErrors, err = ReadQuestions(fileName, GranularityChars, false)
	require.NoError(t, err)
	require.Len(t, dataErrors, 1)
	require.Equal(t, []string{"H", "W"}, questions["q1"])

	_, _, err = ReadQuestions(fileName, "sentences", false)
	require.Error(t, err)
}

func TestReadPairRows(t *testing.T) {

	fileName := writeTempFile(t, "train.csv",
		"id1,id2,label\n"+
			"q1,q2,1\n"+
			"q2,q3,0\n"+
			"q1,q3\n"+
			"q1,q2,0,extra\n")

	rows, dataErrors, err := ReadPairRows(fileName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Len(t, dataErrors, 1)
	require.Equal(t, 5, dataErrors[0].Line)
	require.Equal(t, PairRow{Line: 2, PremiseID: "q1", HypothesisID: "q2", Label: "1"}, rows[0])
	require.Equal(t, "", rows[2].Label)
}

func TestTransformPairs(t *testing.T) {

	questions := map[string][]string{
		"q1": {"a", "b"},
		"q2": {"b", "c"},
	}
	metaData := model.NewMetadata()
	metaData.Vocab = model.BuildVocabulary(map[string]int{"a": 2, "b": 3, "c": 1}, 0)

	rows := []PairRow{
		{Line: 2, PremiseID: "q1", HypothesisID: "q2", Label: "1"},
		{Line: 3, PremiseID: "q2", HypothesisID: "q1", Label: "0"},
		{Line: 4, PremiseID: "q1", HypothesisID: "qx", Label: "1"},
		{Line: 5, PremiseID: "q1", HypothesisID: "q2"},
	}

	records, dataErrors := TransformPairs(rows, questions, metaData, true)
	require.Len(t, records, 2)
	require.Len(t, dataErrors, 2) // unknown question id and missing label
	require.Equal(t, 2, metaData.NumClasses())

	// labels are assigned class indices in discovery order
	require.Equal(t, 0, records[0].Label)
	require.Equal(t, 1, records[1].Label)

	// b is the most frequent word so it holds the first free index
	require.Equal(t, []int{model.BeginIndex, model.NumReservedWords + 1, model.NumReservedWords, model.EndIndex}, records[0].Premise)

	testRows := []PairRow{
		{Line: 2, PremiseID: "q1", HypothesisID: "q2", Label: "0"},
		{Line: 3, PremiseID: "q1", HypothesisID: "q2", Label: "2"},
		{Line: 4, PremiseID: "q1", HypothesisID: "q2"},
	}

	records, dataErrors = TransformPairs(testRows, questions, metaData, false)
	require.Len(t, records, 2)
	require.Len(t, dataErrors, 1) // the label map must not grow on test data
	require.Equal(t, 1, records[0].Label)
	require.Equal(t, -1, records[1].Label)
	require.Equal(t, 2, metaData.NumClasses())
}

func TestLoadEmbeddings(t *testing.T) {

	fileName := writeTempFile(t, "vectors.txt",
		"the 0.1 0.2 0.3\n"+
			"new york 0.5 0.5 0.5\n"+
			"cat 0.4 0.5 0.6\n"+
			"outside 0.9 0.9 0.9\n"+
			"dog 1.0 2.0\n")

	vocab := model.BuildVocabulary(map[string]int{"the": 3, "cat": 2, "dog": 1}, 0)
	vectors, size, dataErrors, err := LoadEmbeddings(fileName, vocab)
	require.NoError(t, err)
	require.Equal(t, 3, size)
	require.Len(t, dataErrors, 1) // dog carries the wrong number of components
	require.Len(t, vectors, 2)
	require.Equal(t, []float64{0.1, 0.2, 0.3}, vectors["the"])
	require.Equal(t, []float64{0.4, 0.5, 0.6}, vectors["cat"])
	require.NotContains(t, vectors, "outside")
}

func TestBuildEmbeddingMatrix(t *testing.T) {

	vocab := model.BuildVocabulary(map[string]int{"a": 2, "b": 1}, 0)
	matrix := BuildEmbeddingMatrix(vocab, map[string][]float64{"a": {1, 2}}, 2, rand.NewLockedRand(42))

	require.Len(t, matrix, vocab.Size())
	require.Equal(t, []float64{0, 0}, matrix[model.PadIndex])
	require.Equal(t, []float64{1, 2}, matrix[vocab.Index("a")])
	require.NotEqual(t, []float64{0, 0}, matrix[model.UnknownIndex])
	require.NotEqual(t, []float64{0, 0}, matrix[vocab.Index("b")])
}

func TestRecordsRoundtrip(t *testing.T) {

	records := []*DataRecord{
		{PremiseID: "q1", HypothesisID: "q2", Premise: []int{2, 5, 3}, Hypothesis: []int{2, 4, 3}, Label: 1},
		{PremiseID: "q2", HypothesisID: "q3", Premise: []int{2, 4, 3}, Hypothesis: []int{2, 5, 3}, Label: -1},
	}

	var buffer bytes.Buffer
	require.NoError(t, SaveRecords(records, &buffer))
	loaded, err := LoadRecords(&buffer)
	require.NoError(t, err)
	require.Equal(t, records, loaded)
}

func TestCheckpointRoundtrip(t *testing.T) {

	metaData := model.NewMetadata()
	metaData.Vocab = model.BuildVocabulary(map[string]int{"a": 2, "b": 1}, 0)
	metaData.ParseOrAddLabel("0")
	metaData.ParseOrAddLabel("1")

	esim := model.NewESIM(model.ESIMConfig{
		VocabularySize: metaData.Vocab.Size(),
		EmbeddingSize:  4,
		HiddenSize:     3,
		NumClasses:     2,
		Dropout:        0.5,
	})
	generator := rand.NewLockedRand(42)
	esim.Init(generator)
	esim.InitEmbeddings(generator)

	checkpoint := &model.Checkpoint{
		Epoch:            3,
		BestScore:        0.75,
		TrainLosses:      []float64{1.5, 1.2, 1.0},
		ValidationLosses: []float64{1.4, 1.3, 1.1},
		Model:            &model.Model{MetaData: metaData, ESIM: esim},
	}

	var buffer bytes.Buffer
	require.NoError(t, SaveCheckpoint(checkpoint, &buffer))
	loaded, err := LoadCheckpoint(&buffer)
	require.NoError(t, err)

	require.Equal(t, checkpoint.Epoch, loaded.Epoch)
	require.Equal(t, checkpoint.BestScore, loaded.BestScore)
	require.Equal(t, checkpoint.TrainLosses, loaded.TrainLosses)
	require.Equal(t, checkpoint.ValidationLosses, loaded.ValidationLosses)
	require.Equal(t, metaData.Labels, loaded.Model.MetaData.Labels)
	require.Equal(t, metaData.Vocab.Words, loaded.Model.MetaData.Vocab.Words)
	require.Equal(t, 3, loaded.Model.ESIM.HiddenSize)

	require.Equal(t, esim.WordEmbeddings[1].Value().Data(), loaded.Model.ESIM.WordEmbeddings[1].Value().Data())
	original := esim.Encoder.Positive.(*lstm.Model)
	restored := loaded.Model.ESIM.Encoder.Positive.(*lstm.Model)
	require.Equal(t, original.WIn.Value().Data(), restored.WIn.Value().Data())
	require.Equal(t, original.BFor.Value().Data(), restored.BFor.Value().Data())
}

func writeTempFile(t *testing.T, name, content string) string {
	dir, err := ioutil.TempDir("", "esim-io-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	fileName := filepath.Join(dir, name)
	require.NoError(t, ioutil.WriteFile(fileName, []byte(content), 0644))
	return fileName
}
