package pkg

import (
	"fmt"
	mrand "math/rand"
	"testing"

	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd/adam"
	"github.com/stretchr/testify/require"

	"esim/pkg/io"
	"esim/pkg/model"
)

func TestTrainBatchLearns(t *testing.T) {

	metaData := model.NewMetadata()
	metaData.Vocab = model.BuildVocabulary(map[string]int{"good": 2, "bad": 2, "movie": 4}, 0)
	metaData.ParseOrAddLabel("0")
	metaData.ParseOrAddLabel("1")

	config := model.ESIMConfig{
		VocabularySize: metaData.Vocab.Size(),
		EmbeddingSize:  4,
		HiddenSize:     3,
		NumClasses:     2,
		Dropout:        0.0,
	}

	trainer := &Trainer{
		params: TrainingParameters{LearningRate: 0.01, MaxGradientNorm: 10.0},
		rndGen: rand.NewLockedRand(42),
	}
	m, _, err := trainer.buildModel(config, metaData, nil)
	require.NoError(t, err)
	trainer.model = m

	updaterConfig := adam.NewDefaultConfig()
	updaterConfig.StepSize = trainer.params.LearningRate
	trainer.updater = adam.New(updaterConfig)
	trainer.optimizer = gd.NewOptimizer(trainer.updater, nn.NewDefaultParamsIterator(m.ESIM),
		gd.ClipGradByNorm(trainer.params.MaxGradientNorm, 2.0))

	batch := io.DataBatch{
		&io.DataRecord{Premise: metaData.Vocab.Indices([]string{"good", "movie"}), Hypothesis: metaData.Vocab.Indices([]string{"good"}), Label: 0},
		&io.DataRecord{Premise: metaData.Vocab.Indices([]string{"bad", "movie"}), Hypothesis: metaData.Vocab.Indices([]string{"bad"}), Label: 1},
	}

	firstLoss, _ := trainer.trainBatch(batch)
	trainer.optimizer.Optimize()

	lastLoss := firstLoss
	for i := 0; i < 60; i++ {
		lastLoss, _ = trainer.trainBatch(batch)
		trainer.optimizer.Optimize()
	}

	require.Less(t, lastLoss, firstLoss)
	require.Less(t, lastLoss, 0.5)

	// the padding embedding must never move
	require.Equal(t, []float64{0, 0, 0, 0}, m.ESIM.WordEmbeddings[model.PadIndex].Value().Data())
}

func TestCrossValidationSplits(t *testing.T) {

	dataset := io.NewDataSet(pairRecords(10), 2, mrand.New(mrand.NewSource(42)))

	splits, err := crossValidationSplits(dataset, 5, 2)
	require.NoError(t, err)
	require.Len(t, splits, 5)
	for _, split := range splits {
		require.Equal(t, 8, split.train.Size())
		require.Equal(t, 2, split.valid.Size())
	}

	single, err := crossValidationSplits(dataset, 1, 2)
	require.NoError(t, err)
	require.Len(t, single, 1)
	require.Equal(t, 9, single[0].train.Size())
	require.Equal(t, 1, single[0].valid.Size())
}

func TestHalveLearningRate(t *testing.T) {

	updaterConfig := adam.NewDefaultConfig()
	updaterConfig.StepSize = 0.4
	trainer := &Trainer{updater: adam.New(updaterConfig)}

	trainer.halveLearningRate()
	require.Equal(t, 0.2, trainer.updater.StepSize)
	trainer.halveLearningRate()
	require.Equal(t, 0.1, trainer.updater.StepSize)
}

func pairRecords(n int) []*io.DataRecord {
	records := make([]*io.DataRecord, n)
	for i := range records {
		records[i] = &io.DataRecord{
			PremiseID:    fmt.Sprintf("q%d", i),
			HypothesisID: fmt.Sprintf("h%d", i),
			Premise:      []int{2, 4, 3},
			Hypothesis:   []int{2, 5, 3},
			Label:        i % 2,
		}
	}
	return records
}
