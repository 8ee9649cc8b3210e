package pkg

import (
	"fmt"
	mrand "math/rand"
	"os"
	"path/filepath"

	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/losses"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd/adam"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"esim/pkg/io"
	"esim/pkg/model"
)

type TrainingParameters struct {
	BatchSize       int
	NumEpochs       int
	LearningRate    float64
	MaxGradientNorm float64
	Patience        int
	NumFolds        int
	ReportInterval  int
	RndSeed         uint64
	CheckpointFile  string
}

type Trainer struct {
	params    TrainingParameters
	model     *model.Model
	updater   *adam.Adam
	optimizer *gd.GradientDescent
	rndGen    *rand.LockedRand
}

// Train runs cross-validation training over preprocessed pair records and
// saves the best checkpoint of every fold under the target directory. With
// NumFolds below 2 the cross-validation degenerates into a single random
// 90/10 train/validation split.
func Train(trainFile, metadataFile, embeddingsFile, targetDir string, config model.ESIMConfig, params TrainingParameters) error {
	metaData, records, embeddings, err := loadTrainingArtifacts(trainFile, metadataFile, embeddingsFile)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no data to train")
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("error creating target directory %s: %w", targetDir, err)
	}

	//Overwrite values that are only known after loading the artifacts
	config.VocabularySize = metaData.Vocab.Size()
	config.NumClasses = metaData.NumClasses()
	if embeddings != nil {
		config.EmbeddingSize = len(embeddings[0])
	}
	if config.NumClasses < 2 {
		return fmt.Errorf("expected at least 2 classes in the metadata, found %d", config.NumClasses)
	}

	if params.NumFolds > len(records) {
		return fmt.Errorf("cannot split %d records into %d folds", len(records), params.NumFolds)
	}
	if params.CheckpointFile != "" && params.NumFolds > 1 {
		return fmt.Errorf("cannot continue from a checkpoint with %d folds, use --num-folds 1", params.NumFolds)
	}

	rndGen := rand.NewLockedRand(params.RndSeed)
	dataset := io.NewDataSet(records, params.BatchSize, mrand.New(mrand.NewSource(int64(params.RndSeed))))
	splits, err := crossValidationSplits(dataset, params.NumFolds, params.BatchSize)
	if err != nil {
		return err
	}

	scores := make([]float64, 0, len(splits))
	for i, split := range splits {
		log.Info().Int("Fold", i).Int("TrainSize", split.train.Size()).Int("ValidationSize", split.valid.Size()).Msg("Fold start")

		t := &Trainer{params: params, rndGen: rndGen}
		score, err := t.trainFold(i, split.train, split.valid, config, metaData, embeddings, targetDir)
		if err != nil {
			return err
		}
		log.Info().Int("Fold", i).Float64("BestF1", score).Msg("Fold done")
		scores = append(scores, score)
	}

	if len(scores) > 1 {
		log.Info().
			Float64("MeanF1", stat.Mean(scores, nil)).
			Float64("StdDevF1", stat.StdDev(scores, nil)).
			Msg("Cross-validation summary")
	}
	return nil
}

type foldSplit struct {
	train *io.DataSet
	valid *io.DataSet
}

// crossValidationSplits partitions the dataset into train/validation
// pairs: one pair per fold, or a single random 90/10 split when fewer
// than 2 folds are requested.
func crossValidationSplits(dataset *io.DataSet, numFolds, batchSize int) ([]foldSplit, error) {
	if numFolds <= 1 {
		validSize := dataset.Size() / 10
		if validSize == 0 {
			validSize = 1
		}
		if validSize >= dataset.Size() {
			return nil, fmt.Errorf("not enough records for a train/validation split")
		}
		parts := dataset.RandomSplit(dataset.Size()-validSize, validSize)
		return []foldSplit{{train: parts[0], valid: parts[1]}}, nil
	}

	folds := dataset.Folds(numFolds)
	splits := make([]foldSplit, numFolds)
	for i, fold := range folds {
		parts := make([]*io.DataSet, 0, numFolds-1)
		for j, other := range folds {
			if j != i {
				parts = append(parts, other)
			}
		}
		splits[i] = foldSplit{train: io.Merge(batchSize, dataset.Rand, parts...), valid: fold}
	}
	return splits, nil
}

func (t *Trainer) trainFold(fold int, trainSet, validSet *io.DataSet, config model.ESIMConfig, metaData *model.Metadata, embeddings [][]float64, targetDir string) (float64, error) {
	m, state, err := t.buildModel(config, metaData, embeddings)
	if err != nil {
		return 0, err
	}
	t.model = m

	updaterConfig := adam.NewDefaultConfig()
	updaterConfig.StepSize = t.params.LearningRate
	t.updater = adam.New(updaterConfig)
	t.optimizer = gd.NewOptimizer(t.updater, nn.NewDefaultParamsIterator(m.ESIM),
		gd.ClipGradByNorm(t.params.MaxGradientNorm, 2.0))

	baseline := evaluate(m, validSet)
	log.Info().Int("Fold", fold).
		Float64("Loss", baseline.Loss).
		Float64("Accuracy", baseline.Accuracy).
		Float64("F1", baseline.F1).
		Msg("Validation before training")

	bestScore := state.BestScore
	trainLosses := state.TrainLosses
	validationLosses := state.ValidationLosses
	patienceCounter := 0

	for epoch := state.Epoch + 1; epoch <= t.params.NumEpochs; epoch++ {
		t.optimizer.IncEpoch()
		trainSet.ResetOrder(io.RandomOrder)

		runningLoss := 0.0
		correct := 0
		numBatches := 0
		for batch := trainSet.Next(); len(batch) > 0; batch = trainSet.Next() {
			loss, batchCorrect := t.trainBatch(batch)
			t.optimizer.Optimize()
			runningLoss += loss
			correct += batchCorrect
			numBatches++
			if numBatches%t.params.ReportInterval == 0 {
				log.Info().Int("Fold", fold).Int("Epoch", epoch).Int("Batch", numBatches).
					Float64("Loss", runningLoss/float64(numBatches)).Msg("")
			}
		}
		trainLoss := runningLoss / float64(numBatches)
		trainLosses = append(trainLosses, trainLoss)
		log.Info().Int("Fold", fold).Int("Epoch", epoch).
			Float64("Loss", trainLoss).
			Float64("Accuracy", float64(correct)/float64(trainSet.Size())).
			Msg("Training epoch done")

		result := evaluate(m, validSet)
		validationLosses = append(validationLosses, result.Loss)
		log.Info().Int("Fold", fold).Int("Epoch", epoch).
			Float64("Loss", result.Loss).
			Float64("Accuracy", result.Accuracy).
			Float64("F1", result.F1).
			Msg("Validation epoch done")

		if result.F1 < bestScore {
			patienceCounter++
			t.halveLearningRate()
		} else {
			bestScore = result.F1
			patienceCounter = 0
			checkpoint := &model.Checkpoint{
				Epoch:            epoch,
				BestScore:        bestScore,
				TrainLosses:      trainLosses,
				ValidationLosses: validationLosses,
				Model:            m,
			}
			if err := saveCheckpoint(checkpoint, filepath.Join(targetDir, checkpointName(fold))); err != nil {
				return 0, err
			}
		}
		if patienceCounter >= t.params.Patience {
			log.Info().Int("Fold", fold).Int("Epoch", epoch).Msg("Early stopping: patience limit reached")
			break
		}
	}
	return bestScore, nil
}

// trainBatch runs the forward pass of every pair in the batch on a single
// graph, backpropagates the mean cross-entropy and returns it along with
// the number of correct argmax predictions. The graph shares the trainer's
// random generator so dropout masks differ from batch to batch.
func (t *Trainer) trainBatch(batch io.DataBatch) (float64, int) {
	t.optimizer.IncBatch()

	g := ag.NewGraph(ag.Rand(t.rndGen))
	defer g.Clear()
	proc := t.model.ESIM.NewProc(nn.Context{Graph: g, Mode: nn.Training}).(*model.ESIMProcessor)

	var loss ag.Node
	correct := 0
	for _, record := range batch {
		inference := proc.Classify(record.Premise, record.Hypothesis)
		loss = g.Add(loss, losses.CrossEntropy(g, inference.Logits, record.Label))
		if prediction, _ := argmax(inference.Probabilities.Value().Data()); prediction == record.Label {
			correct++
		}
	}
	loss = g.Div(loss, g.NewScalar(float64(len(batch))))
	g.Backward(loss)
	return loss.ScalarValue(), correct
}

// halveLearningRate applies the reduce-on-plateau schedule: every epoch
// whose validation score fails to improve on the best halves the Adam
// step size.
func (t *Trainer) halveLearningRate() {
	t.updater.StepSize *= 0.5
	log.Info().Float64("LearningRate", t.updater.StepSize).Msg("Validation score plateau, halving learning rate")
}

// buildModel returns a freshly initialized model, or the model stored in
// the checkpoint file when one is configured. Resuming restores the epoch
// counter, best score and loss curves but starts a new optimizer, matching
// the best-checkpoint format which carries no optimizer state.
func (t *Trainer) buildModel(config model.ESIMConfig, metaData *model.Metadata, embeddings [][]float64) (*model.Model, *model.Checkpoint, error) {
	if t.params.CheckpointFile != "" {
		checkpoint, err := loadCheckpointFile(t.params.CheckpointFile)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Int("Epoch", checkpoint.Epoch).Float64("BestScore", checkpoint.BestScore).
			Msg("Training will continue on existing model")
		return checkpoint.Model, checkpoint, nil
	}

	esim := model.NewESIM(config)
	esim.Init(t.rndGen)
	if embeddings != nil {
		esim.LoadEmbeddings(embeddings)
	} else {
		esim.InitEmbeddings(t.rndGen)
	}
	return &model.Model{MetaData: metaData, ESIM: esim}, &model.Checkpoint{}, nil
}

func loadTrainingArtifacts(trainFile, metadataFile, embeddingsFile string) (*model.Metadata, []*io.DataRecord, [][]float64, error) {
	metaData, err := loadMetadataFile(metadataFile)
	if err != nil {
		return nil, nil, nil, err
	}
	records, err := loadRecordsFile(trainFile)
	if err != nil {
		return nil, nil, nil, err
	}
	var embeddings [][]float64
	if embeddingsFile != "" {
		embeddings, err = loadEmbeddingMatrixFile(embeddingsFile)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return metaData, records, embeddings, nil
}

func checkpointName(fold int) string {
	return fmt.Sprintf("best_fold%d.model", fold)
}
