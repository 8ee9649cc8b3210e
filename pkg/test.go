package pkg

import (
	"encoding/csv"
	"fmt"
	gio "io"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/losses"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/stats"
	"github.com/rs/zerolog/log"

	"esim/pkg/io"
	"esim/pkg/model"
)

// EvaluationResult summarizes a model's performance over a labeled dataset.
type EvaluationResult struct {
	Loss     float64
	Accuracy float64
	F1       float64
	MacroF1  float64
	MicroF1  float64
	Metrics  map[string]*stats.ClassMetrics
}

// evaluate runs the model over every labeled record of the dataset in
// inference mode. The headline F1 is the positive-class F1 for binary
// label sets and the macro-F1 otherwise.
func evaluate(m *model.Model, dataset *io.DataSet) *EvaluationResult {
	metrics := map[string]*stats.ClassMetrics{}
	loss := 0.0
	count := 0
	correct := 0

	g := ag.NewGraph(ag.Rand(rand.NewLockedRand(42)))
	dataset.ResetOrder(io.OriginalOrder)
	for batch := dataset.Next(); len(batch) > 0; batch = dataset.Next() {
		proc := m.ESIM.NewProc(nn.Context{Graph: g, Mode: nn.Inference}).(*model.ESIMProcessor)
		for _, record := range batch {
			if record.Label < 0 {
				continue
			}
			inference := proc.Classify(record.Premise, record.Hypothesis)
			loss += losses.CrossEntropy(g, inference.Logits, record.Label).ScalarValue()
			prediction, _ := argmax(inference.Probabilities.Value().Data())
			count++
			if prediction == record.Label {
				correct++
			}
			updateMetrics(metrics, m.MetaData.Labels.IndexToName[record.Label], m.MetaData.Labels.IndexToName[prediction])
		}
		g.Clear()
	}

	result := &EvaluationResult{Metrics: metrics}
	if count > 0 {
		result.Loss = loss / float64(count)
		result.Accuracy = float64(correct) / float64(count)
	}
	result.MacroF1, result.MicroF1 = computeOverallF1(metrics)
	result.F1 = headlineF1(m.MetaData, metrics, result.MacroF1)
	return result
}

func updateMetrics(metrics map[string]*stats.ClassMetrics, label, predicted string) {
	labelClassMetrics, ok := metrics[label]
	if !ok {
		labelClassMetrics = stats.NewMetricCounter()
		metrics[label] = labelClassMetrics
	}
	predictedClassMetrics, ok := metrics[predicted]
	if !ok {
		predictedClassMetrics = stats.NewMetricCounter()
		metrics[predicted] = predictedClassMetrics
	}

	if label == predicted {
		labelClassMetrics.IncTruePos()
	} else {
		labelClassMetrics.IncFalseNeg()
		predictedClassMetrics.IncFalsePos()
	}
}

func headlineF1(metaData *model.Metadata, metrics map[string]*stats.ClassMetrics, macroF1 float64) float64 {
	if metaData.NumClasses() != 2 {
		return macroF1
	}
	positive, ok := metrics[metaData.Labels.IndexToName[1]]
	if !ok {
		return 0
	}
	return zeroIfNaN(positive.F1Score())
}

func computeOverallF1(metrics map[string]*stats.ClassMetrics) (float64, float64) {
	if len(metrics) == 0 {
		return 0, 0
	}
	macroF1 := 0.0
	for _, metric := range metrics {
		macroF1 += zeroIfNaN(metric.F1Score())
	}
	macroF1 /= float64(len(metrics))

	micro := stats.NewMetricCounter()
	for _, result := range metrics {
		micro.TruePos += result.TruePos
		micro.FalsePos += result.FalsePos
		micro.FalseNeg += result.FalseNeg
		micro.TrueNeg += result.TrueNeg
	}
	return macroF1, micro.F1Score()
}

// zeroIfNaN maps the undefined score of a class that was never predicted,
// or never present, onto zero.
func zeroIfNaN(value float64) float64 {
	if math.IsNaN(value) {
		return 0
	}
	return value
}

func sortClasses(metrics map[string]*stats.ClassMetrics) []string {
	result := make([]string, 0, len(metrics))
	for class := range metrics {
		result = append(result, class)
	}
	sort.Strings(result)
	return result
}

func logMetrics(metrics map[string]*stats.ClassMetrics) {
	// Sort class names for deterministic output
	for _, class := range sortClasses(metrics) {
		result := metrics[class]
		log.Info().Str("Class", class).
			Int("TP", result.TruePos).
			Int("FP", result.FalsePos).
			Int("TN", result.TrueNeg).
			Int("FN", result.FalseNeg).
			Float64("Precision", result.Precision()).
			Float64("Recall", result.Recall()).
			Float64("F1", result.F1Score()).
			Msg("")
	}
	macroF1, microF1 := computeOverallF1(metrics)
	log.Info().Float64("MacroF1", macroF1).Float64("MicroF1", microF1).Msg("")
}

// Test runs one or more fold checkpoints over a preprocessed test set,
// writes the ensemble predictions as CSV, and, when the records carry
// labels, computes the ensemble metrics.
func Test(testFile string, modelFileNames []string, outputFileName string) error {
	records, err := loadRecordsFile(testFile)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no data to test")
	}

	models := make([]*model.Model, len(modelFileNames))
	for i, name := range modelFileNames {
		if models[i], err = loadModelFile(name); err != nil {
			return err
		}
	}
	metaData := models[0].MetaData

	predictions := ensemblePredictions(models, records)

	var outputWriter gio.Writer
	if outputFileName != "" {
		outputFile, err := os.Create(outputFileName)
		if err != nil {
			return fmt.Errorf("error opening output file %s: %w", outputFileName, err)
		}
		defer outputFile.Close()
		outputWriter = outputFile
	} else {
		outputWriter = NoopWriter{}
	}
	if err := writePredictions(outputWriter, records, predictions, metaData); err != nil {
		return err
	}

	metrics := map[string]*stats.ClassMetrics{}
	labeled := 0
	correct := 0
	for i, record := range records {
		if record.Label < 0 {
			continue
		}
		labeled++
		if predictions[i].label == record.Label {
			correct++
		}
		updateMetrics(metrics, metaData.Labels.IndexToName[record.Label], metaData.Labels.IndexToName[predictions[i].label])
	}
	if labeled == 0 {
		log.Info().Int("Predictions", len(predictions)).Msg("No labels in test data, skipping metrics")
		return nil
	}
	logMetrics(metrics)
	log.Info().Float64("Accuracy", float64(correct)/float64(labeled)).Msg("")
	return nil
}

type ensemblePrediction struct {
	label       int
	probability float64
}

// ensemblePredictions accumulates, for every record, the sum of the
// models' probability vectors and their argmax votes.
func ensemblePredictions(models []*model.Model, records []*io.DataRecord) []ensemblePrediction {
	numClasses := models[0].MetaData.NumClasses()
	summed := make([][]float64, len(records))
	votes := make([][]int, len(records))
	for i := range records {
		summed[i] = make([]float64, numClasses)
		votes[i] = make([]int, numClasses)
	}

	for _, m := range models {
		g := ag.NewGraph(ag.Rand(rand.NewLockedRand(42)))
		for i, record := range records {
			proc := m.ESIM.NewProc(nn.Context{Graph: g, Mode: nn.Inference}).(*model.ESIMProcessor)
			probabilities := proc.Classify(record.Premise, record.Hypothesis).Probabilities.Value().Data()
			for class, p := range probabilities {
				summed[i][class] += p
			}
			best, _ := argmax(probabilities)
			votes[i][best]++
			g.Clear()
		}
	}

	predictions := make([]ensemblePrediction, len(records))
	for i := range records {
		predictions[i] = ensemble(summed[i], votes[i], len(models))
	}
	return predictions
}

// ensemble picks the class with the majority of votes; a tie on the vote
// count falls back to the argmax of the summed probabilities. The reported
// probability is the mean probability of the chosen class.
func ensemble(summed []float64, votes []int, numModels int) ensemblePrediction {
	voteBest := 0
	for class := 1; class < len(votes); class++ {
		if votes[class] > votes[voteBest] {
			voteBest = class
		}
	}
	for class := 0; class < len(votes); class++ {
		if class != voteBest && votes[class] == votes[voteBest] {
			voteBest, _ = argmax(summed)
			break
		}
	}
	return ensemblePrediction{
		label:       voteBest,
		probability: summed[voteBest] / float64(numModels),
	}
}

// writePredictions writes one CSV row per record: the pair ids, the
// predicted label name and the mean probability of the predicted class.
func writePredictions(writer gio.Writer, records []*io.DataRecord, predictions []ensemblePrediction, metaData *model.Metadata) error {
	csvWriter := csv.NewWriter(writer)
	if err := csvWriter.Write([]string{"premise_id", "hypothesis_id", "label", "probability"}); err != nil {
		return fmt.Errorf("error writing prediction header: %w", err)
	}
	for i, record := range records {
		row := []string{
			record.PremiseID,
			record.HypothesisID,
			metaData.Labels.IndexToName[predictions[i].label],
			strconv.FormatFloat(predictions[i].probability, 'f', 5, 64),
		}
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("error writing prediction row: %w", err)
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}
