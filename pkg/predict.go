package pkg

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/nlpodyssey/spago/pkg/nlp/tokenizers"
	"github.com/nlpodyssey/spago/pkg/nlp/tokenizers/basetokenizer"

	"esim/pkg/io"
	"esim/pkg/model"
)

// Predict classifies a single premise/hypothesis pair given as free text,
// using the same ensemble rule as Test, and prints the predicted label
// with its mean probability.
func Predict(modelFileNames []string, premise, hypothesis string) error {
	models := make([]*model.Model, len(modelFileNames))
	var err error
	for i, name := range modelFileNames {
		if models[i], err = loadModelFile(name); err != nil {
			return err
		}
	}
	metaData := models[0].MetaData

	record := &io.DataRecord{
		Premise:    metaData.Vocab.Indices(tokenize(premise, metaData)),
		Hypothesis: metaData.Vocab.Indices(tokenize(hypothesis, metaData)),
		Label:      -1,
	}
	prediction := ensemblePredictions(models, []*io.DataRecord{record})[0]
	fmt.Printf("%s\t%.5f\n", metaData.Labels.IndexToName[prediction.label], prediction.probability)
	return nil
}

// tokenize splits free text the way the preprocessed corpus was split,
// honoring the granularity and casing recorded in the metadata.
func tokenize(text string, metaData *model.Metadata) []string {
	if metaData.Lowercase {
		text = strings.ToLower(text)
	}
	if metaData.Granularity == io.GranularityChars {
		tokens := make([]string, 0, len(text))
		for _, r := range text {
			if unicode.IsSpace(r) {
				continue
			}
			tokens = append(tokens, string(r))
		}
		return tokens
	}
	return tokenizers.GetStrings(basetokenizer.New().Tokenize(text))
}
