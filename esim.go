package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"esim/pkg"
	"esim/pkg/model"

	"github.com/spf13/cobra"
)

func PreprocessCommand() *cobra.Command {

	var inputDir string
	var questionFile string
	var embeddingsFile string
	var targetDir string
	var params pkg.PreprocessParameters

	var cmd = &cobra.Command{
		Use:   "preprocess -i inputDir -q questionFile -o targetDir [-e embeddingsFile]",
		Short: "Converts the question corpus and pair files into the binary artifacts used by train and test",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pkg.Preprocess(inputDir, questionFile, embeddingsFile, targetDir, params)
		},
	}

	cmd.Flags().StringVarP(&inputDir, "input-dir", "i", "", "directory holding train.csv and test.csv pair files")
	cmd.Flags().StringVarP(&questionFile, "question-file", "q", "", "name of the question corpus file inside the input directory")
	cmd.Flags().StringVarP(&embeddingsFile, "embeddings-file", "e", "", "name of pre-trained word vector file (optional)")
	cmd.Flags().StringVarP(&targetDir, "target-dir", "o", "", "directory to write the preprocessed artifacts to")
	cmd.Flags().IntVarP(&params.NumWords, "num-words", "", 0, "cap on vocabulary size, 0 keeps every word")
	cmd.Flags().StringVarP(&params.Granularity, "granularity", "g", "words", "token granularity: words or chars")
	cmd.Flags().BoolVarP(&params.Lowercase, "lowercase", "", false, "lowercase all tokens")
	cmd.Flags().Uint64VarP(&params.RndSeed, "random-seed", "x", 42, "random seed")

	_ = cmd.MarkFlagRequired("input-dir")
	_ = cmd.MarkFlagRequired("question-file")
	_ = cmd.MarkFlagRequired("target-dir")

	return cmd
}

func TrainCommand() *cobra.Command {

	var trainFile string
	var metadataFile string
	var embeddingsFile string
	var targetDir string
	var trainingParameters pkg.TrainingParameters
	var modelParameters model.ESIMConfig

	var cmd = &cobra.Command{
		Use:   "train -i trainData -m metadataFile -o targetDir",
		Short: "Trains models with cross-validation on the preprocessed training data and saves the best model of each fold",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pkg.Train(trainFile, metadataFile, embeddingsFile, targetDir, modelParameters, trainingParameters)
		},
	}

	cmd.Flags().StringVarP(&trainFile, "train-file", "i", "", "name of preprocessed train data file")
	cmd.Flags().StringVarP(&metadataFile, "metadata-file", "m", "", "name of preprocessed metadata file")
	cmd.Flags().StringVarP(&embeddingsFile, "embeddings-file", "e", "", "name of preprocessed embedding matrix file (optional)")
	cmd.Flags().StringVarP(&targetDir, "target-dir", "o", "", "directory to save the fold models to")
	cmd.Flags().IntVarP(&trainingParameters.BatchSize, "batch-size", "b", 32, "batch size")
	cmd.Flags().Float64VarP(&trainingParameters.LearningRate, "learning-rate", "l", 0.0004, "learning rate")
	cmd.Flags().Float64VarP(&trainingParameters.MaxGradientNorm, "max-gradient-norm", "", 10.0, "gradient norm clipping threshold")
	cmd.Flags().IntVarP(&trainingParameters.ReportInterval, "report-interval", "r", 10, "loss report interval")
	cmd.Flags().IntVarP(&trainingParameters.NumEpochs, "num-epochs", "n", 64, "maximum number of epochs to train")
	cmd.Flags().IntVarP(&trainingParameters.Patience, "patience", "p", 5, "number of epochs without improvement before stopping a fold")
	cmd.Flags().IntVarP(&trainingParameters.NumFolds, "num-folds", "k", 5, "number of cross-validation folds, 1 trains a single 90/10 split")
	cmd.Flags().Uint64VarP(&trainingParameters.RndSeed, "random-seed", "x", 42, "random seed")
	cmd.Flags().StringVarP(&trainingParameters.CheckpointFile, "checkpoint", "", "", "saved model to continue training from (optional)")

	cmd.Flags().IntVarP(&modelParameters.HiddenSize, "hidden-size", "s", 300, "size of the recurrent hidden state")
	cmd.Flags().IntVarP(&modelParameters.EmbeddingSize, "embedding-size", "d", 300, "size of word embeddings, ignored when a pre-trained matrix is given")
	cmd.Flags().Float64VarP(&modelParameters.Dropout, "dropout", "", 0.5, "dropout probability")
	cmd.Flags().BoolVarP(&modelParameters.FreezeEmbeddings, "freeze-embeddings", "", false, "do not update the embedding layer during training")

	_ = cmd.MarkFlagRequired("train-file")
	_ = cmd.MarkFlagRequired("metadata-file")
	_ = cmd.MarkFlagRequired("target-dir")

	return cmd
}

func TestCommand() *cobra.Command {
	var modelFiles []string
	var inputFile string
	var outputFile string

	var cmd = &cobra.Command{
		Use:   "test -m modelFile... -i testData [-o outputFile]",
		Short: "Runs one or more saved models on the preprocessed test data and writes the ensemble predictions",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pkg.Test(inputFile, modelFiles, outputFile)
		},
	}

	cmd.Flags().StringSliceVarP(&modelFiles, "model", "m", nil, "name of a model to test, repeat to ensemble the folds")
	cmd.Flags().StringVarP(&inputFile, "input", "i", "", "name of preprocessed test data file")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "name of prediction output file (optional)")

	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("input")

	return cmd

}

func PredictCommand() *cobra.Command {
	var modelFiles []string

	var cmd = &cobra.Command{
		Use:   "predict -m modelFile... premise hypothesis",
		Short: "Classifies a single sentence pair and prints the predicted label with its probability",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return pkg.Predict(modelFiles, args[0], args[1])
		},
	}

	cmd.Flags().StringSliceVarP(&modelFiles, "model", "m", nil, "name of a model to use, repeat to ensemble the folds")

	_ = cmd.MarkFlagRequired("model")

	return cmd
}

var logLevel string
var logFormat string

func main() {

	Main := &cobra.Command{Use: "esim", PersistentPreRun: setupLogging}

	Main.PersistentFlags().StringVarP(&logLevel, "log-level", "", "info", "Logging level: info error or debug")
	Main.PersistentFlags().StringVarP(&logFormat, "log-format", "", "pretty", "Logging format: pretty or json")

	Main.AddCommand(PreprocessCommand())
	Main.AddCommand(TrainCommand())
	Main.AddCommand(TestCommand())
	Main.AddCommand(PredictCommand())

	if err := Main.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command, args []string) {

	switch logLevel {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		panic("Invalid logging level specified")
	}

	switch logFormat {
	case "pretty":
		setupPrettyLogging()
	case "json":
	default:
		panic("Invalid log format specified")

	}

}

func setupPrettyLogging() {
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	writer.FormatFieldValue = func(i interface{}) string {
		switch v := i.(type) {
		case json.Number:
			val, _ := v.Float64()
			return fmt.Sprintf("%.3f", val)
		default:
			return fmt.Sprintf("%s", i)
		}

	}
	log.Logger = log.Output(writer)

}
