package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ufnet/pkg"
	"ufnet/pkg/config"
	"ufnet/pkg/io"
	"ufnet/pkg/onnx"
)

func TrainCommand() *cobra.Command {
	var configFile string

	var cmd = &cobra.Command{
		Use:   "train [--profile 2d|3d|3d-early] [-i dataFile] [-o outputFile]",
		Short: "Trains a new U_f regressor on the provided data and saves the trained model",
		Long: "Trains a new U_f regressor. Settings come from the selected profile (" +
			strings.Join(config.Profiles(), ", ") + ") and can be overridden by a config file, " +
			config.EnvPrefix + "_* environment variables and flags.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			_, err = pkg.Train(*c)
			if errors.Is(err, io.ErrDataNotFound) {
				log.Error().Str("File", c.DataFile).Msg("Data file not found, nothing to train")
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "name of a config file (yaml, json or toml)")
	cmd.Flags().StringP("profile", "p", config.DefaultProfile, "training profile: "+strings.Join(config.Profiles(), ", "))
	cmd.Flags().StringP("data-file", "i", "", "name of data file")
	cmd.Flags().StringP("output-file", "o", "", "name of the file to save model to")
	cmd.Flags().BoolP("quiet", "q", false, "hide the progress bar while loading data")
	cmd.Flags().IntP("feature-count", "f", 0, "number of leading feature columns")
	cmd.Flags().IntSlice("hidden-dimensions", nil, "sizes of the hidden layers")
	cmd.Flags().IntP("num-epochs", "n", 0, "maximum number of epochs to train")
	cmd.Flags().IntP("batch-size", "b", 0, "batch size, 0 trains on the full training set")
	cmd.Flags().Bool("shuffle", false, "shuffle the training set every epoch")
	cmd.Flags().Float64P("learning-rate", "l", 0, "learning rate")
	cmd.Flags().Float64("validation-fraction", 0, "fraction of records held out for validation")
	cmd.Flags().Int("patience", 0, "epochs without improvement before stopping, 0 disables early stopping")
	cmd.Flags().Float64("min-delta", 0, "minimum validation loss decrease counted as improvement")
	cmd.Flags().IntP("report-interval", "r", 0, "loss report interval")
	cmd.Flags().Uint64P("random-seed", "x", 0, "random seed")
	cmd.Flags().String("onnx-file", "", "name of the ONNX file to export the trained model to")
	cmd.Flags().Bool("dynamic-batch", false, "export the ONNX model with a dynamic batch axis")
	cmd.Flags().String("plot-file", "", "name of the prediction scatter plot to save")

	return cmd
}

func TestCommand() *cobra.Command {
	var modelFile string
	var inputFile string
	var outputFile string
	var plotFile string

	var cmd = &cobra.Command{
		Use:   "test -m modelFile -i dataFile [-o outputFile] [--plot-file plotFile]",
		Short: "Runs the provided model on labeled data and reports regression metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pkg.Test(modelFile, inputFile, outputFile, plotFile)
		},
	}

	cmd.Flags().StringVarP(&modelFile, "model", "m", "", "name of model to test")
	cmd.Flags().StringVarP(&inputFile, "input", "i", "", "name of data input file")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "name of output file for target,prediction pairs (optional)")
	cmd.Flags().StringVarP(&plotFile, "plot-file", "", "", "name of the prediction scatter plot (optional)")

	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func PredictCommand() *cobra.Command {
	var modelFile string
	var inputFile string
	var outputFile string

	var cmd = &cobra.Command{
		Use:   "predict -m modelFile -i dataFile [-o outputFile]",
		Short: "Writes the model's U_f estimate for every row of the input file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputFile == "" {
				return pkg.PredictFile(modelFile, inputFile, cmd.OutOrStdout())
			}
			output, err := os.Create(outputFile)
			if err != nil {
				return errors.Wrapf(err, "error opening output file %s", outputFile)
			}
			if err := pkg.PredictFile(modelFile, inputFile, output); err != nil {
				output.Close()
				return err
			}
			return output.Close()
		},
	}

	cmd.Flags().StringVarP(&modelFile, "model", "m", "", "name of model to use")
	cmd.Flags().StringVarP(&inputFile, "input", "i", "", "name of data input file")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "name of output file (optional, uses stdout if not present)")

	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func ExportCommand() *cobra.Command {
	var modelFile string
	var outputFile string
	var opts onnx.Options

	var cmd = &cobra.Command{
		Use:   "export -m modelFile -o onnxFile [--dynamic-batch]",
		Short: "Exports a saved model to ONNX",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := io.LoadModelFile(modelFile)
			if err != nil {
				return err
			}
			if err := onnx.ExportFile(outputFile, m.Regressor, opts); err != nil {
				return err
			}
			log.Info().Str("File", outputFile).Bool("DynamicBatch", opts.DynamicBatch).Msg("Model exported to ONNX")
			return nil
		},
	}

	cmd.Flags().StringVarP(&modelFile, "model", "m", "", "name of model to export")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "name of the ONNX file")
	cmd.Flags().BoolVarP(&opts.DynamicBatch, "dynamic-batch", "", false, "name the batch axis instead of fixing it to 1")

	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

var logLevel string
var logFormat string

func RootCommand() *cobra.Command {
	root := &cobra.Command{Use: "ufnet", PersistentPreRunE: setupLogging, SilenceUsage: true}

	root.PersistentFlags().StringVarP(&logLevel, "log-level", "", "info", "Logging level: info error or debug")
	root.PersistentFlags().StringVarP(&logFormat, "log-format", "", "pretty", "Logging format: pretty or json")

	root.AddCommand(TrainCommand())
	root.AddCommand(TestCommand())
	root.AddCommand(PredictCommand())
	root.AddCommand(ExportCommand())
	return root
}

func main() {
	if err := RootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command, args []string) error {
	switch logLevel {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		return errors.Errorf("invalid logging level %q", logLevel)
	}

	switch logFormat {
	case "pretty":
		setupPrettyLogging()
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	default:
		return errors.Errorf("invalid log format %q", logFormat)
	}
	return nil
}

func setupPrettyLogging() {
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	writer.FormatFieldValue = func(i interface{}) string {
		switch v := i.(type) {
		case json.Number:
			val, _ := v.Float64()
			return fmt.Sprintf("%.6g", val)
		default:
			return fmt.Sprintf("%s", i)
		}
	}
	log.Logger = log.Output(writer)
}
