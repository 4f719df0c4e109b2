// Package config resolves the training configuration from a named profile, an
// optional config file, UFNET_* environment variables and command line flags.
package config

import (
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	Profile2D      = "2d"
	Profile3D      = "3d"
	Profile3DEarly = "3d-early"
	EnvPrefix      = "UFNET"
	DefaultProfile = Profile3DEarly
)

type ModelConfig struct {
	FeatureCount     int   `mapstructure:"feature_count" validate:"gt=0"`
	HiddenDimensions []int `mapstructure:"hidden_dimensions" validate:"dive,gt=0"`
}

type TrainingConfig struct {
	NumEpochs          int     `mapstructure:"num_epochs" validate:"gt=0"`
	BatchSize          int     `mapstructure:"batch_size" validate:"gte=0"`
	Shuffle            bool    `mapstructure:"shuffle"`
	LearningRate       float64 `mapstructure:"learning_rate" validate:"gt=0"`
	ValidationFraction float64 `mapstructure:"validation_fraction" validate:"gt=0,lt=1"`
	Patience           int     `mapstructure:"patience" validate:"gte=0"`
	MinDelta           float64 `mapstructure:"min_delta" validate:"gte=0"`
	ReportInterval     int     `mapstructure:"report_interval" validate:"gt=0"`
	RndSeed            uint64  `mapstructure:"random_seed"`
}

type ExportConfig struct {
	ONNXFile     string `mapstructure:"onnx_file"`
	DynamicBatch bool   `mapstructure:"dynamic_batch"`
	PlotFile     string `mapstructure:"plot_file"`
}

type Config struct {
	Profile   string         `mapstructure:"profile" validate:"required"`
	DataFile  string         `mapstructure:"data_file" validate:"required"`
	ModelFile string         `mapstructure:"model_file" validate:"required"`
	Quiet     bool           `mapstructure:"quiet"`
	Model     ModelConfig    `mapstructure:"model"`
	Training  TrainingConfig `mapstructure:"training"`
	Export    ExportConfig   `mapstructure:"export"`
}

// EarlyStopping reports whether the validation-driven loop is configured.
func (c *Config) EarlyStopping() bool {
	return c.Training.EarlyStopping()
}

func (c *TrainingConfig) EarlyStopping() bool {
	return c.Patience > 0
}

// AngularTarget reports whether U_f in the data of the named profile is an angle in
// radians. The 2D data sets carry no angular unit.
func AngularTarget(profile string) bool {
	return profile != Profile2D
}

var profiles = map[string]Config{
	Profile2D: {
		Profile:   Profile2D,
		DataFile:  "dataset_2d.csv",
		ModelFile: "uncertainty_model_2d.model",
		Model: ModelConfig{
			FeatureCount:     5,
			HiddenDimensions: []int{64, 64, 32},
		},
		Training: TrainingConfig{
			NumEpochs:          500,
			BatchSize:          0,
			LearningRate:       0.001,
			ValidationFraction: 0.2,
			ReportInterval:     50,
			RndSeed:            42,
		},
	},
	Profile3D: {
		Profile:   Profile3D,
		DataFile:  "dataset_3d_1M_R.csv",
		ModelFile: "uncertainty_model_3d.model",
		Model: ModelConfig{
			FeatureCount:     14,
			HiddenDimensions: []int{128, 128, 64},
		},
		Training: TrainingConfig{
			NumEpochs:          3000,
			BatchSize:          0,
			LearningRate:       0.001,
			ValidationFraction: 0.2,
			ReportInterval:     100,
			RndSeed:            42,
		},
		Export: ExportConfig{
			ONNXFile: "uncertainty_model_3d.onnx",
		},
	},
	Profile3DEarly: {
		Profile:   Profile3DEarly,
		DataFile:  "dataset_3d_1M_R.csv",
		ModelFile: "uncertainty_model_3d_BEST.model",
		Model: ModelConfig{
			FeatureCount:     14,
			HiddenDimensions: []int{128, 128, 64},
		},
		Training: TrainingConfig{
			NumEpochs:          10000,
			BatchSize:          1024,
			Shuffle:            true,
			LearningRate:       0.001,
			ValidationFraction: 0.2,
			Patience:           100,
			MinDelta:           0.00001,
			ReportInterval:     10,
			RndSeed:            42,
		},
		Export: ExportConfig{
			ONNXFile:     "uncertainty_model_3d.onnx",
			DynamicBatch: true,
		},
	},
}

// Profiles returns the names of the built-in profiles.
func Profiles() []string {
	names := lo.Keys(profiles)
	sort.Strings(names)
	return names
}

// ForProfile returns a copy of the defaults of the named profile.
func ForProfile(name string) (Config, error) {
	c, ok := profiles[name]
	if !ok {
		return Config{}, errors.Errorf("unknown profile %q, expected one of [%s]", name, strings.Join(Profiles(), ","))
	}
	c.Model.HiddenDimensions = append([]int(nil), c.Model.HiddenDimensions...)
	return c, nil
}

// FlagKeys maps command line flag names to configuration keys.
var FlagKeys = map[string]string{
	"profile":             "profile",
	"data-file":           "data_file",
	"output-file":         "model_file",
	"quiet":               "quiet",
	"feature-count":       "model.feature_count",
	"hidden-dimensions":   "model.hidden_dimensions",
	"num-epochs":          "training.num_epochs",
	"batch-size":          "training.batch_size",
	"shuffle":             "training.shuffle",
	"learning-rate":       "training.learning_rate",
	"validation-fraction": "training.validation_fraction",
	"patience":            "training.patience",
	"min-delta":           "training.min_delta",
	"report-interval":     "training.report_interval",
	"random-seed":         "training.random_seed",
	"onnx-file":           "export.onnx_file",
	"dynamic-batch":       "export.dynamic_batch",
	"plot-file":           "export.plot_file",
}

// Load resolves the configuration. Precedence from highest to lowest: changed flags,
// environment variables, the config file, then the profile defaults.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config file %s", configFile)
		}
	}

	if flags != nil {
		for flagName, key := range FlagKeys {
			if flag := flags.Lookup(flagName); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, errors.Wrapf(err, "error binding flag %s", flagName)
				}
			}
		}
	}

	profileName := v.GetString("profile")
	if profileName == "" {
		profileName = DefaultProfile
	}
	defaults, err := ForProfile(profileName)
	if err != nil {
		return nil, err
	}
	setDefaults(v, defaults)

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, "error decoding configuration")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("profile", c.Profile)
	v.SetDefault("data_file", c.DataFile)
	v.SetDefault("model_file", c.ModelFile)
	v.SetDefault("quiet", c.Quiet)
	v.SetDefault("model.feature_count", c.Model.FeatureCount)
	v.SetDefault("model.hidden_dimensions", c.Model.HiddenDimensions)
	v.SetDefault("training.num_epochs", c.Training.NumEpochs)
	v.SetDefault("training.batch_size", c.Training.BatchSize)
	v.SetDefault("training.shuffle", c.Training.Shuffle)
	v.SetDefault("training.learning_rate", c.Training.LearningRate)
	v.SetDefault("training.validation_fraction", c.Training.ValidationFraction)
	v.SetDefault("training.patience", c.Training.Patience)
	v.SetDefault("training.min_delta", c.Training.MinDelta)
	v.SetDefault("training.report_interval", c.Training.ReportInterval)
	v.SetDefault("training.random_seed", c.Training.RndSeed)
	v.SetDefault("export.onnx_file", c.Export.ONNXFile)
	v.SetDefault("export.dynamic_batch", c.Export.DynamicBatch)
	v.SetDefault("export.plot_file", c.Export.PlotFile)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}
