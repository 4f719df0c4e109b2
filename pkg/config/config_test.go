package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("train", pflag.ContinueOnError)
	flags.String("profile", "", "")
	flags.String("data-file", "", "")
	flags.IntSlice("hidden-dimensions", nil, "")
	flags.Int("num-epochs", 0, "")
	flags.Int("patience", 0, "")
	flags.Float64("learning-rate", 0, "")
	return flags
}

func TestLoad_ProfileDefaults(t *testing.T) {
	for _, name := range Profiles() {
		flags := newFlags()
		require.NoError(t, flags.Parse([]string{"--profile", name}))
		c, err := Load("", flags)
		require.NoError(t, err)

		expected, err := ForProfile(name)
		require.NoError(t, err)
		assert.Equal(t, expected, *c)
	}
}

func TestLoad_Profiles(t *testing.T) {
	c2d, err := ForProfile(Profile2D)
	require.NoError(t, err)
	assert.Equal(t, 5, c2d.Model.FeatureCount)
	assert.Equal(t, []int{64, 64, 32}, c2d.Model.HiddenDimensions)
	assert.False(t, c2d.EarlyStopping())
	assert.Empty(t, c2d.Export.ONNXFile)

	early, err := ForProfile(Profile3DEarly)
	require.NoError(t, err)
	assert.Equal(t, 14, early.Model.FeatureCount)
	assert.True(t, early.EarlyStopping())
	assert.Equal(t, 100, early.Training.Patience)
	assert.Equal(t, 1024, early.Training.BatchSize)
	assert.True(t, early.Export.DynamicBatch)

	// profile defaults are copied
	early.Model.HiddenDimensions[0] = 1
	again, _ := ForProfile(Profile3DEarly)
	assert.Equal(t, 128, again.Model.HiddenDimensions[0])

	_, err = ForProfile("4d")
	assert.Error(t, err)

	assert.False(t, AngularTarget(Profile2D))
	assert.True(t, AngularTarget(Profile3D))
	assert.True(t, AngularTarget(Profile3DEarly))
}

func TestLoad_Precedence(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "ufnet.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
profile: 2d
data_file: from_config.csv
training:
  num_epochs: 7
  learning_rate: 0.01
`), 0o644))

	t.Setenv("UFNET_TRAINING_LEARNING_RATE", "0.05")

	flags := newFlags()
	require.NoError(t, flags.Parse([]string{"--num-epochs", "3", "--hidden-dimensions", "8,4"}))
	c, err := Load(configFile, flags)
	require.NoError(t, err)

	assert.Equal(t, Profile2D, c.Profile)
	assert.Equal(t, "from_config.csv", c.DataFile)
	assert.Equal(t, 3, c.Training.NumEpochs)
	assert.Equal(t, 0.05, c.Training.LearningRate)
	assert.Equal(t, []int{8, 4}, c.Model.HiddenDimensions)
	assert.Equal(t, 5, c.Model.FeatureCount)
	assert.Equal(t, 50, c.Training.ReportInterval)
}

func TestLoad_Invalid(t *testing.T) {
	flags := newFlags()
	require.NoError(t, flags.Parse([]string{"--learning-rate", "-1"}))
	_, err := Load("", flags)
	assert.Error(t, err)

	flags = newFlags()
	require.NoError(t, flags.Parse([]string{"--profile", "unknown"}))
	_, err = Load("", flags)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}
