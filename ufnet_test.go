package main

import (
	"fmt"
	gio "io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"ufnet/pkg"
	"ufnet/pkg/io"
)

func writeDataset(t *testing.T, dir string, rows int) string {
	t.Helper()
	rnd := rand.New(rand.NewSource(1))
	var b strings.Builder
	b.WriteString("sigma_x,sigma_y,depth,snr,angle,U_f\n")
	for i := 0; i < rows; i++ {
		x := make([]float64, 5)
		for j := range x {
			x[j] = rnd.Float64()
		}
		u := 0.3*x[0] + 0.2*x[1] - 0.1*x[3] + 0.05*x[4]
		fmt.Fprintf(&b, "%g,%g,%g,%g,%g,%g\n", x[0], x[1], x[2], x[3], x[4], u)
	}
	fileName := filepath.Join(dir, "dataset_2d.csv")
	require.NoError(t, os.WriteFile(fileName, []byte(b.String()), 0o644))
	return fileName
}

func run(t *testing.T, args string) string {
	t.Helper()
	var out strings.Builder
	root := RootCommand()
	root.SetOut(&out)
	root.SetArgs(strings.Fields(args))
	require.NoError(t, root.Execute())
	return out.String()
}

func TestTrainTestPredictExport(t *testing.T) {
	pkg.ReportWriter = gio.Discard
	dir := t.TempDir()
	dataFile := writeDataset(t, dir, 100)
	modelFile := filepath.Join(dir, "uncertainty_model_2d.model")
	onnxFile := filepath.Join(dir, "uncertainty_model_2d.onnx")

	run(t, fmt.Sprintf("train --log-level error --profile 2d -q -i %s -o %s -n 5 --hidden-dimensions 8,4 --onnx-file %s",
		dataFile, modelFile, onnxFile))

	m, err := io.LoadModelFile(modelFile)
	require.NoError(t, err)
	require.Equal(t, "2d", m.MetaData.Profile)
	require.Equal(t, 5, m.MetaData.FeatureCount())
	require.Equal(t, "U_f", m.MetaData.TargetName())
	require.Equal(t, 3, len(m.Regressor.Layers))
	require.Equal(t, 20, m.MetaData.Validation.Count)
	_, err = os.Stat(onnxFile)
	require.NoError(t, err)

	outputFile := filepath.Join(dir, "pairs.csv")
	run(t, fmt.Sprintf("test --log-level error -m %s -i %s -o %s", modelFile, dataFile, outputFile))
	pairs, err := os.ReadFile(outputFile)
	require.NoError(t, err)
	require.Equal(t, 100, strings.Count(string(pairs), "\n"))

	out := run(t, fmt.Sprintf("predict --log-level error -m %s -i %s", modelFile, dataFile))
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Equal(t, 101, len(lines))
	require.Equal(t, "U_f", lines[0])

	exported := filepath.Join(dir, "dynamic.onnx")
	run(t, fmt.Sprintf("export --log-level error -m %s -o %s --dynamic-batch", modelFile, exported))
	info, err := os.Stat(exported)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestTrainMissingDataFile(t *testing.T) {
	dir := t.TempDir()
	modelFile := filepath.Join(dir, "model")
	run(t, fmt.Sprintf("train --log-level error -i %s -o %s", filepath.Join(dir, "dataset_3d_1M_R.csv"), modelFile))
	_, err := os.Stat(modelFile)
	require.True(t, os.IsNotExist(err))
}

func TestInvalidSettings(t *testing.T) {
	root := RootCommand()
	root.SetOut(gio.Discard)
	root.SetErr(gio.Discard)
	root.SetArgs([]string{"train", "--log-level", "error", "--profile", "4d"})
	require.Error(t, root.Execute())

	root = RootCommand()
	root.SetOut(gio.Discard)
	root.SetErr(gio.Discard)
	root.SetArgs([]string{"export", "--log-level", "verbose", "-m", "a", "-o", "b"})
	require.Error(t, root.Execute())
}
