package pkg

import (
	"fmt"
	"image/color"
	gio "io"
	"math"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"ufnet/pkg/model"
)

// ReportWriter receives the metrics table. Tests redirect it.
var ReportWriter gio.Writer = os.Stdout

func logMetrics(title string, m model.Metrics) {
	event := log.Info().
		Int("Count", m.Count).
		Float64("MAE", m.MAE).
		Float64("MSE", m.MSE).
		Float64("RMSE", m.RMSE).
		Float64("R-squared", m.R2)
	if !math.IsNaN(m.MAEDegrees) {
		event = event.Float64("MAEDegrees", m.MAEDegrees)
	}
	event.Msg(title)
	RenderMetrics(ReportWriter, title, m)
}

// RenderMetrics writes the metrics as a two column table. The degrees row is
// left out when MAEDegrees is NaN.
func RenderMetrics(w gio.Writer, title string, m model.Metrics) {
	fmt.Fprintf(w, "\n--- %s ---\n", title)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Metric", "Value"})
	rows := [][]string{
		{"Records", fmt.Sprintf("%d", m.Count)},
		{"Mean Absolute Error (MAE)", fmt.Sprintf("%.6f", m.MAE)},
	}
	if !math.IsNaN(m.MAEDegrees) {
		rows = append(rows, []string{"MAE (degrees)", fmt.Sprintf("%.4f", m.MAEDegrees)})
	}
	table.AppendBulk(append(rows,
		[]string{"Mean Squared Error (MSE)", fmt.Sprintf("%.6f", m.MSE)},
		[]string{"Root Mean Squared Error (RMSE)", fmt.Sprintf("%.6f", m.RMSE)},
		[]string{"R-squared Score", fmt.Sprintf("%.4f", m.R2)},
	))
	table.Render()
}

// SavePlot saves a scatter plot of predicted against actual U_f with the
// identity line for reference. The image format follows the file extension.
func SavePlot(fileName string, actual, predicted []float64) error {
	if len(actual) != len(predicted) {
		return errors.Errorf("plot needs as many predictions as targets, got %d and %d", len(predicted), len(actual))
	}
	if len(actual) == 0 {
		return errors.New("nothing to plot")
	}

	p := plot.New()
	p.Title.Text = "Prediction vs Ground Truth"
	p.X.Label.Text = "Actual U_f"
	p.Y.Label.Text = "Predicted U_f"

	points := lo.Map(actual, func(x float64, i int) plotter.XY {
		return plotter.XY{X: x, Y: predicted[i]}
	})
	scatter, err := plotter.NewScatter(plotter.XYs(points))
	if err != nil {
		return errors.Wrap(err, "error creating scatter plot")
	}
	scatter.GlyphStyle.Radius = vg.Length(1)
	scatter.GlyphStyle.Shape = draw.CircleGlyph{}
	p.Add(scatter)

	minU, maxU := floats.Min(actual), floats.Max(actual)
	identity, err := plotter.NewLine(plotter.XYs{{X: minU, Y: minU}, {X: maxU, Y: maxU}})
	if err != nil {
		return errors.Wrap(err, "error creating identity line")
	}
	identity.LineStyle.Color = color.RGBA{R: 255, A: 255}
	identity.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
	p.Add(identity)

	if err := p.Save(8*vg.Inch, 8*vg.Inch, fileName); err != nil {
		return errors.Wrapf(err, "error saving plot to %s", fileName)
	}
	return nil
}
