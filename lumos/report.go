package lumos

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-analyze/charts"
)

const bottomTableMaxRecords = 12

// chart color constants
var greenTextColor = charts.ColorGreenAlt3
var orangeTextColor = charts.ColorOrangeAlt1.WithAdjustHSL(0, .2, 0)
var redTextColor = charts.ColorRed.WithAdjustHSL(0, .1, -.1)

// ReportMetrics contains the run metrics and the instrumentation details.
type ReportMetrics struct {
	GeneratedAt     time.Time          `json:"generated_at"`
	RunDuration     int64              `json:"run_ms"`
	LoadDuration    int64              `json:"load_ms"`
	RewriteDuration int64              `json:"rewrite_ms"`
	OutputDuration  int64              `json:"output_ms"`
	ModulePath      string             `json:"module_path"`
	Mode            string             `json:"mode"`
	Summary         ReportSummary      `json:"summary"`
	RejectedTargets []string           `json:"rejected_targets"`
	Targets         []TargetReport     `json:"targets"`
	Files           []FileReport       `json:"files"`
	Diagnostics     []DiagnosticReport `json:"diagnostics"`
}

// ReportSummary aggregates the counts of a run.
type ReportSummary struct {
	PayloadResolved    bool `json:"payload_resolved"`
	TargetSpecCount    int  `json:"target_spec_count"`
	RejectedSpecCount  int  `json:"rejected_spec_count"`
	UnitCount          int  `json:"unit_count"`
	ChangedUnitCount   int  `json:"changed_unit_count"`
	ChangedLineCount   int  `json:"changed_line_count"`
	PatchedDeclCount   int  `json:"patched_decl_count"`
	DirectiveDeclCount int  `json:"directive_decl_count"`
	CallSiteCount      int  `json:"call_site_count"`
	DiagnosticCount    int  `json:"diagnostic_count"`
}

// TargetReport describes a patched declaration and how often it is called.
type TargetReport struct {
	Fqn           string `json:"fqn"`
	Name          string `json:"name"`
	Reason        string `json:"reason"`
	File          string `json:"file"`
	Line          int    `json:"line"`
	CallSiteCount int    `json:"call_site_count"`
}

// FileReport summarizes the changes to a single rewritten file.
type FileReport struct {
	Path             string `json:"path"`
	PatchedDeclCount int    `json:"patched_decl_count"`
	CallSiteCount    int    `json:"call_site_count"`
	ChangedLineCount int    `json:"changed_line_count"`
	DiagnosticCount  int    `json:"diagnostic_count"`
}

// DiagnosticReport is a serializable Diagnostic.
type DiagnosticReport struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

// ReportDurations holds the timing of the run phases.
type ReportDurations struct {
	Start                 time.Time
	Load, Rewrite, Output time.Duration
}

// ReportMap represents a report as an extensible map structure.
// Custom implementations can add additional fields before writing to JSON.
type ReportMap map[string]interface{}

// BuildReportMetrics summarizes a pipeline result. Paths are reported relative to the project dir.
func BuildReportMetrics(projectDir, modulePath string, mode Mode, durations ReportDurations,
	targetSpecs, rejected []string, result *Result) ReportMetrics {
	report := ReportMetrics{
		GeneratedAt:     durations.Start,
		RunDuration:     time.Since(durations.Start).Milliseconds(),
		LoadDuration:    durations.Load.Milliseconds(),
		RewriteDuration: durations.Rewrite.Milliseconds(),
		OutputDuration:  durations.Output.Milliseconds(),
		ModulePath:      modulePath,
		Mode:            string(mode),
		RejectedTargets: rejected,
		Summary: ReportSummary{
			PayloadResolved:   result.PayloadResolved,
			TargetSpecCount:   len(targetSpecs),
			RejectedSpecCount: len(rejected),
			UnitCount:         len(result.Units),
		},
	}

	callCounts := make(map[string]int)
	for _, site := range result.CallSites() {
		callCounts[site.TargetFqn]++
	}
	for _, decl := range result.PatchedDecls() {
		report.Targets = append(report.Targets, TargetReport{
			Fqn:           decl.Fqn,
			Name:          decl.Name,
			Reason:        decl.Reason,
			File:          relativePath(projectDir, decl.Position.Filename),
			Line:          decl.Position.Line,
			CallSiteCount: callCounts[decl.Fqn],
		})
		if decl.Reason == MatchDirective.String() {
			report.Summary.DirectiveDeclCount++
		}
	}
	slices.SortStableFunc(report.Targets, func(a, b TargetReport) int {
		return strings.Compare(a.Fqn, b.Fqn)
	})

	for _, u := range result.Units {
		for _, d := range u.Diagnostics {
			report.Diagnostics = append(report.Diagnostics, DiagnosticReport{
				File:    relativePath(projectDir, d.Position.Filename),
				Line:    d.Position.Line,
				Column:  d.Position.Column,
				Message: d.Message,
			})
		}
		if !u.Changed() {
			continue
		}
		var changedLines int
		if rewritten, err := u.Format(); err == nil {
			changedLines = changedLineCount(u.Src, rewritten)
		}
		report.Files = append(report.Files, FileReport{
			Path:             relativePath(projectDir, u.Path),
			PatchedDeclCount: len(u.PatchedDecls),
			CallSiteCount:    len(u.CallSites),
			ChangedLineCount: changedLines,
			DiagnosticCount:  len(u.Diagnostics),
		})
		report.Summary.ChangedLineCount += changedLines
	}

	report.Summary.ChangedUnitCount = len(report.Files)
	report.Summary.PatchedDeclCount = len(report.Targets)
	for _, t := range report.Targets {
		report.Summary.CallSiteCount += t.CallSiteCount
	}
	report.Summary.DiagnosticCount = len(report.Diagnostics)
	return report
}

// BuildReportMap converts the metrics into a ReportMap that can be extended before writing to JSON.
func BuildReportMap(report ReportMetrics) (ReportMap, error) {
	reportBytes, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("marshal report to bytes failed: %w", err)
	}

	var reportMap ReportMap
	if err := json.Unmarshal(reportBytes, &reportMap); err != nil {
		return nil, fmt.Errorf("unmarshal report to map failed: %w", err)
	}
	return reportMap, nil
}

// WriteToFile writes the report map to a JSON file.
func (rm ReportMap) WriteToFile(path string) error {
	if path == "" {
		return nil
	}

	encodedReport, err := json.MarshalIndent(rm, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report map failed: %w", err)
	}
	if err := os.WriteFile(path, encodedReport, 0644); err != nil {
		return fmt.Errorf("write report file failed: %w", err)
	}
	return nil
}

// ReadReportMetrics loads a report previously written with WriteToFile.
func ReadReportMetrics(path string) (ReportMetrics, error) {
	var report ReportMetrics
	data, err := os.ReadFile(path)
	if err != nil {
		return report, fmt.Errorf("read report failed: %w", err)
	} else if err := json.Unmarshal(data, &report); err != nil {
		return report, fmt.Errorf("unmarshal report failed: %w", err)
	}
	return report, nil
}

func chartOutputType(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return charts.ChartOutputPNG, nil
	case ".jpg", ".jpeg":
		return charts.ChartOutputJPG, nil
	case ".svg":
		return charts.ChartOutputSVG, nil
	default:
		return "", fmt.Errorf("unhandled chart file type: %s", path)
	}
}

// WriteReportCharts renders the report overview chart to the path, the image format is selected by the extension.
func WriteReportCharts(path string, report ReportMetrics) error {
	outputType, err := chartOutputType(path)
	if err != nil {
		return err
	}

	painterOpt := charts.PainterOptions{
		OutputFormat: outputType,
		Width:        1024,
		Height:       768,
	}
	if buf, err := renderReportCharts(painterOpt, report); err != nil {
		return fmt.Errorf("render charts failed: %w", err)
	} else if err = os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write chart file failed: %w", err)
	}
	return nil
}

func renderReportCharts(painterOpt charts.PainterOptions, report ReportMetrics) ([]byte, error) {
	p := charts.NewPainter(painterOpt)
	if chartBox, err := renderChartsToPainter(p, report); err != nil {
		return nil, err
	} else if chartBox.Height() < p.Height()-128 || chartBox.Height() > p.Height() {
		// re-render with a resized painter to better fit the charts
		painterOpt.Height = chartBox.Height()
		p = charts.NewPainter(painterOpt)
		if _, err := renderChartsToPainter(p, report); err != nil {
			return nil, err
		}
	}
	return p.Bytes()
}

func renderChartsToPainter(p *charts.Painter, report ReportMetrics) (charts.Box, error) {
	const chartPadding = 10
	resultBox := charts.NewBoxEqual(0)
	resultBox.Right = p.Width()
	p.FilledRect(0, 0, p.Width(), p.Height(), charts.ColorWhite, charts.ColorWhite, 0)
	p = p.Child(charts.PainterPaddingOption(charts.NewBox(0, chartPadding, chartPadding, chartPadding)))

	titleFont := charts.FontStyle{
		FontSize:  16,
		FontColor: charts.ColorBlack,
		Font:      charts.GetDefaultFont(),
	}
	title := "lumos call-site instrumentation"
	if report.ModulePath != "" {
		title = report.ModulePath + " call-site instrumentation"
	}
	titleBox := p.MeasureText(title, 0, titleFont)
	titleBottom := titleBox.Height()
	resultBox.Bottom += titleBottom

	painters, err := p.LayoutByRows().
		RowGap(strconv.Itoa(titleBottom)).
		Row().Height("128").Columns("topLeft", "topRight").
		Row().Columns("bottom"). // single large painter at the bottom with all remaining space
		Build()
	if err != nil {
		return resultBox, fmt.Errorf("error building chart layout: %w", err)
	}
	topLeft := painters["topLeft"]
	topRight := painters["topRight"]
	bottom := painters["bottom"]

	barGaugeThemeGreenRed := charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent).
		WithSeriesColors([]charts.Color{
			charts.ColorGreenAlt1,
			charts.ColorRed,
		})
	barGaugeThemeOrangeGreen := charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent).
		WithSeriesColors([]charts.Color{
			charts.ColorOrangeAlt1,
			charts.ColorGreenAlt1,
		})

	summary := report.Summary
	instrumented := float64(summary.CallSiteCount)
	skipped := float64(summary.DiagnosticCount)
	topLeftOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{instrumented}, {skipped},
	})
	topLeftOpt.StackSeries = charts.Ptr(true)
	topLeftOpt.Theme = barGaugeThemeGreenRed
	topLeftOpt.Title.Text = "Call Sites Instrumented"
	topLeftOpt.XAxis.Unit = axisUnitForMax(summary.CallSiteCount + summary.DiagnosticCount)
	topLeftOpt.YAxis.Show = charts.Ptr(false)
	topLeftOpt.SeriesList[1].Label.Show = charts.Ptr(true)
	topLeftOpt.SeriesList[1].Label.FontStyle.FontColor = firstValueSeriesRankColor(topLeftOpt.Theme, topLeftOpt.SeriesList)
	topLeftOpt.SeriesList[1].Label.ValueFormatter = func(f float64) string {
		total := instrumented + f
		if total == 0 {
			return "No calls found"
		}
		percent := 100.0 * instrumented / total
		if f > 0 && percent > 99.9 {
			percent = 99.9 // ensure we don't show 100% when there were skipped calls
		}
		return charts.FormatValueHumanize(percent, 1, false) + "%"
	}
	if err := topLeft.HorizontalBarChart(topLeftOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}

	directive := float64(summary.DirectiveDeclCount)
	descriptor := float64(summary.PatchedDeclCount - summary.DirectiveDeclCount)
	topRightOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{directive}, {descriptor},
	})
	topRightOpt.StackSeries = charts.Ptr(true)
	topRightOpt.Theme = barGaugeThemeOrangeGreen
	topRightOpt.Title.Text = "Patched Declarations"
	topRightOpt.XAxis.Unit = axisUnitForMax(summary.PatchedDeclCount)
	topRightOpt.YAxis.Show = charts.Ptr(false)
	topRightOpt.SeriesList[1].Label.Show = charts.Ptr(true)
	topRightOpt.SeriesList[1].Label.ValueFormatter = func(f float64) string {
		return strconv.Itoa(int(directive)) + " directive / " + strconv.Itoa(int(f)) + " target"
	}
	if err := topRight.HorizontalBarChart(topRightOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}

	resultBox.Bottom += max(topLeft.Height(), topRight.Height())

	targets := slices.Clone(report.Targets)
	slices.SortStableFunc(targets, func(a, b TargetReport) int {
		if a.CallSiteCount != b.CallSiteCount { // most called first
			return b.CallSiteCount - a.CallSiteCount
		}
		return strings.Compare(a.Fqn, b.Fqn)
	})
	if len(targets) > bottomTableMaxRecords {
		targets = targets[:bottomTableMaxRecords]
	}

	if len(targets) == 0 {
		text := "No Declarations Patched"
		textBox := bottom.MeasureText(text, 0, titleFont)
		bottom.Text(text, (bottom.Width()-textBox.Width())/2, bottom.Height()/2, 0, titleFont)
		resultBox.Bottom += textBox.Height() * 2
	} else {
		rows := make([][]string, len(targets))
		for i, t := range targets {
			fqn := t.Fqn
			if len(fqn) > 66 {
				fqn = ".." + fqn[len(fqn)-64:]
			}
			rows[i] = []string{fqn, t.Reason, strconv.Itoa(t.CallSiteCount), t.File + ":" + strconv.Itoa(t.Line)}
		}

		tableTitle := "Patched Targets"
		tableTitleFont := charts.FontStyle{
			FontSize:  12,
			FontColor: barGaugeThemeGreenRed.GetTitleTextColor(),
			Font:      charts.GetDefaultFont(),
		}
		tableTitleBox := bottom.MeasureText(tableTitle, 0, tableTitleFont)
		bottom.Text(tableTitle, 10, tableTitleBox.Height(), 0, tableTitleFont)
		rowColors := []charts.Color{
			{R: 240, G: 240, B: 240, A: 255},
			charts.ColorTransparent,
		}
		if len(rows)%2 == 0 {
			// reverse row colors so table end is opposite of transparent
			rowColors[0], rowColors[1] = rowColors[1], rowColors[0]
		}
		defaultCellFontStyle := charts.FontStyle{
			FontSize:  12,
			FontColor: charts.Color{R: 50, G: 50, B: 50, A: 255},
			Font:      charts.GetDefaultFont(),
		}
		bottomOpt := charts.TableChartOption{
			Header:                []string{"Target", "Matched By", "Call Sites", "Declared At"},
			Data:                  rows,
			HeaderBackgroundColor: charts.Color{R: 210, G: 210, B: 210, A: 255},
			RowBackgroundColors:   rowColors,
			Padding:               charts.NewBoxEqual(10),
			Spans:                 []int{30, 8, 6, 20},
			TextAligns:            []string{charts.AlignLeft, charts.AlignLeft, charts.AlignCenter, charts.AlignLeft},
			CellModifier: func(cell charts.TableCell) charts.TableCell {
				if cell.Row == 0 {
					return cell
				}
				cell.FontStyle = defaultCellFontStyle // reset on each call to prevent prior changes persisting

				switch cell.Column {
				case 0:
					cell.FontStyle.FontSize = 10
				case 2: // call count, uncalled targets are likely a mistaken specification
					if cell.Text == "0" {
						cell.FontStyle.FontColor = orangeTextColor
					} else {
						cell.FontStyle.FontColor = greenTextColor
					}
				case 3:
					cell.FontStyle.FontSize = 8
				}
				return cell
			},
		}
		tablePainter := bottom.Child(charts.PainterPaddingOption(charts.NewBox(10, tableTitleBox.Height()+8, 0, 0)))
		if err := tablePainter.TableChart(bottomOpt); err != nil {
			return resultBox, fmt.Errorf("error rendering table: %w", err)
		}
		// re-render to calculate the height of the table, charts does not return the table size
		bottomOpt.Width = bottom.Width()
		if tp, _ := charts.TableOptionRenderDirect(bottomOpt); tp != nil {
			resultBox.Bottom += tableTitleBox.Height() + tp.Height()
		} else {
			resultBox.Bottom += bottom.Height()
		}
	}

	p.Text(title, (p.Width()/2)-(titleBox.Width()/2), titleBox.Height(), 0, titleFont)
	return resultBox, nil
}

func firstValueSeriesRankColor(theme charts.ColorPalette, sl charts.HorizontalBarSeriesList) charts.Color {
	sum := sl.SumSeriesValues()
	if sl[0].Values[0] < sum[0]/2 {
		return redTextColor
	} else if sl[0].Values[0] < sum[0]*.8 {
		return orangeTextColor
	} else {
		return theme.GetLabelTextColor()
	}
}

func axisUnitForMax(val int) float64 {
	if val >= 8000 {
		return 2000
	} else if val > 2000 {
		return 1000
	} else if val >= 800 {
		return 200
	} else if val > 200 {
		return 100
	} else if val >= 80 {
		return 20
	} else if val > 20 {
		return 10
	} else if val >= 10 {
		return 2
	} else {
		return 1
	}
}
