package logcall

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-analyze/bulk"
	"github.com/go-analyze/charts"
)

const bottomTableMaxRecords = 10

// chart color constants
var greenTextColor = charts.ColorGreenAlt3
var orangeTextColor = charts.ColorOrangeAlt1.WithAdjustHSL(0, .2, 0)
var redTextColor = charts.ColorRed.WithAdjustHSL(0, .1, -.1)

// ReportMetrics contains the metrics of one rewrite run.
type ReportMetrics struct {
	GeneratedAt     time.Time       `json:"generated_at"`
	RunDuration     int64           `json:"run_ms"`
	RewriteDuration int64           `json:"rewrite_ms"`
	CommitDuration  int64           `json:"commit_ms"`
	ProjectDir      string          `json:"project_dir"`
	Mode            string          `json:"mode"`
	Files           FileMetrics     `json:"files"`
	Functions       FunctionMetrics `json:"functions"`
}

// FileMetrics summarizes the source files considered by a run.
type FileMetrics struct {
	ScannedCount      int      `json:"scanned_count"`
	InstrumentedCount int      `json:"instrumented_count"`
	FailedCount       int      `json:"failed_count"`
	FailedFiles       []string `json:"failed_files"`
	CacheHits         int64    `json:"cache_hits"`
	CacheMisses       int64    `json:"cache_misses"`
}

// FunctionMetrics summarizes the annotated functions of a run.
type FunctionMetrics struct {
	InstrumentedCount int              `json:"instrumented_count"`
	SkippedCount      int              `json:"skipped_count"`
	Skipped           []string         `json:"skipped"` // annotated functions without a body
	TemplateCounts    map[string]int   `json:"template_counts"`
	LevelCounts       map[string]int   `json:"level_counts"`
	Instrumented      []FunctionRecord `json:"instrumented"`
}

// ReportMap is a flexible representation of the report that can be extended with custom fields.
type ReportMap map[string]interface{}

// RunSummary collects the results of an Engine run for reporting.
type RunSummary struct {
	StartTime       time.Time
	RewriteDuration time.Duration
	CommitDuration  time.Duration
	Results         []*FileResult
	Failed          []string
	CacheHits       int64
	CacheMisses     int64
}

// InstrumentedCount returns the number of functions instrumented in the run.
func (s *RunSummary) InstrumentedCount() int {
	var count int
	for _, r := range s.Results {
		count += len(r.Records)
	}
	return count
}

func buildReportMetrics(projectDir string, mode OutputMode, summary *RunSummary) ReportMetrics {
	report := ReportMetrics{
		GeneratedAt:     summary.StartTime,
		RunDuration:     time.Since(summary.StartTime).Milliseconds(),
		RewriteDuration: summary.RewriteDuration.Milliseconds(),
		CommitDuration:  summary.CommitDuration.Milliseconds(),
		ProjectDir:      projectDir,
		Mode:            string(mode),
		Files: FileMetrics{
			ScannedCount: len(summary.Results) + len(summary.Failed),
			FailedCount:  len(summary.Failed),
			FailedFiles:  relativePaths(projectDir, summary.Failed),
			CacheHits:    summary.CacheHits,
			CacheMisses:  summary.CacheMisses,
		},
		Functions: FunctionMetrics{
			TemplateCounts: make(map[string]int),
			LevelCounts:    make(map[string]int),
		},
	}

	var templates, levels []string
	for _, r := range summary.Results {
		if r.Changed() {
			report.Files.InstrumentedCount++
		}
		for _, skipped := range r.Skipped {
			report.Functions.Skipped = append(report.Functions.Skipped, relativePath(projectDir, r.Path)+":"+skipped)
		}
		for _, rec := range r.Records {
			templates = append(templates, rec.Templates...)
			levels = append(levels, rec.Levels...)
			report.Functions.Instrumented = append(report.Functions.Instrumented, rec)
		}
	}
	for name, count := range bulk.SliceToCounts(templates) {
		report.Functions.TemplateCounts[name] = count
	}
	for name, count := range bulk.SliceToCounts(levels) {
		report.Functions.LevelCounts[name] = count
	}
	slices.Sort(report.Functions.Skipped)
	slices.SortFunc(report.Functions.Instrumented, func(a, b FunctionRecord) int {
		if c := strings.Compare(a.FilePath, b.FilePath); c != 0 {
			return c
		}
		return int(a.Line) - int(b.Line)
	})
	report.Functions.InstrumentedCount = len(report.Functions.Instrumented)
	report.Functions.SkippedCount = len(report.Functions.Skipped)
	return report
}

// BuildReportMap creates a ReportMap from the run summary.
func BuildReportMap(projectDir string, mode OutputMode, summary *RunSummary) (ReportMap, error) {
	report := buildReportMetrics(projectDir, mode, summary)

	// Convert struct to map for extensibility
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

// WriteReportFiles writes the JSON report and chart image requested by the config. Empty paths are skipped.
func WriteReportFiles(config *Config, summary *RunSummary) error {
	if config.ReportJsonFile != "" {
		reportMap, err := BuildReportMap(config.AbsProjDir, config.Mode, summary)
		if err != nil {
			return err
		} else if err := reportMap.WriteToFile(config.ReportJsonFile); err != nil {
			return err
		}
	}
	if config.ReportChartsFile != "" {
		report := buildReportMetrics(config.AbsProjDir, config.Mode, summary)
		if err := writeReportCharts(config.ReportChartsFile, report); err != nil {
			return err
		}
	}
	return nil
}

// RenderReportChartsFromJson renders a previously written report to a png.
func RenderReportChartsFromJson(report ReportMetrics) ([]byte, error) {
	painterOpt := charts.PainterOptions{
		OutputFormat: charts.ChartOutputPNG,
		Width:        1024,
		Height:       768,
	}
	return renderReportCharts(painterOpt, report)
}

func writeReportCharts(path string, report ReportMetrics) error {
	var outputType string
	if strings.HasSuffix(path, ".png") {
		outputType = charts.ChartOutputPNG
	} else if strings.HasSuffix(path, ".jpg") || strings.HasSuffix(path, ".jpeg") {
		outputType = charts.ChartOutputJPG
	} else if strings.HasSuffix(path, ".svg") {
		outputType = charts.ChartOutputSVG
	} else {
		return fmt.Errorf("unhandled chart file type: %s", path)
	}

	painterOpt := charts.PainterOptions{
		OutputFormat: outputType,
		Width:        1024,
		Height:       1024,
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
		// re-render with a smaller painter to better fit the charts
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

	var title string
	var titleBox charts.Box
	var titleBottom int
	titleFont := charts.FontStyle{
		FontSize:  16,
		FontColor: charts.ColorBlack,
		Font:      charts.GetDefaultFont(),
	}
	if report.ProjectDir != "" {
		title = filepath.Base(report.ProjectDir) + " (" + report.Mode + ")"
		titleBox = p.MeasureText(title, 0, titleFont)
		// title rendered after the charts to ensure it does not get clipped
		titleBottom = titleBox.Height()
		resultBox.Bottom += titleBottom
	}

	const middleUpShift = "-40" // overlap amount between rows
	layoutBuilder := p.LayoutByRows()
	if titleBottom > 0 {
		layoutBuilder = layoutBuilder.RowGap(strconv.Itoa(titleBottom))
	}
	painters, err := layoutBuilder.
		Row().Height("128").Columns("topLeft", "topRight").
		Row().Height("112").RowOffset(middleUpShift).Columns("down1Left", "down1Right").
		Row().Height("112").RowOffset(middleUpShift).Columns("down2Left", "down2Right").
		Row().Columns("bottom"). // single large painter at the bottom with all remaining space
		Build()
	if err != nil {
		return resultBox, fmt.Errorf("error building chart layout: %w", err)
	}
	topLeft := painters["topLeft"]
	topRight := painters["topRight"]
	down1Left := painters["down1Left"]
	down1Right := painters["down1Right"]
	down2Left := painters["down2Left"]
	down2Right := painters["down2Right"]
	bottom := painters["bottom"]

	barGaugeThemeGreenRed := charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent).
		WithSeriesColors([]charts.Color{
			charts.ColorGreenAlt1,
			charts.ColorRed,
		})
	barGaugeThemeGreenGray := charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent).
		WithSeriesColors([]charts.Color{
			charts.ColorGreenAlt1,
			{R: 200, G: 200, B: 200, A: 255},
		})
	barThemeSegments := charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent)

	files := report.Files
	topLeftOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{float64(files.InstrumentedCount)}, {float64(files.ScannedCount - files.InstrumentedCount)},
	})
	topLeftOpt.StackSeries = charts.Ptr(true)
	topLeftOpt.Theme = barGaugeThemeGreenGray
	topLeftOpt.Title.Text = "Files Instrumented"
	topLeftOpt.XAxis.Unit = axisUnitForMax(files.ScannedCount)
	topLeftOpt.YAxis.Show = charts.Ptr(false)
	topLeftOpt.SeriesList[1].Label.Show = charts.Ptr(true)
	topLeftOpt.SeriesList[1].Label.ValueFormatter = func(f float64) string {
		return strconv.Itoa(files.InstrumentedCount) + " of " + strconv.Itoa(files.ScannedCount)
	}
	if err := topLeft.HorizontalBarChart(topLeftOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}

	lookups := files.CacheHits + files.CacheMisses
	topRightOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{float64(files.CacheHits)}, {float64(files.CacheMisses)},
	})
	topRightOpt.StackSeries = charts.Ptr(true)
	topRightOpt.Theme = barGaugeThemeGreenRed
	topRightOpt.Title.Text = "Transform Cache Hits"
	topRightOpt.XAxis.Unit = axisUnitForMax(int(lookups))
	topRightOpt.YAxis.Show = charts.Ptr(false)
	topRightOpt.SeriesList[1].Label.Show = charts.Ptr(true)
	topRightOpt.SeriesList[1].Label.FontStyle.FontColor = firstValueSeriesRankColor(topRightOpt.Theme, topRightOpt.SeriesList)
	topRightOpt.SeriesList[1].Label.ValueFormatter = func(f float64) string {
		if lookups == 0 {
			return "Cache disabled"
		}
		return charts.FormatValueHumanize(percentOf(files.CacheHits, lookups), 1, false) + "%"
	}
	if err := topRight.HorizontalBarChart(topRightOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}

	resultBox.Bottom += max(topLeft.Height(), topRight.Height())

	okFiles := files.ScannedCount - files.FailedCount
	down1LeftOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{float64(okFiles)}, {float64(files.FailedCount)},
	})
	down1LeftOpt.StackSeries = charts.Ptr(true)
	down1LeftOpt.Theme = barGaugeThemeGreenRed
	down1LeftOpt.Title.Text = "Files Rewritten Without Error"
	down1LeftOpt.XAxis.Show = charts.Ptr(false)
	down1LeftOpt.YAxis.Show = charts.Ptr(false)
	down1LeftOpt.BarHeight = 22
	down1LeftOpt.SeriesList[1].Label.Show = charts.Ptr(true)
	down1LeftOpt.SeriesList[1].Label.FontStyle.FontColor = firstValueSeriesRankColor(down1LeftOpt.Theme, down1LeftOpt.SeriesList)
	down1LeftOpt.SeriesList[1].Label.ValueFormatter = func(failed float64) string {
		percent := percentOf(int64(okFiles), int64(files.ScannedCount))
		if failed > 0 && percent > 99.9 {
			percent = 99.9 // ensure we don't show 100% when some files failed
		}
		return charts.FormatValueHumanize(percent, 1, false) + "%"
	}
	if err := down1Left.HorizontalBarChart(down1LeftOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}

	funcs := report.Functions
	annotated := funcs.InstrumentedCount + funcs.SkippedCount
	down1RightOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{float64(funcs.InstrumentedCount)}, {float64(funcs.SkippedCount)},
	})
	down1RightOpt.StackSeries = charts.Ptr(true)
	down1RightOpt.Theme = barGaugeThemeGreenRed
	down1RightOpt.Title.Text = "Annotated Functions Instrumented"
	down1RightOpt.XAxis.Show = charts.Ptr(false)
	down1RightOpt.YAxis.Show = charts.Ptr(false)
	down1RightOpt.BarHeight = down1LeftOpt.BarHeight
	down1RightOpt.SeriesList[1].Label.Show = charts.Ptr(true)
	down1RightOpt.SeriesList[1].Label.FontStyle.FontColor = firstValueSeriesRankColor(down1RightOpt.Theme, down1RightOpt.SeriesList)
	down1RightOpt.SeriesList[1].Label.ValueFormatter = func(f float64) string {
		return strconv.Itoa(funcs.InstrumentedCount) + " of " + strconv.Itoa(annotated)
	}
	if err := down1Right.HorizontalBarChart(down1RightOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}

	templateNames := make([]string, len(Templates))
	for i, t := range Templates {
		templateNames[i] = t.String()
	}
	down2LeftOpt := segmentBarOption(barThemeSegments, "Templates", templateNames, funcs.TemplateCounts)
	down2LeftOpt.BarHeight = down1LeftOpt.BarHeight
	if err := down2Left.HorizontalBarChart(down2LeftOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}
	levelNames := make([]string, len(Levels))
	for i, l := range Levels {
		levelNames[i] = string(l)
	}
	down2RightOpt := segmentBarOption(barThemeSegments, "Levels", levelNames, funcs.LevelCounts)
	down2RightOpt.BarHeight = down1LeftOpt.BarHeight
	if err := down2Right.HorizontalBarChart(down2RightOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}

	resultBox.Bottom += max(down1Left.Height(), down1Right.Height()) + max(down2Left.Height(), down2Right.Height())

	fileRows := instrumentedFileRows(report.ProjectDir, funcs.Instrumented)
	if len(fileRows) == 0 {
		text := "No Instrumented Functions"
		textBox := bottom.MeasureText(text, 0, titleFont)
		bottom.Text(text, (bottom.Width()-textBox.Width())/2, bottom.Height()/2, 0, titleFont)
		resultBox.Bottom += textBox.Height() * 2
	} else {
		if len(fileRows) > bottomTableMaxRecords {
			fileRows = fileRows[:bottomTableMaxRecords]
		}
		tableTitle := "Instrumented Files"
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
		if len(fileRows)%2 == 0 {
			// reverse row colors so table end is opposite of transparent
			rowColors[0], rowColors[1] = rowColors[1], rowColors[0]
		}
		defaultCellFontStyle := charts.FontStyle{
			FontSize:  12,
			FontColor: charts.Color{R: 50, G: 50, B: 50, A: 255},
			Font:      charts.GetDefaultFont(),
		}
		bottomOpt := charts.TableChartOption{
			Header:                []string{"File", "Functions", "Templates", "Levels"},
			Data:                  fileRows,
			HeaderBackgroundColor: charts.Color{R: 210, G: 210, B: 210, A: 255},
			RowBackgroundColors:   rowColors,
			Padding:               charts.NewBoxEqual(10),
			Spans:                 []int{28, 8, 16, 16},
			TextAligns:            []string{charts.AlignLeft, charts.AlignCenter, charts.AlignLeft, charts.AlignLeft},
			CellModifier: func(cell charts.TableCell) charts.TableCell {
				if cell.Row == 0 {
					return cell
				}
				cell.FontStyle = defaultCellFontStyle // reset on each call to prevent prior changes persisting

				switch cell.Column {
				case 2: // templates
					if strings.Contains(cell.Text, "suspend") {
						cell.FontStyle.FontColor = orangeTextColor
					} else {
						cell.FontStyle.FontColor = greenTextColor
					}
				case 3: // levels
					if strings.Contains(cell.Text, string(LevelError)) {
						cell.FontStyle.FontColor = redTextColor
					}
					cell.FontStyle.FontSize = 10
				}
				return cell
			},
		}
		tablePainter := bottom.Child(charts.PainterPaddingOption(charts.NewBox(10, tableTitleBox.Height()+8, 0, 0)))
		if err := tablePainter.TableChart(bottomOpt); err != nil {
			return resultBox, fmt.Errorf("error rendering table: %w", err)
		}
		// re-render just so we can calculate the height of the table, charts does not return the table sizes
		bottomOpt.Width = bottom.Width()
		if p, _ := charts.TableOptionRenderDirect(bottomOpt); p != nil {
			resultBox.Bottom += tableTitleBox.Height() + p.Height()
		} else {
			resultBox.Bottom += bottom.Height()
		}
	}

	// render the final chart extras
	if title != "" {
		p.Text(title, (p.Width()/2)-(titleBox.Width()/2), titleBox.Height(), 0, titleFont)
	}
	return resultBox, nil
}

// segmentBarOption builds a single stacked bar with one labeled segment per name.
func segmentBarOption(theme charts.ColorPalette, title string, names []string,
	counts map[string]int) charts.HorizontalBarChartOption {
	values := make([][]float64, len(names))
	var total int
	for i, name := range names {
		values[i] = []float64{float64(counts[name])}
		total += counts[name]
	}
	opt := charts.NewHorizontalBarChartOptionWithData(values)
	opt.StackSeries = charts.Ptr(true)
	opt.Theme = theme
	opt.Title.Text = title
	opt.XAxis.Unit = axisUnitForMax(total)
	opt.YAxis.Show = charts.Ptr(false)
	for i, name := range names {
		opt.SeriesList[i].Label.Show = charts.Ptr(true)
		opt.SeriesList[i].Label.ValueFormatter = func(f float64) string {
			if f == 0 {
				return ""
			}
			return name
		}
	}
	return opt
}

// instrumentedFileRows groups records per file into table rows, most instrumented file first.
func instrumentedFileRows(projectDir string, records []FunctionRecord) [][]string {
	byFile := bulk.SliceToGroupsBy(func(r FunctionRecord) string {
		return r.FilePath
	}, records)

	rows := make([][]string, 0, len(byFile))
	for path, fileRecords := range byFile {
		var templates, levels []string
		for _, r := range fileRecords {
			templates = append(templates, r.Templates...)
			levels = append(levels, r.Levels...)
		}
		slices.Sort(templates)
		slices.Sort(levels)
		name := relativePath(projectDir, path)
		if len(name) > 48 {
			name = ".." + name[len(name)-46:]
		}
		rows = append(rows, []string{
			name,
			strconv.Itoa(len(fileRecords)),
			strings.Join(slices.Compact(templates), ", "),
			strings.Join(slices.Compact(levels), ", "),
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		aCount, _ := strconv.Atoi(a[1])
		bCount, _ := strconv.Atoi(b[1])
		if aCount != bCount {
			return bCount - aCount
		}
		return strings.Compare(a[0], b[0])
	})
	return rows
}

func relativePath(dir, path string) string {
	if dir == "" {
		return path
	} else if rel, err := filepath.Rel(dir, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return path
}

func relativePaths(dir string, paths []string) []string {
	result := make([]string, len(paths))
	for i, path := range paths {
		result[i] = relativePath(dir, path)
	}
	slices.Sort(result)
	return result
}

func percentOf(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return 100.0 * float64(part) / float64(total)
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
