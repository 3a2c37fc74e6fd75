// qctoexcel turns a qccollect capture (.bin or .csv) into an Excel workbook
// with a cumulative z-score chart, the usual first look at whether a device's
// output drifts from the expected 50% ones density.
package main

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/cryptalabs/qcicada-go/naming"
)

const (
	sheetName       = "Zscore"
	onesColumnName  = "ones"
	blockColumnName = "samples"
	timeColumnName  = "time"
)

// DataRow is one sample: its label (sample number or timestamp), its ones
// count, and the computed cumulative statistics.
type DataRow struct {
	Category       string
	Ones           int
	CumulativeMean float64
	ZScore         float64
}

// readBinFile reads a capture's raw bytes in blocks of sampleBytes and
// counts the ones per block.
func readBinFile(filePath string, sampleBytes int) ([]DataRow, error) {
	if sampleBytes <= 0 {
		return nil, errors.New("invalid sample size")
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	rows := make([]DataRow, 0, 1024)
	buf := make([]byte, sampleBytes)
	block := 1
	for {
		n, err := io.ReadFull(reader, buf)
		if n == 0 {
			break
		}
		// A partial block at EOF still counts.
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		count := 0
		for i := 0; i < n; i++ {
			count += bits.OnesCount8(buf[i])
		}
		rows = append(rows, DataRow{Category: strconv.Itoa(block), Ones: count})
		block++
		if n < sampleBytes {
			break
		}
	}
	return rows, nil
}

// readCSVFile reads a capture's csv: timestamp and ones count per line.
func readCSVFile(filePath string) ([]DataRow, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	rows := make([]DataRow, 0, len(records))
	for _, rec := range records {
		if len(rec) < 2 {
			continue
		}
		label := formatTimeLabel(strings.TrimSpace(rec[0]))
		onesStr := strings.TrimSpace(rec[1])
		ones, err := strconv.Atoi(onesStr)
		if err != nil {
			return nil, fmt.Errorf("invalid ones value '%s': %w", onesStr, err)
		}
		rows = append(rows, DataRow{Category: label, Ones: ones})
	}
	return rows, nil
}

// formatTimeLabel reduces a timestamp to HH:MM:SS, falling back to the
// original string when no known layout matches.
func formatTimeLabel(s string) string {
	formats := []string{
		"20060102T15:04:05",
		time.RFC3339,
		"2006-01-02 15:04:05",
		"15:04:05",
	}
	for _, layout := range formats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("15:04:05")
		}
	}
	return s
}

// calculateZTest computes the cumulative mean of ones and its z-score per
// row, against the binomial expectation for blockBits fair coin flips:
// expected mean 0.5*blockBits, stddev sqrt(blockBits*0.25).
func calculateZTest(rows []DataRow, blockBits int) []DataRow {
	expectedMean := 0.5 * float64(blockBits)
	expectedStdDev := math.Sqrt(float64(blockBits) * 0.25)
	if expectedStdDev == 0 {
		return rows
	}
	sum := 0
	for i := range rows {
		sum += rows[i].Ones
		cumMean := float64(sum) / float64(i+1)
		z := (cumMean - expectedMean) / (expectedStdDev / math.Sqrt(float64(i+1)))
		rows[i].CumulativeMean = cumMean
		rows[i].ZScore = z
	}
	return rows
}

// writeToExcel writes the rows next to the input path as .xlsx, with a line
// chart of the z-score.
func writeToExcel(rows []DataRow, filePath string, blockBits int, intervalSec int, firstColumnHeader string) error {
	if len(rows) == 0 {
		return errors.New("no data to write")
	}
	fileToSave := strings.TrimSuffix(filePath, filepath.Ext(filePath)) + ".xlsx"
	f := excelize.NewFile()
	defer f.Close()

	defaultSheet := f.GetSheetName(0)
	if defaultSheet != sheetName {
		f.NewSheet(sheetName)
		f.DeleteSheet(defaultSheet)
	}

	_ = f.SetCellStr(sheetName, "A1", firstColumnHeader)
	_ = f.SetCellStr(sheetName, "B1", onesColumnName)
	_ = f.SetCellStr(sheetName, "C1", "cumulative_mean")
	_ = f.SetCellStr(sheetName, "D1", "z_test")

	for i, r := range rows {
		rowIdx := i + 2
		_ = f.SetCellStr(sheetName, fmt.Sprintf("A%d", rowIdx), r.Category)
		_ = f.SetCellInt(sheetName, fmt.Sprintf("B%d", rowIdx), r.Ones)
		_ = f.SetCellFloat(sheetName, fmt.Sprintf("C%d", rowIdx), r.CumulativeMean, 6, 64)
		_ = f.SetCellFloat(sheetName, fmt.Sprintf("D%d", rowIdx), r.ZScore, 6, 64)
	}

	endRow := len(rows) + 1
	catRange := fmt.Sprintf("%s!$A$2:$A$%d", sheetName, endRow)
	valRange := fmt.Sprintf("%s!$D$2:$D$%d", sheetName, endRow)
	chart := &excelize.Chart{
		Type: excelize.Line,
		Series: []excelize.ChartSeries{
			{
				Name:       fmt.Sprintf("%s!$D$1", sheetName),
				Categories: catRange,
				Values:     valRange,
			},
		},
		Title:  []excelize.RichTextRun{{Text: filepath.Base(filePath)}},
		Legend: excelize.ChartLegend{Position: "none"},
		XAxis:  excelize.ChartAxis{Title: []excelize.RichTextRun{{Text: fmt.Sprintf("Number of Samples - one sample every %d second(s)", intervalSec)}}},
		YAxis:  excelize.ChartAxis{Title: []excelize.RichTextRun{{Text: fmt.Sprintf("Z-score - Sample Size = %d bits", blockBits)}}, MajorGridLines: true},
	}
	if err := f.AddChart(sheetName, "F2", chart); err != nil {
		return err
	}

	return f.SaveAs(fileToSave)
}

// run parses the capture name for its parameters, reads the data, computes
// the z-test, and exports.
func run(filePath string) error {
	_, _, sampleBytes, intervalSec, err := naming.ParseBaseName(filepath.Base(filePath))
	if err != nil {
		return err
	}
	blockBits := sampleBytes * 8

	var rows []DataRow
	firstHeader := blockColumnName
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".bin":
		rows, err = readBinFile(filePath, sampleBytes)
	case ".csv":
		rows, err = readCSVFile(filePath)
		firstHeader = timeColumnName
	default:
		return fmt.Errorf("unsupported file type: %s", filepath.Ext(filePath))
	}
	if err != nil {
		return err
	}

	rows = calculateZTest(rows, blockBits)
	return writeToExcel(rows, filePath, blockBits, intervalSec, firstHeader)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: qctoexcel <path-to-.bin-or-.csv>")
		os.Exit(2)
	}
	if err := run(os.Args[1]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
