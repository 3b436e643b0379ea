package market

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/relvacode/iso8601"
)

// DayCSVPath returns the canonical path of one instrument-day bar file:
// data/raw/{canonical}/1m/{yyyy}/{MM}/{CANONICAL}_1m_{yyyy-MM-dd}.csv
func DayCSVPath(dataDir, canonical, tradingDate string) (string, error) {
	d, err := time.Parse("2006-01-02", tradingDate)
	if err != nil {
		return "", fmt.Errorf("parse trading date %q: %w", tradingDate, err)
	}
	return filepath.Join(dataDir, "raw", canonical, "1m",
		d.Format("2006"), d.Format("01"),
		fmt.Sprintf("%s_1m_%s.csv", strings.ToUpper(canonical), d.Format("2006-01-02"))), nil
}

// LoadDayCSV reads one day file into FILE-sourced bars. A missing file is not
// an error: the caller treats it as zero bars and leans on the historical
// fetch instead.
func LoadDayCSV(dataDir, canonical, tradingDate string) ([]Bar, error) {
	path, err := DayCSVPath(dataDir, canonical, tradingDate)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open bar file %s: %w", path, err)
	}
	defer f.Close()
	bars, err := ReadBarsCSV(f, canonical)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return bars, nil
}

// ReadBarsCSV parses the bar CSV format:
// header timestamp_utc,open,high,low,close,volume; ISO-8601 UTC timestamps.
func ReadBarsCSV(r io.Reader, canonical string) ([]Bar, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 6

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if header[0] != "timestamp_utc" {
		return nil, fmt.Errorf("unexpected header %v", header)
	}

	var bars []Bar
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ts, err := iso8601.ParseString(rec[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: timestamp %q: %w", line, rec[0], err)
		}
		var fields [4]float64
		for i := 0; i < 4; i++ {
			fields[i], err = strconv.ParseFloat(rec[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: field %s: %w", line, header[i+1], err)
			}
		}
		vol, err := strconv.ParseInt(rec[5], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: volume: %w", line, err)
		}
		bars = append(bars, Bar{
			Instrument: canonical,
			OpenTime:   ts.UTC(),
			Open:       fields[0],
			High:       fields[1],
			Low:        fields[2],
			Close:      fields[3],
			Volume:     vol,
			Source:     SourceFile,
		})
	}
	return bars, nil
}
