package score

import (
	"context"
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/luwei/quantflow/internal/contracts"
	"github.com/luwei/quantflow/pkg/logger"
)

// Artifact framing for the binary score format.
var scoreMagic = [4]byte{'Q', 'F', 'S', 'C'}

const scoreVersion uint16 = 1

// Loader materializes score tables from serialized prediction
// artifacts. CSV and the framed msgpack format are supported; parsing
// happens once per run so downstream lookups hit prebuilt indices.
type Loader struct {
	logger *logger.Logger
}

// NewLoader creates a score artifact loader.
func NewLoader(log *logger.Logger) *Loader {
	return &Loader{logger: log}
}

// Load reads an artifact and builds the indexed score table.
func (l *Loader) Load(ctx context.Context, path string) (*contracts.ScoreTable, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", contracts.ErrArtifactMissing, path)
		}
		return nil, fmt.Errorf("%w: open %s: %v", contracts.ErrArtifactMissing, path, err)
	}
	defer f.Close()

	var rows []contracts.Score
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		rows, err = l.loadCSV(f)
	default:
		rows, err = l.loadBinary(f)
	}
	if err != nil {
		return nil, err
	}

	table, err := contracts.NewScoreTable(rows)
	if err != nil {
		return nil, err
	}

	l.logger.WithFields(map[string]interface{}{
		"path":        path,
		"rows":        table.Len(),
		"dates":       len(table.Dates()),
		"instruments": len(table.Instruments()),
	}).Info("Score artifact loaded")

	return table, nil
}

// loadCSV parses the tabular artifact format: required columns date,
// instrument, score; optional confidence; label accepted and ignored.
func (l *Loader) loadCSV(r io.Reader) ([]contracts.Score, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: missing header row", contracts.ErrArtifactCorrupt)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}

	dateCol, hasDate := cols["date"]
	instCol, hasInst := cols["instrument"]
	scoreCol, hasScore := cols["score"]
	if !hasDate || !hasInst || !hasScore {
		return nil, fmt.Errorf("%w: required columns are (date, instrument, score), got %v",
			contracts.ErrArtifactCorrupt, header)
	}
	confCol, hasConf := cols["confidence"]

	var rows []contracts.Score
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", contracts.ErrArtifactCorrupt, err)
		}

		row, err := parseScoreRow(record, dateCol, instCol, scoreCol, confCol, hasConf)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	return rows, nil
}

func parseScoreRow(record []string, dateCol, instCol, scoreCol, confCol int, hasConf bool) (contracts.Score, error) {
	need := dateCol
	for _, c := range []int{instCol, scoreCol} {
		if c > need {
			need = c
		}
	}
	if len(record) <= need {
		return contracts.Score{}, fmt.Errorf("%w: short row %v", contracts.ErrArtifactCorrupt, record)
	}

	// Score dates carry no time-of-day; reject anything but a plain
	// ISO-8601 calendar date.
	date, err := time.Parse("2006-01-02", strings.TrimSpace(record[dateCol]))
	if err != nil {
		return contracts.Score{}, fmt.Errorf("%w: bad date %q", contracts.ErrArtifactCorrupt, record[dateCol])
	}

	inst, err := contracts.ParseInstrument(record[instCol])
	if err != nil {
		return contracts.Score{}, fmt.Errorf("%w: bad instrument %q", contracts.ErrArtifactCorrupt, record[instCol])
	}

	// NaN/Inf are preserved here; the signal adapter downgrades them to
	// HOLD per bar rather than failing the whole load.
	value, err := strconv.ParseFloat(strings.TrimSpace(record[scoreCol]), 64)
	if err != nil {
		return contracts.Score{}, fmt.Errorf("%w: bad score %q", contracts.ErrArtifactCorrupt, record[scoreCol])
	}

	var conf float64
	if hasConf && len(record) > confCol && strings.TrimSpace(record[confCol]) != "" {
		conf, err = strconv.ParseFloat(strings.TrimSpace(record[confCol]), 64)
		if err != nil || conf < 0 || conf > 1 {
			return contracts.Score{}, fmt.Errorf("%w: bad confidence %q", contracts.ErrArtifactCorrupt, record[confCol])
		}
	}

	return contracts.Score{
		Date:       contracts.NormalizeDate(date),
		Instrument: inst,
		Value:      value,
		Confidence: conf,
	}, nil
}

// binaryRow is the msgpack row layout of the framed binary format.
type binaryRow struct {
	Date       string  `msgpack:"date"`
	Instrument string  `msgpack:"instrument"`
	Score      float64 `msgpack:"score"`
	Confidence float64 `msgpack:"confidence"`
}

// loadBinary parses the framed msgpack artifact: 4-byte magic, 2-byte
// big-endian version, msgpack-encoded row slice.
func (l *Loader) loadBinary(r io.Reader) ([]contracts.Score, error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated header", contracts.ErrArtifactCorrupt)
	}
	if [4]byte(header[:4]) != scoreMagic {
		return nil, fmt.Errorf("%w: bad magic %q", contracts.ErrArtifactCorrupt, header[:4])
	}
	if v := binary.BigEndian.Uint16(header[4:]); v != scoreVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", contracts.ErrArtifactCorrupt, v)
	}

	var raw []binaryRow
	if err := msgpack.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrArtifactCorrupt, err)
	}

	rows := make([]contracts.Score, 0, len(raw))
	for _, br := range raw {
		date, err := time.Parse("2006-01-02", br.Date)
		if err != nil {
			return nil, fmt.Errorf("%w: bad date %q", contracts.ErrArtifactCorrupt, br.Date)
		}
		inst, err := contracts.ParseInstrument(br.Instrument)
		if err != nil {
			return nil, fmt.Errorf("%w: bad instrument %q", contracts.ErrArtifactCorrupt, br.Instrument)
		}
		rows = append(rows, contracts.Score{
			Date:       contracts.NormalizeDate(date),
			Instrument: inst,
			Value:      br.Score,
			Confidence: br.Confidence,
		})
	}

	return rows, nil
}

// WriteBinary writes the framed msgpack artifact. Used by tooling and
// tests; the trainer side produces the same layout.
func WriteBinary(path string, rows []contracts.Score) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var header [6]byte
	copy(header[:4], scoreMagic[:])
	binary.BigEndian.PutUint16(header[4:], scoreVersion)
	if _, err := f.Write(header[:]); err != nil {
		return err
	}

	raw := make([]binaryRow, 0, len(rows))
	for _, s := range rows {
		raw = append(raw, binaryRow{
			Date:       s.Date.Format("2006-01-02"),
			Instrument: s.Instrument.String(),
			Score:      s.Value,
			Confidence: s.Confidence,
		})
	}

	return msgpack.NewEncoder(f).Encode(raw)
}
