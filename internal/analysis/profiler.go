package analysis

import (
	"encoding/binary"
	"encoding/csv"
	"io"
	"math"
	"math/bits"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"tabfuse/internal/model"
)

// Date layouts tried after ISO-8601; kept small on purpose.
var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"02-01-2006",
	"01/02/2006",
	"2006/01/02",
}

// HyperLogLogLite is an approximate distinct counter tuned for tiny
// payloads: 2^p registers each holding the leading-one position of the
// hash residue, with a linear-counting correction at low load.
type HyperLogLogLite struct {
	precision int
	registers []uint8
}

// NewHyperLogLogLite clamps precision to [4,16]. The default precision used
// by the profiler is 10.
func NewHyperLogLogLite(precision int) *HyperLogLogLite {
	if precision < 4 {
		precision = 4
	}
	if precision > 16 {
		precision = 16
	}
	return &HyperLogLogLite{precision: precision, registers: make([]uint8, 1<<precision)}
}

// Add folds one value into the registers. Empty strings are ignored.
func (h *HyperLogLogLite) Add(value string) {
	if value == "" {
		return
	}
	digest := blake2b.Sum256([]byte(value))
	hashed := binary.BigEndian.Uint64(digest[:8])
	index := hashed & uint64(len(h.registers)-1)
	w := hashed >> h.precision
	leading := rho(w, 64-h.precision)
	if leading > h.registers[index] {
		h.registers[index] = leading
	}
}

// Estimate returns the cardinality estimate. It never decreases as more
// distinct values are added.
func (h *HyperLogLogLite) Estimate() int {
	m := float64(len(h.registers))
	alpha := 0.7213 / (1 + 1.079/m)
	indicator := 0.0
	zeros := 0
	for _, register := range h.registers {
		indicator += math.Pow(2, -float64(register))
		if register == 0 {
			zeros++
		}
	}
	if indicator == 0 {
		return 0
	}
	raw := alpha * m * m / indicator
	if zeros > 0 && raw < 2.5*m {
		return int(m * math.Log(m/float64(zeros)))
	}
	return int(raw)
}

func rho(value uint64, width int) uint8 {
	if value == 0 {
		return uint8(width + 1)
	}
	leading := bits.LeadingZeros64(value) - (64 - width)
	return uint8(leading + 1)
}

type columnMetrics struct {
	index      int
	header     string
	typeDist   map[string]int
	total      int
	nullCount  int
	numericMin *float64
	numericMax *float64
	dateMin    string
	dateMax    string
	distinct   *HyperLogLogLite
}

func newColumnMetrics(index int, header string) *columnMetrics {
	return &columnMetrics{
		index:  index,
		header: header,
		typeDist: map[string]int{
			"integer": 0, "float": 0, "text": 0, "date": 0, "null": 0,
		},
		distinct: NewHyperLogLogLite(10),
	}
}

func (m *columnMetrics) observe(rawValue string) {
	value := strings.TrimSpace(rawValue)
	bucket := profileBucket(ClassifyValue(value))
	m.typeDist[bucket]++
	m.total++
	if bucket == "null" {
		m.nullCount++
		return
	}
	m.distinct.Add(value)
	switch bucket {
	case model.BucketInteger, model.BucketFloat:
		if parsed, ok := toFloat(value); ok {
			if m.numericMin == nil || parsed < *m.numericMin {
				v := parsed
				m.numericMin = &v
			}
			if m.numericMax == nil || parsed > *m.numericMax {
				v := parsed
				m.numericMax = &v
			}
		}
	case model.BucketDate:
		if iso := toISODate(value); iso != "" {
			if m.dateMin == "" || iso < m.dateMin {
				m.dateMin = iso
			}
			if m.dateMax == "" || iso > m.dateMax {
				m.dateMax = iso
			}
		}
	}
}

func (m *columnMetrics) result(fileID string) model.ColumnProfileResult {
	dist := make(map[string]int, len(m.typeDist))
	for k, v := range m.typeDist {
		dist[k] = v
	}
	return model.ColumnProfileResult{
		FileID:           fileID,
		ColumnIndex:      m.index,
		Header:           m.header,
		TypeDistribution: dist,
		UniqueEstimate:   m.distinct.Estimate(),
		NullCount:        m.nullCount,
		TotalValues:      m.total,
		NumericMin:       m.numericMin,
		NumericMax:       m.numericMax,
		DateMin:          m.dateMin,
		DateMax:          m.dateMax,
	}
}

// ProfileFileColumns streams the whole file (distinct from block sampling)
// and produces one profile per column. The header is the first non-empty
// row, blanks filled as column_k. I/O failures return an empty slice, in
// line with the profiler being an enrichment step.
func ProfileFileColumns(path, delimiter string, dec *Decoder) []model.ColumnProfileResult {
	if delimiter == "" {
		delimiter = ","
	}
	handle, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer handle.Close()

	profiler := fileProfiler{delimiter: delimiter}
	reader := csv.NewReader(dec.Reader(handle))
	reader.Comma = rune(delimiter[0])
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	for {
		row, readErr := reader.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			// Skip unparseable records; width repair happens later.
			continue
		}
		if len(row) == 0 {
			continue
		}
		if profiler.consumeHeader(row) {
			continue
		}
		profiler.observeRow(row)
	}
	return profiler.finalize(path)
}

type fileProfiler struct {
	delimiter string
	headers   []string
	metrics   map[int]*columnMetrics
}

func (p *fileProfiler) consumeHeader(row []string) bool {
	if len(p.headers) > 0 {
		return false
	}
	for idx, cell := range row {
		name := strings.TrimSpace(cell)
		if name == "" {
			name = "column_" + strconv.Itoa(idx+1)
		}
		p.headers = append(p.headers, name)
	}
	p.metrics = make(map[int]*columnMetrics)
	return true
}

func (p *fileProfiler) observeRow(row []string) {
	if len(p.headers) == 0 {
		p.consumeHeader(row)
		return
	}
	width := max(len(row), len(p.headers))
	for len(p.headers) < width {
		p.headers = append(p.headers, "column_"+strconv.Itoa(len(p.headers)+1))
	}
	for idx := 0; idx < width; idx++ {
		value := ""
		if idx < len(row) {
			value = row[idx]
		}
		metric, ok := p.metrics[idx]
		if !ok {
			metric = newColumnMetrics(idx, p.headers[idx])
			p.metrics[idx] = metric
		}
		metric.observe(value)
	}
}

func (p *fileProfiler) finalize(fileID string) []model.ColumnProfileResult {
	results := make([]model.ColumnProfileResult, 0, len(p.headers))
	for idx := range p.headers {
		metric, ok := p.metrics[idx]
		if !ok {
			metric = newColumnMetrics(idx, p.headers[idx])
		}
		results = append(results, metric.result(fileID))
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ColumnIndex < results[j].ColumnIndex })
	return results
}

func profileBucket(bucket string) string {
	if bucket == model.BucketEmpty {
		return "null"
	}
	switch bucket {
	case model.BucketInteger, model.BucketFloat, model.BucketText, model.BucketDate:
		return bucket
	}
	return model.BucketText
}

func toFloat(value string) (float64, bool) {
	if value == "" {
		return 0, false
	}
	normalized := strings.ReplaceAll(value, " ", "")
	normalized = strings.ReplaceAll(normalized, ",", ".")
	parsed, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func parsesAsFloat(value string) bool {
	_, ok := toFloat(value)
	return ok
}

func toISODate(value string) string {
	if value == "" {
		return ""
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed.Format("2006-01-02")
	}
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.Format("2006-01-02")
		}
	}
	return ""
}
