package wire

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"depthcast/pkg/types"
)

const (
	benchWarmup     = 100
	benchIterations = 1000

	timeWeight = 0.6
	sizeWeight = 0.4
)

// BenchResult is one pair's measured cost for the benchmark payload.
type BenchResult struct {
	Format      Format      `json:"format"`
	Compression Compression `json:"compression"`
	EncodeMs    float64     `json:"encode_ms"`
	DecodeMs    float64     `json:"decode_ms"`
	SizeBytes   int         `json:"size_bytes"`
	Score       float64     `json:"score"`
}

// Selection is the persisted benchmark outcome.
type Selection struct {
	Format      Format      `json:"format"`
	Compression Compression `json:"compression"`
	Score       float64     `json:"score"`
	SavedAt     time.Time   `json:"saved_at"`
}

// Benchmark measures every format+compression pair against payload and
// returns results ranked best first. The score favors time over size,
// 0.6 to 0.4, with time in milliseconds for the full run and size in KB.
func Benchmark(payload any) ([]BenchResult, error) {
	results := make([]BenchResult, 0, len(Formats)*len(Compressions))
	for _, format := range Formats {
		for _, compression := range Compressions {
			codec, err := NewCodec(format, compression)
			if err != nil {
				return nil, err
			}
			result, err := benchPair(codec, payload)
			if err != nil {
				return nil, fmt.Errorf("bench %s/%s: %w", format, compression, err)
			}
			results = append(results, result)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score < results[j].Score })
	return results, nil
}

func benchPair(codec *PairCodec, payload any) (BenchResult, error) {
	encoded, err := codec.Encode(payload)
	if err != nil {
		return BenchResult{}, err
	}
	for i := 0; i < benchWarmup; i++ {
		if _, err := codec.Encode(payload); err != nil {
			return BenchResult{}, err
		}
		var sink any
		if err := codec.Decode(encoded, &sink); err != nil {
			return BenchResult{}, err
		}
	}

	encodeStart := time.Now()
	for i := 0; i < benchIterations; i++ {
		if _, err := codec.Encode(payload); err != nil {
			return BenchResult{}, err
		}
	}
	encodeMs := time.Since(encodeStart).Seconds() * 1000

	decodeStart := time.Now()
	for i := 0; i < benchIterations; i++ {
		var sink any
		if err := codec.Decode(encoded, &sink); err != nil {
			return BenchResult{}, err
		}
	}
	decodeMs := time.Since(decodeStart).Seconds() * 1000

	sizeKB := float64(len(encoded)) / 1024
	return BenchResult{
		Format:      codec.Format(),
		Compression: codec.Compression(),
		EncodeMs:    encodeMs,
		DecodeMs:    decodeMs,
		SizeBytes:   len(encoded),
		Score:       timeWeight*(encodeMs+decodeMs) + sizeWeight*sizeKB,
	}, nil
}

// SelectBest benchmarks payload, persists the winner to path when path is
// non-empty, and returns it with the full ranking.
func SelectBest(payload any, path string) (Selection, []BenchResult, error) {
	results, err := Benchmark(payload)
	if err != nil {
		return Selection{}, nil, err
	}
	best := Selection{
		Format:      results[0].Format,
		Compression: results[0].Compression,
		Score:       results[0].Score,
		SavedAt:     time.Now().UTC(),
	}
	if path != "" {
		if err := SaveSelection(path, best); err != nil {
			return Selection{}, nil, err
		}
	}
	return best, results, nil
}

// SaveSelection atomically persists the selection as JSON, writing a .tmp
// file and renaming over the target.
func SaveSelection(path string, sel Selection) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create selection dir: %w", err)
	}
	data, err := json.Marshal(sel)
	if err != nil {
		return fmt.Errorf("marshal selection: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write selection: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadSelection restores a persisted selection. Returns nil, nil when the
// file does not exist.
func LoadSelection(path string) (*Selection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read selection: %w", err)
	}
	var sel Selection
	if err := json.Unmarshal(data, &sel); err != nil {
		return nil, fmt.Errorf("unmarshal selection: %w", err)
	}
	return &sel, nil
}

// BenchPayload builds a representative aggregated book for benchmarking:
// twenty formatted levels a side, the shape most sends carry.
func BenchPayload() *types.AggregatedBook {
	book := &types.AggregatedBook{
		Symbol:        "BTCUSDT",
		Timestamp:     time.Now().UnixMilli(),
		TimeFormatted: "12:34:56",
		Rounding:      0.5,
		Depth:         20,
		Source:        types.SourceDepthCache,
		Aggregated:    true,
		MarketDepthInfo: types.MarketDepthInfo{
			Requested:  20,
			Actual:     20,
			RawBids:    412,
			RawAsks:    398,
			Sufficient: true,
		},
	}
	cumBid, cumAsk := 0.0, 0.0
	for i := 0; i < 20; i++ {
		bidAmount := 0.25 + float64(i)*0.1
		askAmount := 0.31 + float64(i)*0.09
		cumBid += bidAmount
		cumAsk += askAmount
		book.Bids = append(book.Bids, types.AggregatedLevel{
			Price:               50000 - float64(i)*0.5,
			Amount:              bidAmount,
			Cumulative:          cumBid,
			PriceFormatted:      fmt.Sprintf("%.2f", 50000-float64(i)*0.5),
			AmountFormatted:     fmt.Sprintf("%.3f", bidAmount),
			CumulativeFormatted: fmt.Sprintf("%.3f", cumBid),
		})
		book.Asks = append(book.Asks, types.AggregatedLevel{
			Price:               50010 + float64(i)*0.5,
			Amount:              askAmount,
			Cumulative:          cumAsk,
			PriceFormatted:      fmt.Sprintf("%.2f", 50010+float64(i)*0.5),
			AmountFormatted:     fmt.Sprintf("%.3f", askAmount),
			CumulativeFormatted: fmt.Sprintf("%.3f", cumAsk),
		})
	}
	return book
}
