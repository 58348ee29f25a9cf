// Seed importer for the trade arena. Loads a historical tick corpus into
// the ticks table from a CSV file or a remote tick API, in insert batches.
// Refuses to touch the corpus while a contest is live.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"

	"tradearena/internal/config"
	"tradearena/internal/storage"
	"tradearena/pkg/types"
)

// remotePageSize is the limit used for remote page fetches; the import batch
// size only controls insert transactions.
const remotePageSize = 1000

func main() {
	csvPath := flag.String("csv", "", "import from a CSV file: symbol,timestamp_ms,open,high,low,close,ltp,volume")
	baseURL := flag.String("url", "", "import from a remote tick API: GET {url}/ticks?limit=&offset=")
	batch := flag.Int("batch", 5000, "rows per insert batch")
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if (*csvPath == "") == (*baseURL == "") {
		logger.Error("exactly one of -csv or -url is required")
		flag.Usage()
		os.Exit(2)
	}
	if *batch <= 0 {
		logger.Error("-batch must be > 0")
		os.Exit(2)
	}

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARENA_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if cfg.Storage.Path == "" {
		logger.Error("storage.path is required")
		os.Exit(1)
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		logger.Error("failed to open storage", "error", err, "path", cfg.Storage.Path)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	// Never mutate the corpus under a live replay.
	if st, err := store.LoadContestState(ctx); err != nil {
		logger.Error("failed to read contest state", "error", err)
		os.Exit(1)
	} else if st != nil && (st.Status == types.ContestRunning || st.Status == types.ContestPaused) {
		logger.Error("a contest is live, refusing to import", "contest_id", st.ID, "status", st.Status)
		os.Exit(1)
	}

	imp := &importer{store: store, batchSize: *batch, logger: logger, perSymbol: make(map[string]*symbolStats)}

	started := time.Now()
	switch {
	case *csvPath != "":
		err = imp.fromCSV(ctx, *csvPath)
	default:
		err = imp.fromURL(ctx, *baseURL)
	}
	if err != nil {
		logger.Error("import failed", "error", err)
		os.Exit(1)
	}

	imp.printSummary(time.Since(started))

	startMs, endMs, rows, err := store.TickBounds(ctx)
	if err != nil {
		logger.Error("failed to read corpus bounds", "error", err)
		os.Exit(1)
	}
	fmt.Printf("corpus bounds: %s .. %s (%d rows, %s)\n",
		fmtMs(startMs), fmtMs(endMs), rows,
		time.Duration(endMs-startMs)*time.Millisecond)
}

// symbolStats accumulates the per-symbol import summary.
type symbolStats struct {
	rows        int64
	firstMs     int64
	lastMs      int64
	totalVolume float64
}

type importer struct {
	store     storage.Store
	batchSize int
	logger    *slog.Logger

	pending   []types.Tick
	imported  int64
	skipped   int64
	perSymbol map[string]*symbolStats
}

func (imp *importer) add(ctx context.Context, t types.Tick) error {
	imp.pending = append(imp.pending, t)
	st, ok := imp.perSymbol[t.Symbol]
	if !ok {
		st = &symbolStats{firstMs: t.TimestampMs, lastMs: t.TimestampMs}
		imp.perSymbol[t.Symbol] = st
	}
	st.rows++
	st.totalVolume += t.Volume
	if t.TimestampMs < st.firstMs {
		st.firstMs = t.TimestampMs
	}
	if t.TimestampMs > st.lastMs {
		st.lastMs = t.TimestampMs
	}
	if len(imp.pending) >= imp.batchSize {
		return imp.flush(ctx)
	}
	return nil
}

func (imp *importer) flush(ctx context.Context) error {
	if len(imp.pending) == 0 {
		return nil
	}
	if err := imp.store.InsertTicks(ctx, imp.pending); err != nil {
		return fmt.Errorf("insert batch of %d: %w", len(imp.pending), err)
	}
	imp.imported += int64(len(imp.pending))
	imp.logger.Info("batch inserted", "rows", len(imp.pending), "total", imp.imported)
	imp.pending = imp.pending[:0]
	return nil
}

// fromCSV imports symbol,timestamp_ms,open,high,low,close,ltp,volume rows.
// A leading header row is detected and skipped; malformed rows are skipped
// with a warning rather than aborting a long import.
func (imp *importer) fromCSV(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	for line := 1; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read csv line %d: %w", line, err)
		}
		tick, err := parseRow(rec)
		if err != nil {
			if line == 1 {
				continue // header
			}
			imp.skipped++
			imp.logger.Warn("skipping malformed row", "line", line, "error", err)
			continue
		}
		if err := imp.add(ctx, tick); err != nil {
			return err
		}
	}
	return imp.flush(ctx)
}

func parseRow(rec []string) (types.Tick, error) {
	if len(rec) != 8 {
		return types.Tick{}, fmt.Errorf("want 8 fields, got %d", len(rec))
	}
	symbol := strings.ToUpper(strings.TrimSpace(rec[0]))
	if symbol == "" {
		return types.Tick{}, fmt.Errorf("empty symbol")
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(rec[1]), 10, 64)
	if err != nil {
		return types.Tick{}, fmt.Errorf("timestamp_ms: %w", err)
	}
	var vals [6]float64
	for i, name := range [...]string{"open", "high", "low", "close", "ltp", "volume"} {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[i+2]), 64)
		if err != nil {
			return types.Tick{}, fmt.Errorf("%s: %w", name, err)
		}
		vals[i] = v
	}
	return types.Tick{
		Symbol:      symbol,
		TimestampMs: ts,
		Open:        vals[0],
		High:        vals[1],
		Low:         vals[2],
		Close:       vals[3],
		LTP:         vals[4],
		Volume:      vals[5],
	}, nil
}

// fromURL pages GET {base}/ticks?limit=&offset= until a short page.
func (imp *importer) fromURL(ctx context.Context, base string) error {
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	offset := 0
	for {
		var page []types.Tick
		resp, err := client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(remotePageSize),
				"offset": strconv.Itoa(offset),
			}).
			SetResult(&page).
			Get("/ticks")
		if err != nil {
			return fmt.Errorf("fetch ticks page at offset %d: %w", offset, err)
		}
		if resp.StatusCode() != 200 {
			return fmt.Errorf("fetch ticks: status %d", resp.StatusCode())
		}

		for _, t := range page {
			t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
			if t.Symbol == "" || t.TimestampMs <= 0 {
				imp.skipped++
				continue
			}
			if err := imp.add(ctx, t); err != nil {
				return err
			}
		}

		if len(page) < remotePageSize {
			break
		}
		offset += remotePageSize
	}
	return imp.flush(ctx)
}

func (imp *importer) printSummary(elapsed time.Duration) {
	symbols := make([]string, 0, len(imp.perSymbol))
	for s := range imp.perSymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Symbol", "Ticks", "First", "Last", "Volume")
	for _, s := range symbols {
		st := imp.perSymbol[s]
		table.Append(
			s,
			strconv.FormatInt(st.rows, 10),
			fmtMs(st.firstMs),
			fmtMs(st.lastMs),
			strconv.FormatFloat(st.totalVolume, 'f', 0, 64),
		)
	}
	table.Render()

	fmt.Printf("imported %d ticks across %d symbols in %s (%d rows skipped)\n",
		imp.imported, len(imp.perSymbol), elapsed.Round(time.Millisecond), imp.skipped)
}

func fmtMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
}
