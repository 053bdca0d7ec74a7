package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/docstore"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/logging"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/metrics"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/tables"
)

const (
	// DocumentKey matches feature documents on upsert.
	DocumentKey = "walletAddress"
	// syncMarker is replaced with the feature store high-water mark.
	syncMarker = "last_inserted_timestamp"
)

// FeatureSync copies feature rows newer than the store's high-water mark
// into the document store.
type FeatureSync struct {
	eng        engine.Engine
	docs       docstore.Store
	database   string
	queriesDir string
	workers    int
	metrics    *metrics.Metrics
}

func NewFeatureSync(eng engine.Engine, docs docstore.Store, database, queriesDir string, workers int) *FeatureSync {
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &FeatureSync{
		eng:        eng,
		docs:       docs,
		database:   database,
		queriesDir: queriesDir,
		workers:    workers,
		metrics:    metrics.Get(),
	}
}

// Sync upserts the table's new rows and then advances the collection's mark.
// Nothing is written when the lakehouse is not ahead of the store.
func (s *FeatureSync) Sync(ctx context.Context, spec tables.Spec) error {
	collection := spec.Collection()
	field := spec.SyncField
	log := logging.RunLogger(ctx, string(spec.Layer), spec.Name).With("collection", collection)

	rows, err := s.eng.Query(ctx, s.database, fmt.Sprintf("SELECT MAX(%s) AS last_timestamp_inserted FROM %s.%s", field, s.database, spec.Name))
	if err != nil {
		return fmt.Errorf("read lakehouse mark of %s: %w", spec.Name, err)
	}
	lakeMark := int64(0)
	if len(rows) > 0 && rows[0]["last_timestamp_inserted"] != nil {
		if lakeMark, err = markValue(rows[0]["last_timestamp_inserted"]); err != nil {
			return fmt.Errorf("read lakehouse mark of %s: %w", spec.Name, err)
		}
	}

	storeMark, err := s.docs.HighWaterMark(ctx, collection, field)
	if err != nil {
		return err
	}
	if lakeMark <= storeMark {
		log.Info("feature store up to date", "lakehouse_mark", lakeMark, "store_mark", storeMark)
		return nil
	}

	src, err := os.ReadFile(syncQueryPath(s.queriesDir, spec.Name))
	if err != nil {
		return fmt.Errorf("read sync query of %s: %w", spec.Name, err)
	}
	query := strings.ReplaceAll(string(src), syncMarker, strconv.FormatInt(storeMark, 10))
	rows, err = s.eng.Query(ctx, s.database, query)
	if err != nil {
		return fmt.Errorf("query new features of %s: %w", spec.Name, err)
	}

	docs := make([]docstore.Document, 0, len(rows))
	newMark := storeMark
	for _, r := range rows {
		d := ToDocument(r)
		if v, ok := d[field]; ok && v != nil {
			m, err := markValue(v)
			if err != nil {
				return fmt.Errorf("read %s of %s row: %w", field, spec.Name, err)
			}
			newMark = max(newMark, m)
		}
		docs = append(docs, d)
	}

	upserted, err := s.upsert(ctx, collection, docs)
	if err != nil {
		return err
	}
	s.metrics.AddDocumentsUpserted(metrics.Labels{Collection: collection}, float64(upserted))

	if newMark > storeMark {
		if err := s.docs.SetHighWaterMark(ctx, collection, field, newMark); err != nil {
			return err
		}
	}
	log.Info("feature store synced", "rows", len(docs), "upserted", upserted, "previous_mark", storeMark, "mark", newMark)
	return nil
}

// upsert splits docs into one contiguous batch per worker.
func (s *FeatureSync) upsert(ctx context.Context, collection string, docs []docstore.Document) (int64, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	batches := splitDocuments(docs, s.workers)
	counts := make([]int64, len(batches))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, b := range batches {
		g.Go(func() error {
			n, err := s.docs.Upsert(ctx, collection, DocumentKey, b)
			counts[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	return total, nil
}

func splitDocuments(docs []docstore.Document, n int) [][]docstore.Document {
	n = min(n, len(docs))
	size, extra := len(docs)/n, len(docs)%n
	out := make([][]docstore.Document, 0, n)
	pos := 0
	for i := 0; i < n; i++ {
		k := size
		if i < extra {
			k++
		}
		out = append(out, docs[pos:pos+k])
		pos += k
	}
	return out
}

// ToDocument renames the lakehouse columns to their document names and
// expands the contracts aggregation.
func ToDocument(r engine.Row) docstore.Document {
	d := make(docstore.Document, len(r))
	for k, v := range r {
		switch k {
		case "wallet_address":
			d[DocumentKey] = v
		case "contracts_aggregations":
			d["contracts"] = contractsValue(v)
		default:
			d[k] = v
		}
	}
	return d
}

// contractsValue decodes a serialized aggregation. A list of
// [contract, [[key, value], ...]] pairs becomes a nested map.
func contractsValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	var decoded any
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		return s
	}
	pairs, ok := decoded.([]any)
	if !ok {
		return decoded
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		kv, ok := p.([]any)
		if !ok || len(kv) != 2 {
			return decoded
		}
		key, ok := kv[0].(string)
		if !ok {
			return decoded
		}
		out[key] = pairsToMap(kv[1])
	}
	return out
}

func pairsToMap(v any) any {
	list, ok := v.([]any)
	if !ok {
		return v
	}
	m := make(map[string]any, len(list))
	for _, p := range list {
		kv, ok := p.([]any)
		if !ok || len(kv) != 2 {
			return v
		}
		key, ok := kv[0].(string)
		if !ok {
			return v
		}
		m[key] = kv[1]
	}
	return m
}

func markValue(v any) (int64, error) {
	if t, ok := v.(time.Time); ok {
		return t.Unix(), nil
	}
	return engine.Int64(v)
}
