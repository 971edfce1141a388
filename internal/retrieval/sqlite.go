package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/fuad49/omnivision/internal/storage"
)

// Compile-time check that SQLiteIndex implements ProductIndex.
var _ ProductIndex = (*SQLiteIndex)(nil)

// SQLiteIndex provides brute-force cosine similarity search over the products
// table. This is the default ProductIndex implementation; per-shop catalogs
// are small enough that a linear scan stays well under query-latency budgets.
// Shops with very large catalogs should move to the Qdrant backend.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex wraps an existing *sql.DB for similarity search.
// The products table must already exist (created via migrations).
func NewSQLiteIndex(db *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

// idScore holds only the ID and score during the scan phase of Search.
// Full product rows are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Search scans the shop's ready products, scoring each against both query
// vectors (averaged). Candidates below threshold are excluded. A zero-norm
// query vector returns no candidates, which is how degraded extraction
// resolves to "no match".
func (s *SQLiteIndex) Search(ctx context.Context, primary, aux []float32, threshold float32, shopID int64, limit int) ([]Candidate, error) {
	primaryNorm := norm(primary)
	auxNorm := norm(aux)
	if primaryNorm == 0 || auxNorm == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1
	}

	// Phase 1: scan only id + embeddings to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding, aux_embedding FROM products
		WHERE shop_id = ? AND status = ?`, shopID, storage.ProductReady)
	if err != nil {
		return nil, fmt.Errorf("querying product vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffers for decoding embeddings to avoid per-row allocations.
	var primaryBuf, auxBuf []float32

	for rows.Next() {
		var id string
		var primaryBlob, auxBlob []byte
		if err := rows.Scan(&id, &primaryBlob, &auxBlob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		primaryBuf, err = storage.DecodeVectorInto(primaryBuf, primaryBlob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		auxBuf, err = storage.DecodeVectorInto(auxBuf, auxBlob)
		if err != nil {
			return nil, fmt.Errorf("decoding aux embedding for %s: %w", id, err)
		}

		score := (cosine(primary, primaryBuf, primaryNorm) + cosine(aux, auxBuf, auxNorm)) / 2
		if score < threshold {
			continue
		}
		if h.Len() < limit {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full products only for the top-K IDs.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	queryArgs := make([]interface{}, len(topIDs))
	for i, id := range topIDs {
		queryArgs[i] = id
	}
	fullQuery := `SELECT id, shop_id, name, price, image_url, image_path, embedding, aux_embedding, status, created_at
		FROM products WHERE id IN (?` + strings.Repeat(",?", len(topIDs)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K products: %w", err)
	}
	defer fullRows.Close()

	var results []Candidate
	for fullRows.Next() {
		p, err := scanCandidateProduct(fullRows)
		if err != nil {
			return nil, err
		}
		results = append(results, Candidate{Product: p, Score: scores[p.ID]})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full products: %w", err)
	}

	// Sort results by score descending (IN query doesn't preserve order).
	sortByScore(results)

	return results, nil
}

func scanCandidateProduct(rows *sql.Rows) (storage.Product, error) {
	var p storage.Product
	var embedding, auxEmbedding []byte
	var createdAt string
	if err := rows.Scan(&p.ID, &p.ShopID, &p.Name, &p.Price, &p.ImageURL, &p.ImagePath,
		&embedding, &auxEmbedding, &p.Status, &createdAt); err != nil {
		return storage.Product{}, fmt.Errorf("scanning product: %w", err)
	}
	var err error
	if p.Embedding, err = storage.DecodeVector(embedding); err != nil {
		return storage.Product{}, fmt.Errorf("decoding embedding for %s: %w", p.ID, err)
	}
	if p.AuxEmbedding, err = storage.DecodeVector(auxEmbedding); err != nil {
		return storage.Product{}, fmt.Errorf("decoding aux embedding for %s: %w", p.ID, err)
	}
	return p, nil
}

// sortByScore sorts Candidates by Score descending. Used for small slices (topK).
func sortByScore(results []Candidate) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
// Used during the scan phase of Search to track top-K candidates by ID only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
