package retrieval

import (
	"context"

	"github.com/fuad49/omnivision/internal/storage"
)

// Candidate is a retrieved product with its similarity score in [0,1].
type Candidate struct {
	Product storage.Product
	Score   float32
}

// ProductIndex is the interface for catalog similarity search backends.
// The default implementation scans SQLite with brute-force cosine similarity;
// a Qdrant-backed implementation serves larger catalogs with ANN indexes.
//
// The call shape carries two query vectors for compatibility with the
// dual-vector product schema; backends score against both and average. Results
// are ranked descending, restricted to shopID, and floor-filtered by
// threshold. An empty result is a normal outcome, not an error.
type ProductIndex interface {
	Search(ctx context.Context, primary, aux []float32, threshold float32, shopID int64, limit int) ([]Candidate, error)
}
