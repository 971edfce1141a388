// Package ingest computes product embeddings in the background and imports
// catalogs from price-list PDFs. Embedding happens off the upload path so a
// slow or rate-limited vision model never blocks the API.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fuad49/omnivision/internal/descriptor"
	"github.com/fuad49/omnivision/internal/storage"
)

// JobStore abstracts the job queue and product operations the worker needs.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetProduct(id string) (storage.Product, error)
	UpdateProductEmbeddings(id string, embedding, auxEmbedding []float32) error
}

// DescriptorSource produces embeddings for a product photo.
type DescriptorSource interface {
	ExtractStrict(ctx context.Context, image []byte) (descriptor.Descriptor, error)
}

// IndexWriter mirrors ready products into an external vector index.
// Nil when the SQLite index serves search directly from the products table.
type IndexWriter interface {
	UpsertProduct(ctx context.Context, p storage.Product) error
}

// Worker processes product_embed jobs from the SQLite job queue.
type Worker struct {
	store     JobStore
	extractor DescriptorSource
	index     IndexWriter
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker. index may be nil. If pollInterval is <= 0, it
// defaults to 500ms.
func NewWorker(store JobStore, extractor DescriptorSource, index IndexWriter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		extractor: extractor,
		index:     index,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single product_embed job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{storage.JobProductEmbed})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// EmbedPayload is the JSON payload of a product_embed job.
type EmbedPayload struct {
	ProductID string `json:"product_id"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload EmbedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	product, err := w.store.GetProduct(payload.ProductID)
	if err != nil {
		return fmt.Errorf("loading product %s: %w", payload.ProductID, err)
	}

	image, err := os.ReadFile(product.ImagePath)
	if err != nil {
		return fmt.Errorf("reading product image %s: %w", product.ImagePath, err)
	}

	desc, err := w.extractor.ExtractStrict(ctx, image)
	if err != nil {
		return fmt.Errorf("extracting descriptor for %s: %w", product.ID, err)
	}

	if err := w.store.UpdateProductEmbeddings(product.ID, desc.Embedding, desc.AuxEmbedding); err != nil {
		return fmt.Errorf("storing embeddings for %s: %w", product.ID, err)
	}

	if w.index != nil {
		product.Embedding = desc.Embedding
		product.AuxEmbedding = desc.AuxEmbedding
		product.Status = storage.ProductReady
		if err := w.index.UpsertProduct(ctx, product); err != nil {
			return fmt.Errorf("indexing product %s: %w", product.ID, err)
		}
	}

	w.logger.Info("product embedded", "product_id", product.ID, "shop_id", product.ShopID)
	return nil
}
