package descriptor

import (
	"context"
	"fmt"
	"log/slog"
)

// describeInstruction is the fixed prompt sent with every inbound image.
const describeInstruction = "Describe the main product in this image in detail. " +
	"Focus on category, color, material, pattern, and style. Be concise but specific."

// Descriptor is the semantic summary of one image: a text description and its
// embedding. The vector is duplicated into both slots to satisfy the
// dual-vector retrieval contract.
type Descriptor struct {
	Description  string
	Embedding    []float32
	AuxEmbedding []float32
}

// VisionModel is the subset of the Gemini client the extractor needs.
type VisionModel interface {
	Describe(ctx context.Context, image []byte, instruction string) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Extractor turns raw image bytes into a Descriptor.
type Extractor struct {
	vision VisionModel
	dims   int
	logger *slog.Logger
}

// NewExtractor creates an Extractor producing vectors of exactly dims elements.
func NewExtractor(vision VisionModel, dims int) *Extractor {
	return &Extractor{vision: vision, dims: dims, logger: slog.Default()}
}

// Extract describes the image and embeds the description. Any remote failure
// degrades to a Descriptor with all-zero vectors and no description, so
// retrieval still runs and simply finds nothing; extraction must never abort
// the pipeline. The returned vectors are always exactly dims long.
func (e *Extractor) Extract(ctx context.Context, image []byte) Descriptor {
	desc, err := e.ExtractStrict(ctx, image)
	if err != nil {
		e.logger.Warn("extraction failed, degrading to zero vector", "error", err)
		return e.zero()
	}
	return desc
}

// ExtractStrict is the non-degrading variant used at ingest time, where a
// failed extraction should surface as a retryable job error instead of a
// silent zero vector polluting the catalog.
func (e *Extractor) ExtractStrict(ctx context.Context, image []byte) (Descriptor, error) {
	description, err := e.vision.Describe(ctx, image, describeInstruction)
	if err != nil {
		return Descriptor{}, fmt.Errorf("describing image: %w", err)
	}

	vec, err := e.vision.Embed(ctx, description)
	if err != nil {
		return Descriptor{}, fmt.Errorf("embedding description: %w", err)
	}
	if len(vec) != e.dims {
		return Descriptor{}, fmt.Errorf("embedding has %d dimensions, want %d", len(vec), e.dims)
	}

	aux := make([]float32, len(vec))
	copy(aux, vec)
	return Descriptor{
		Description:  description,
		Embedding:    vec,
		AuxEmbedding: aux,
	}, nil
}

func (e *Extractor) zero() Descriptor {
	return Descriptor{
		Embedding:    make([]float32, e.dims),
		AuxEmbedding: make([]float32, e.dims),
	}
}
