// Package pipeline runs the end-to-end flow for one incoming customer photo:
// credit check, description and embedding, catalog retrieval, visual
// verification, and the tiered reply.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/fuad49/omnivision/internal/descriptor"
	"github.com/fuad49/omnivision/internal/match"
	"github.com/fuad49/omnivision/internal/retrieval"
	"github.com/fuad49/omnivision/internal/storage"
)

const (
	defaultNotFound  = "Sorry, we could not find a match for that item."
	downloadFailed   = "Failed to download image."
	processingFailed = "An error occurred while processing your image."
)

// ImageEvent is one customer photo arriving at a shop's page.
type ImageEvent struct {
	SenderID string
	PageID   int64
	ImageURL string
}

// ShopSource resolves the shop behind a page ID.
type ShopSource interface {
	GetShopByPageID(pageID int64) (storage.Shop, error)
}

// CreditLedger spends one credit per processed photo.
type CreditLedger interface {
	ConsumeCredit(facebookUserID string) (int, error)
}

// Extractor turns an image into its searchable descriptor.
type Extractor interface {
	Extract(ctx context.Context, image []byte) descriptor.Descriptor
}

// Verifier scores how likely two photos show the same product.
type Verifier interface {
	Score(ctx context.Context, queryImage, candidateImage []byte) int
}

// Messenger delivers replies to the customer.
type Messenger interface {
	SendText(ctx context.Context, pageToken, recipientID, text string) error
	SendImage(ctx context.Context, pageToken, recipientID, imageURL string) error
}

// TokenOpener decrypts a shop's sealed page access token.
type TokenOpener interface {
	Open(sealed string) (string, error)
}

// ImageFetcher downloads an image by URL.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Processor orchestrates one photo event end to end.
type Processor struct {
	shops     ShopSource
	credits   CreditLedger
	extractor Extractor
	index     retrieval.ProductIndex
	verifier  Verifier
	messenger Messenger
	opener    TokenOpener
	fetcher   ImageFetcher
	policy    match.Policy

	retrievalFloor float32
	topK           int
	logger         *slog.Logger
}

type ProcessorConfig struct {
	RetrievalFloor float32
	TopK           int
	SoftMatchMin   int
	ConfidentMin   int
}

func NewProcessor(shops ShopSource, credits CreditLedger, extractor Extractor, index retrieval.ProductIndex,
	verifier Verifier, messenger Messenger, opener TokenOpener, fetcher ImageFetcher,
	cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 1
	}
	return &Processor{
		shops:          shops,
		credits:        credits,
		extractor:      extractor,
		index:          index,
		verifier:       verifier,
		messenger:      messenger,
		opener:         opener,
		fetcher:        fetcher,
		policy:         match.Policy{SoftMatchMin: cfg.SoftMatchMin, ConfidentMin: cfg.ConfidentMin},
		retrievalFloor: cfg.RetrievalFloor,
		topK:           cfg.TopK,
		logger:         logger,
	}
}

// Process handles one photo event. Configuration problems (unknown page,
// unreadable token, exhausted credits) halt silently: the customer gets no
// reply because any reply would leak the shop's account state. Once a credit
// is spent, every later failure produces a reply, even if only a generic one.
func (p *Processor) Process(ctx context.Context, event ImageEvent) {
	log := p.logger.With("page_id", event.PageID, "sender_id", event.SenderID)

	shop, err := p.shops.GetShopByPageID(event.PageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn("no shop for page, dropping event")
		} else {
			log.Error("shop lookup failed", "error", err)
		}
		return
	}

	pageToken, err := p.opener.Open(shop.EncryptedAccessToken)
	if err != nil {
		log.Error("token unseal failed, dropping event", "error", err)
		return
	}

	remaining, err := p.credits.ConsumeCredit(shop.OwnerID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNoCredits):
			log.Warn("credits exhausted, dropping event", "owner_id", shop.OwnerID)
		case errors.Is(err, storage.ErrNotFound):
			log.Warn("no credit account for owner, dropping event", "owner_id", shop.OwnerID)
		default:
			log.Error("credit deduction failed, dropping event", "error", err)
		}
		return
	}
	log.Info("credit consumed", "owner_id", shop.OwnerID, "remaining", remaining)

	// A reply is owed from this point on.
	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline panic", "panic", r)
			p.sendText(ctx, log, pageToken, event.SenderID, processingFailed)
		}
	}()

	queryImage, err := p.fetcher.Fetch(ctx, event.ImageURL)
	if err != nil {
		log.Warn("query image download failed", "error", err)
		p.sendText(ctx, log, pageToken, event.SenderID, downloadFailed)
		return
	}

	desc := p.extractor.Extract(ctx, queryImage)

	candidates, err := p.index.Search(ctx, desc.Embedding, desc.AuxEmbedding, p.retrievalFloor, shop.PageID, p.topK)
	if err != nil {
		log.Error("retrieval failed, treating as no match", "error", err)
		candidates = nil
	}

	if len(candidates) == 0 {
		log.Info("no retrieval candidates")
		p.sendText(ctx, log, pageToken, event.SenderID, p.notFoundText(shop))
		return
	}

	top, score := p.verifyCandidates(ctx, log, queryImage, candidates)
	log.Info("candidate verified", "product_id", top.Product.ID, "retrieval_score", top.Score, "verification_score", score)

	outcome := p.policy.Decide(score, top, shop)
	if outcome.Kind == match.Reject && outcome.Text == "" {
		outcome.Text = defaultNotFound
	}

	if outcome.Caveat != "" {
		p.sendText(ctx, log, pageToken, event.SenderID, outcome.Caveat)
	}
	p.sendText(ctx, log, pageToken, event.SenderID, outcome.Text)
	if outcome.SendImage {
		if err := p.messenger.SendImage(ctx, pageToken, event.SenderID, outcome.ImageURL); err != nil {
			log.Error("sending product image failed", "error", err)
		}
	}
}

// verifyCandidates scores the retrieval candidates against the customer
// photo concurrently and returns the best-scoring one. Ties go to the
// candidate with the higher retrieval rank, so a single-candidate setup
// behaves exactly like verifying only the top hit.
func (p *Processor) verifyCandidates(ctx context.Context, log *slog.Logger, queryImage []byte, candidates []retrieval.Candidate) (retrieval.Candidate, int) {
	if len(candidates) > p.topK {
		candidates = candidates[:p.topK]
	}
	if len(candidates) == 1 {
		return candidates[0], p.verifyCandidate(ctx, log, queryImage, candidates[0].Product)
	}

	scores := make([]int, len(candidates))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, cand := range candidates {
		g.Go(func() error {
			scores[i] = p.verifyCandidate(gCtx, log, queryImage, cand.Product)
			return nil
		})
	}
	g.Wait()

	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return candidates[best], scores[best]
}

// verifyCandidate loads the candidate's catalog photo and scores it against
// the customer photo. An unloadable catalog photo scores 0, which rejects
// the candidate rather than skipping verification.
func (p *Processor) verifyCandidate(ctx context.Context, log *slog.Logger, queryImage []byte, product storage.Product) int {
	candidateImage, err := p.loadProductImage(ctx, product)
	if err != nil {
		log.Warn("candidate image unavailable, scoring 0", "product_id", product.ID, "error", err)
		return 0
	}
	return p.verifier.Score(ctx, queryImage, candidateImage)
}

// loadProductImage prefers the locally stored copy and falls back to the
// public URL for products ingested before local media storage existed.
func (p *Processor) loadProductImage(ctx context.Context, product storage.Product) ([]byte, error) {
	if product.ImagePath != "" {
		if data, err := os.ReadFile(product.ImagePath); err == nil {
			return data, nil
		}
	}
	return p.fetcher.Fetch(ctx, product.ImageURL)
}

func (p *Processor) notFoundText(shop storage.Shop) string {
	if shop.MsgNotFound != "" {
		return shop.MsgNotFound
	}
	return defaultNotFound
}

func (p *Processor) sendText(ctx context.Context, log *slog.Logger, pageToken, recipientID, text string) {
	if err := p.messenger.SendText(ctx, pageToken, recipientID, text); err != nil {
		log.Error("sending reply failed", "error", err)
	}
}
