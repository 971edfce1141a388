package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrNoCredits is returned by ConsumeCredit when the owner's balance is zero.
var ErrNoCredits = errors.New("no credits")

// Shop is the per-page configuration a shop owner sets up during onboarding.
// The access token is stored sealed; the pipeline unseals it per event.
type Shop struct {
	PageID               int64
	OwnerID              string
	Name                 string
	EncryptedAccessToken string
	MsgFound             string
	MsgNotFound          string
	SendImage            bool
	ServiceImage         bool
	ServiceChat          bool
	ChatContext          string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// User is a shop owner account with a prepaid credit balance.
type User struct {
	FacebookUserID string
	Name           string
	Email          string
	Credits        int
	CreatedAt      time.Time
}

// Product statuses. A product is "pending" until the ingest worker has
// embedded its image, after which it becomes searchable.
const (
	ProductPending = "pending"
	ProductReady   = "ready"
)

// Product is a catalog item belonging to a shop. Embedding and AuxEmbedding
// hold the same vector; the aux slot exists for compatibility with the
// dual-vector retrieval contract.
type Product struct {
	ID           string
	ShopID       int64
	Name         string
	Price        float64
	ImageURL     string
	ImagePath    string
	Embedding    []float32
	AuxEmbedding []float32
	Status       string
	CreatedAt    time.Time
}

// Job is a unit of asynchronous work, currently product embedding.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
