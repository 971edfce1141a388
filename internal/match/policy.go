// Package match turns a verification score into the reply a shop's customer
// sees. Scores land in one of three bands: below the soft-match minimum the
// candidate is rejected outright, between the soft and confident minimums the
// reply carries a hedging caveat, and at or above the confident minimum the
// reply is sent as-is.
package match

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fuad49/omnivision/internal/retrieval"
	"github.com/fuad49/omnivision/internal/storage"
)

// Kind classifies the decision on a verified candidate.
type Kind int

const (
	// Reject means the candidate failed verification; reply with the shop's
	// not-found message.
	Reject Kind = iota
	// SoftMatch means the candidate is plausible but not certain; reply with
	// a caveat before the product details.
	SoftMatch
	// Confident means the candidate passed verification cleanly.
	Confident
)

// softMatchCaveat prefixes replies in the uncertain band.
const softMatchCaveat = "We couldn't find an exact match, but this is the closest we found:"

// Outcome is the fully rendered reply for one decided candidate.
type Outcome struct {
	Kind      Kind
	Caveat    string // non-empty only for SoftMatch
	Text      string
	SendImage bool
	ImageURL  string
}

// Policy holds the score bands. Bands are inclusive at the lower edge: a
// score exactly at SoftMatchMin is a soft match, exactly at ConfidentMin is
// confident.
type Policy struct {
	SoftMatchMin int
	ConfidentMin int
}

// Decide maps a verification score to the outgoing reply for the candidate.
func (p Policy) Decide(score int, cand retrieval.Candidate, shop storage.Shop) Outcome {
	if score < p.SoftMatchMin {
		return Outcome{Kind: Reject, Text: shop.MsgNotFound}
	}

	out := Outcome{
		Kind:      Confident,
		Text:      formatFound(shop.MsgFound, cand.Product, score),
		SendImage: shop.SendImage && cand.Product.ImageURL != "",
		ImageURL:  cand.Product.ImageURL,
	}
	if score < p.ConfidentMin {
		out.Kind = SoftMatch
		out.Caveat = softMatchCaveat
	}
	return out
}

var placeholder = regexp.MustCompile(`\{[a-z_]+\}`)

// formatFound renders the shop's found-message template. Supported
// placeholders are {name}, {price} and {confidence}. A template that still
// contains unresolved placeholders after substitution is treated as broken
// and replaced with a minimal reply, so a shop owner's typo never reaches a
// customer verbatim.
func formatFound(template string, p storage.Product, score int) string {
	r := strings.NewReplacer(
		"{name}", p.Name,
		"{price}", fmt.Sprintf("%.2f", p.Price),
		"{confidence}", fmt.Sprintf("%d", score),
	)
	text := r.Replace(template)
	if template == "" || placeholder.MatchString(text) {
		return fmt.Sprintf("Found %s.", p.Name)
	}
	return text
}
