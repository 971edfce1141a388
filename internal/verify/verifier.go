package verify

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
)

// compareInstruction asks the vision model for a 0-100 structural similarity
// score. Phrased to focus on intrinsic product attributes and tolerate the
// photo conditions of customer snapshots.
const compareInstruction = "You are comparing two product photos. The first is a customer's photo, " +
	"the second is a catalog photo. Rate from 0 to 100 how likely they show the SAME product. " +
	"Focus on shape, proportions, markings, and structural details such as a watch dial, " +
	"strap, clasp, or stitching. Tolerate differences in lighting, camera angle, background, " +
	"and wear. Respond with only the number."

// ComparisonModel is the slice of the vision client the verifier needs.
type ComparisonModel interface {
	Compare(ctx context.Context, a, b []byte, instruction string) (string, error)
}

// Verifier confirms a retrieval candidate by showing the customer photo and
// the catalog photo to the vision model side by side.
type Verifier struct {
	vision ComparisonModel
	logger *slog.Logger
}

func New(vision ComparisonModel, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{vision: vision, logger: logger}
}

// Score returns the model's 0-100 similarity verdict for the two images.
// Any failure, whether a transport error or an unparseable response, resolves
// to 0 so the pipeline degrades toward "no match" rather than a wrong answer.
func (v *Verifier) Score(ctx context.Context, queryImage, candidateImage []byte) int {
	resp, err := v.vision.Compare(ctx, queryImage, candidateImage, compareInstruction)
	if err != nil {
		v.logger.Warn("verification call failed, scoring 0", "error", err)
		return 0
	}
	score, err := parseScore(resp)
	if err != nil {
		v.logger.Warn("unparseable verification response, scoring 0", "resp", resp, "error", err)
		return 0
	}
	return score
}

var firstInteger = regexp.MustCompile(`\d+`)

// parseScore extracts the first integer token from a model response and
// clamps it to 0-100. Vision models occasionally wrap the number in prose
// ("I'd say 85 out of 100"), so a plain Atoi on the whole string is not
// enough.
func parseScore(resp string) (int, error) {
	match := firstInteger.FindString(resp)
	if match == "" {
		return 0, fmt.Errorf("no integer in response")
	}
	n, err := strconv.Atoi(match)
	if err != nil {
		return 0, fmt.Errorf("parsing score %q: %w", match, err)
	}
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	return n, nil
}
