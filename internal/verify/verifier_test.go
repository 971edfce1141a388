package verify

import (
	"context"
	"errors"
	"testing"
)

type mockComparison struct {
	compareFn func(ctx context.Context, a, b []byte, instruction string) (string, error)
}

func (m *mockComparison) Compare(ctx context.Context, a, b []byte, instruction string) (string, error) {
	return m.compareFn(ctx, a, b, instruction)
}

func TestScore_ParsesResponses(t *testing.T) {
	cases := []struct {
		name string
		resp string
		want int
	}{
		{"bare number", "85", 85},
		{"leading whitespace", "  92\n", 92},
		{"wrapped in prose", "I'd say 85 out of 100.", 85},
		{"zero", "0", 0},
		{"clamped above 100", "150", 100},
		{"no digits", "these look similar", 0},
		{"empty", "", 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v := New(&mockComparison{
				compareFn: func(context.Context, []byte, []byte, string) (string, error) {
					return c.resp, nil
				},
			}, nil)
			if got := v.Score(context.Background(), []byte("q"), []byte("c")); got != c.want {
				t.Errorf("Score(%q) = %d, want %d", c.resp, got, c.want)
			}
		})
	}
}

func TestScore_TransportErrorScoresZero(t *testing.T) {
	v := New(&mockComparison{
		compareFn: func(context.Context, []byte, []byte, string) (string, error) {
			return "", errors.New("model unavailable")
		},
	}, nil)
	if got := v.Score(context.Background(), []byte("q"), []byte("c")); got != 0 {
		t.Errorf("Score = %d, want 0 on transport error", got)
	}
}

func TestScore_PassesBothImages(t *testing.T) {
	var gotA, gotB []byte
	v := New(&mockComparison{
		compareFn: func(_ context.Context, a, b []byte, instruction string) (string, error) {
			gotA, gotB = a, b
			if instruction == "" {
				t.Error("expected a comparison instruction")
			}
			return "77", nil
		},
	}, nil)
	v.Score(context.Background(), []byte("query"), []byte("catalog"))
	if string(gotA) != "query" || string(gotB) != "catalog" {
		t.Errorf("images passed as (%q, %q), want (query, catalog)", gotA, gotB)
	}
}
