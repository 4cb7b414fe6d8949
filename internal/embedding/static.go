package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
)

// Static is a deterministic provider for tests. Identical texts produce
// identical vectors and different texts almost certainly do not.
type Static struct {
	Dim int
	// Fixed, when set, overrides the derived vector for specific texts.
	Fixed map[string][]float32
}

// NewStatic creates a deterministic test provider.
func NewStatic(dim int) *Static {
	return &Static{Dim: dim, Fixed: map[string][]float32{}}
}

func (s *Static) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.Fixed[text]; ok {
		return v, nil
	}
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, s.Dim)
	for i := range vec {
		word := binary.BigEndian.Uint32(sum[(i*4)%28 : (i*4)%28+4])
		vec[i] = float32(word%1000)/1000 - 0.5
	}
	return vec, nil
}

func (s *Static) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *Static) Dimensions() int { return s.Dim }

func (s *Static) Available() bool { return true }
