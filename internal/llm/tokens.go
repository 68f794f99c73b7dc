package llm

// Encoder counts tokens for a given text.
type Encoder interface {
	CountTokens(text string) int
}

// EncoderFunc adapts a function to the Encoder interface.
type EncoderFunc func(text string) int

func (f EncoderFunc) CountTokens(text string) int { return f(text) }

// EncoderRegistry maps model names to token encoders. Callers own the
// registry and pass it into the run loop; there is no process-wide cache.
// The zero value is usable and always falls back to the length heuristic.
type EncoderRegistry struct {
	encoders map[string]Encoder
}

func NewEncoderRegistry() *EncoderRegistry {
	return &EncoderRegistry{encoders: make(map[string]Encoder)}
}

// Register installs an encoder for a model name, replacing any previous one.
func (r *EncoderRegistry) Register(modelName string, encoder Encoder) {
	if r.encoders == nil {
		r.encoders = make(map[string]Encoder)
	}
	r.encoders[modelName] = encoder
}

// EstimateTokens counts tokens with the model's encoder when one is
// registered, otherwise approximates at four characters per token.
func (r *EncoderRegistry) EstimateTokens(text, modelName string) int {
	if r != nil && r.encoders != nil {
		if encoder, ok := r.encoders[modelName]; ok {
			return encoder.CountTokens(text)
		}
	}
	n := len(text) / 4
	if n < 0 {
		n = 0
	}
	return n
}
