package nanovllm

import "strings"

// Tokenizer converts between text and token ids. Only the LLM wrapper
// uses it; the engine works on token ids.
type Tokenizer interface {
	// Encode converts text to token IDs
	Encode(text string) ([]int, error)

	// Decode converts token IDs to text
	Decode(tokenIDs []int) (string, error)

	// EOSTokenID returns the EOS token ID
	EOSTokenID() int
}

// MockTokenizer maps each byte of the input to a token id.
type MockTokenizer struct {
	eosTokenID int
}

// NewMockTokenizer creates a new mock tokenizer
func NewMockTokenizer(eosTokenID int) *MockTokenizer {
	return &MockTokenizer{
		eosTokenID: eosTokenID,
	}
}

// Encode performs mock tokenization
func (t *MockTokenizer) Encode(text string) ([]int, error) {
	tokens := make([]int, 0, len(text))
	for i := 0; i < len(text); i++ {
		tokens = append(tokens, int(text[i]))
	}
	return tokens, nil
}

// Decode renders token ids as printable runes, skipping EOS.
func (t *MockTokenizer) Decode(tokenIDs []int) (string, error) {
	var sb strings.Builder
	for _, id := range tokenIDs {
		if id == t.eosTokenID {
			continue
		}
		sb.WriteRune(rune(' ' + id%95))
	}
	return sb.String(), nil
}

// EOSTokenID returns the EOS token ID
func (t *MockTokenizer) EOSTokenID() int {
	return t.eosTokenID
}
