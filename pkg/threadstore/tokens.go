package threadstore

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// MetaTokenCount is the message metadata key holding the content's token count.
const MetaTokenCount = "token_count"

// TokenCounter counts tokens with the cl100k_base encoding, falling back to
// a four-characters-per-token estimate when the encoding cannot be loaded.
type TokenCounter struct {
	mu      sync.Mutex
	encoder *tiktoken.Tiktoken
}

var (
	defaultCounter     *TokenCounter
	defaultCounterOnce sync.Once
)

// DefaultTokenCounter returns the process-wide counter.
func DefaultTokenCounter() *TokenCounter {
	defaultCounterOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			defaultCounter = &TokenCounter{}
			return
		}
		defaultCounter = &TokenCounter{encoder: enc}
	})
	return defaultCounter
}

// Count returns the number of tokens in text.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.encoder == nil {
		return (len(text) + 3) / 4
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.encoder.Encode(text, nil, nil))
}
