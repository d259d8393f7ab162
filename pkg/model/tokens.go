package model

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

var (
	encoderMu    sync.Mutex
	encoderCache = make(map[string]*tiktoken.Tiktoken)
)

func encoderFor(modelID string) *tiktoken.Tiktoken {
	encoderMu.Lock()
	defer encoderMu.Unlock()

	if enc, ok := encoderCache[modelID]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(modelID)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			enc = nil
		}
	}
	encoderCache[modelID] = enc
	return enc
}

// EstimateTokens estimates the token count of text for the given model.
// Falls back to a chars/4 heuristic when no encoder is available.
func EstimateTokens(modelID, text string) int {
	if text == "" {
		return 0
	}
	if enc := encoderFor(modelID); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// EstimateRequestTokens estimates the prompt-side token cost of a request:
// system prompt plus all history messages.
func EstimateRequestTokens(req Request) int {
	total := EstimateTokens(req.Model, req.SystemPrompt)
	for _, msg := range req.Messages {
		total += EstimateTokens(req.Model, msg.Content)
	}
	return total
}
