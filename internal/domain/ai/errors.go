package ai

import "errors"

// ErrQuotaExceeded indicates the AI provider returned a quota/limit error (HTTP 429 or similar).
var ErrQuotaExceeded = errors.New("ai quota exceeded")

// ErrBadRecommendation indicates the oracle returned output that could
// not be parsed into a Recommendation.
var ErrBadRecommendation = errors.New("ai recommendation unparseable")
