package ai

import "context"

// Recommendation is the oracle's proposed tool and flags for a prompt.
// Untrusted: the command router revalidates every field before anything
// is executed.
type Recommendation struct {
	Tool           string   `json:"tool"`
	Flags          []string `json:"flags"`
	Confidence     float64  `json:"confidence"`
	RiskAssessment string   `json:"risk_assessment"`
}

// Oracle proposes a tool for a scan request.
type Oracle interface {
	RecommendTool(ctx context.Context, prompt, target string) (Recommendation, error)
}
