package ai

import (
	"context"
	"fmt"
	"sync"

	"github.com/bryanwahyu/scanops/internal/application"
	"github.com/bryanwahyu/scanops/internal/domain/ai"
	"github.com/bryanwahyu/scanops/internal/domain/quota"
	"github.com/bryanwahyu/scanops/internal/domain/scanerr"
)

// Service asks the oracle for a tool recommendation, charging the
// user's monthly AI quota. Recommendations are untrusted and always
// revalidated downstream by the command router.
type Service struct {
	Oracle ai.Oracle
	Gate   *quota.Gate
	Clock  application.Clock

	mu    sync.Mutex
	usage map[string]int // userID+month -> requests
}

func NewService(oracle ai.Oracle, gate *quota.Gate, clock application.Clock) *Service {
	return &Service{Oracle: oracle, Gate: gate, Clock: clock, usage: make(map[string]int)}
}

// Recommend consumes one AI request from the user's quota and returns
// the oracle's proposal. The check-then-consume runs atomically.
func (s *Service) Recommend(ctx context.Context, userID, role, prompt, target string) (ai.Recommendation, error) {
	if err := s.consume(userID, role); err != nil {
		return ai.Recommendation{}, err
	}
	rec, err := s.Oracle.RecommendTool(ctx, prompt, target)
	if err != nil {
		s.refund(userID)
		return ai.Recommendation{}, err
	}
	return rec, nil
}

// Usage returns the user's AI requests consumed this month.
func (s *Service) Usage(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[s.key(userID)]
}

func (s *Service) consume(userID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.key(userID)
	if d := s.Gate.CanPerformAction(role, quota.ActionAIRequest, s.usage[key]); !d.Allowed {
		return fmt.Errorf("%w: %s", scanerr.ErrAuthorization, d.Reason)
	}
	s.usage[key]++
	return nil
}

func (s *Service) refund(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.key(userID)
	if s.usage[key] > 0 {
		s.usage[key]--
	}
}

// key buckets usage per calendar month; stale buckets just stop being
// read once the month rolls over.
func (s *Service) key(userID string) string {
	return userID + "/" + s.Clock.Now().Format("2006-01")
}
