package quota

import (
	"fmt"
	"sync"

	"github.com/bryanwahyu/scanops/internal/domain/scanerr"
)

// Unlimited marks a limit with no ceiling.
const Unlimited = -1

// Action names one quota-limited capability.
type Action string

const (
	ActionScan          Action = "scans_per_month"
	ActionConcurrent    Action = "concurrent_scans"
	ActionAIRequest     Action = "ai_requests_per_month"
	ActionReportExport  Action = "report_exports"
)

// RoleQuota holds the limits of one role tier. Limits live in
// configuration, not code, so new tiers require no new logic.
type RoleQuota struct {
	ScansPerMonth      int `yaml:"scans_per_month" json:"scans_per_month"`
	ConcurrentScans    int `yaml:"concurrent_scans" json:"concurrent_scans"`
	AIRequestsPerMonth int `yaml:"ai_requests_per_month" json:"ai_requests_per_month"`
	ReportExports      int `yaml:"report_exports" json:"report_exports"`
}

func (q RoleQuota) limit(action Action) int {
	switch action {
	case ActionScan:
		return q.ScansPerMonth
	case ActionConcurrent:
		return q.ConcurrentScans
	case ActionAIRequest:
		return q.AIRequestsPerMonth
	case ActionReportExport:
		return q.ReportExports
	}
	return 0
}

// Decision is the result of one capability evaluation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Gate evaluates every privileged action against role limits. It also
// owns the live concurrency reservations so "check limit, then admit"
// runs as one atomic step.
type Gate struct {
	mu     sync.Mutex
	roles  map[string]RoleQuota
	active map[string]int // userID -> reserved concurrent slots
}

func NewGate(roles map[string]RoleQuota) *Gate {
	return &Gate{roles: roles, active: make(map[string]int)}
}

// CanPerformAction returns allow iff currentUsage < limit or the limit
// is Unlimited. Unknown roles are denied.
func (g *Gate) CanPerformAction(role string, action Action, currentUsage int) Decision {
	g.mu.Lock()
	q, ok := g.roles[role]
	g.mu.Unlock()
	if !ok {
		return Decision{Allowed: false, Reason: fmt.Sprintf("unknown role %q", role)}
	}
	limit := q.limit(action)
	if limit == Unlimited {
		return Decision{Allowed: true}
	}
	if currentUsage >= limit {
		return Decision{Allowed: false, Reason: fmt.Sprintf("%s limit reached (%d/%d)", action, currentUsage, limit)}
	}
	return Decision{Allowed: true}
}

// RemainingUsage returns how much of the limit is left, or Unlimited.
func (g *Gate) RemainingUsage(role string, action Action, currentUsage int) int {
	g.mu.Lock()
	q, ok := g.roles[role]
	g.mu.Unlock()
	if !ok {
		return 0
	}
	limit := q.limit(action)
	if limit == Unlimited {
		return Unlimited
	}
	if rest := limit - currentUsage; rest > 0 {
		return rest
	}
	return 0
}

// UsagePercentage returns consumed share in [0,100]; unlimited reads 0.
func (g *Gate) UsagePercentage(role string, action Action, currentUsage int) float64 {
	g.mu.Lock()
	q, ok := g.roles[role]
	g.mu.Unlock()
	if !ok {
		return 100
	}
	limit := q.limit(action)
	if limit == Unlimited || limit == 0 {
		return 0
	}
	pct := float64(currentUsage) / float64(limit) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// Admit reserves one concurrent-scan slot for the user, checking the
// ceiling and reserving under a single lock. Callers must Release the
// slot on every terminal transition.
func (g *Gate) Admit(userID, role string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.roles[role]
	if !ok {
		return fmt.Errorf("%w: unknown role %q", scanerr.ErrAuthorization, role)
	}
	limit := q.ConcurrentScans
	if limit != Unlimited && g.active[userID] >= limit {
		return fmt.Errorf("%w: concurrent scan limit reached (%d)", scanerr.ErrAuthorization, limit)
	}
	g.active[userID]++
	return nil
}

// Release frees one reserved slot.
func (g *Gate) Release(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[userID] > 0 {
		g.active[userID]--
	}
	if g.active[userID] == 0 {
		delete(g.active, userID)
	}
}

// Active returns the user's reserved slots.
func (g *Gate) Active(userID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[userID]
}
