package resilience

import "sync"

// Group hands out one Policy per target class (for push, the push service host)
// so a failing push service does not open the breaker for the others.
type Group struct {
	prefix   string
	cfg      Config
	classify Classifier

	mu       sync.Mutex
	policies map[string]*Policy
}

// NewGroup creates an empty group. Policies are created on first use and kept for the process lifetime.
func NewGroup(prefix string, cfg Config, classify Classifier) *Group {
	return &Group{
		prefix:   prefix,
		cfg:      cfg,
		classify: classify,
		policies: make(map[string]*Policy),
	}
}

// Policy returns the policy for key, creating it if needed.
func (g *Group) Policy(key string) *Policy {
	g.mu.Lock()
	defer g.mu.Unlock()

	if p, ok := g.policies[key]; ok {
		return p
	}
	name := g.prefix
	if key != "" {
		name = g.prefix + ":" + key
	}
	p := NewPolicy(name, g.cfg, g.classify)
	g.policies[key] = p
	return p
}

// States reports the breaker state of every policy created so far.
func (g *Group) States() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]string, len(g.policies))
	for _, p := range g.policies {
		out[p.Name()] = p.State()
	}
	return out
}
