// Package router maps an inbound event to exactly one named branch using a
// discriminant field. Routing is pure and total: every input resolves.
package router

import "fmt"

// PayloadPolicy selects what the default branch forwards.
type PayloadPolicy string

const (
	// PayloadForward sends the event data, same as a matched branch.
	PayloadForward PayloadPolicy = "forward"
	// PayloadLiteral substitutes {"event": Literal}.
	PayloadLiteral PayloadPolicy = "literal"
)

const (
	DefaultField   = "type"
	DefaultBranch  = "default"
	DefaultLiteral = "event"
)

// Config declares the discriminant mapping.
type Config struct {
	Field          string            `mapstructure:"field"`
	Branches       map[string]string `mapstructure:"branches"` // discriminant value -> branch
	DefaultBranch  string            `mapstructure:"default_branch"`
	DefaultPayload PayloadPolicy     `mapstructure:"default_payload"`
	Literal        string            `mapstructure:"literal"`
}

// Decision is the result of routing one event.
type Decision struct {
	Discriminant string         `json:"-"`
	Branch       string         `json:"branch"`
	Data         map[string]any `json:"data"`
	Matched      bool           `json:"-"`
}

// Router is immutable after construction and safe for concurrent use.
type Router struct {
	field    string
	branches map[string]string
	fallback string
	policy   PayloadPolicy
	literal  string
}

// New builds a router, filling defaults.
func New(cfg Config) (*Router, error) {
	r := &Router{
		field:    cfg.Field,
		branches: make(map[string]string, len(cfg.Branches)),
		fallback: cfg.DefaultBranch,
		policy:   cfg.DefaultPayload,
		literal:  cfg.Literal,
	}
	if r.field == "" {
		r.field = DefaultField
	}
	if r.fallback == "" {
		r.fallback = DefaultBranch
	}
	if r.literal == "" {
		r.literal = DefaultLiteral
	}
	switch r.policy {
	case "":
		r.policy = PayloadForward
	case PayloadForward, PayloadLiteral:
	default:
		return nil, fmt.Errorf("router: unknown default payload policy %q", r.policy)
	}
	for value, branch := range cfg.Branches {
		if branch == "" {
			branch = value
		}
		r.branches[value] = branch
	}
	return r, nil
}

// Identity routes each listed value to a branch of the same name.
func Identity(values ...string) map[string]string {
	m := make(map[string]string, len(values))
	for _, v := range values {
		m[v] = v
	}
	return m
}

// Route resolves an event to a branch. It never fails; a missing or
// non-string discriminant resolves to the default branch.
func (r *Router) Route(event map[string]any) Decision {
	value, _ := event[r.field].(string)
	if branch, ok := r.branches[value]; ok && value != "" {
		return Decision{Discriminant: value, Branch: branch, Data: r.strip(event), Matched: true}
	}

	d := Decision{Discriminant: value, Branch: r.fallback}
	if r.policy == PayloadLiteral {
		d.Data = map[string]any{"event": r.literal}
	} else {
		d.Data = r.strip(event)
	}
	return d
}

// Branches lists the configured branch names plus the default.
func (r *Router) Branches() []string {
	seen := map[string]bool{r.fallback: true}
	out := []string{r.fallback}
	for _, b := range r.branches {
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

// strip returns a shallow copy of the event without the discriminant field.
func (r *Router) strip(event map[string]any) map[string]any {
	data := make(map[string]any, len(event))
	for k, v := range event {
		if k != r.field {
			data[k] = v
		}
	}
	return data
}
