package errorpolicy

// Chain offers failures to its policies in order.
type Chain struct {
	policies []Policy
}

// NewChain returns a chain evaluating policies in the given order. Nil
// policies are ignored.
func NewChain(policies ...Policy) *Chain {
	c := &Chain{}
	for _, p := range policies {
		if p != nil {
			c.policies = append(c.policies, p)
		}
	}
	return c
}

// Decide returns the action of the first policy accepting f, or Stop when
// none does.
func (c *Chain) Decide(f Failure) Action {
	if c != nil {
		for _, p := range c.policies {
			if p.CanHandle(f) {
				return p.Handle(f)
			}
		}
	}
	return Action{Kind: ActionStop, Policy: "default"}
}

// CanHandle reports whether any policy accepts f, so chains can be nested.
func (c *Chain) CanHandle(f Failure) bool {
	if c == nil {
		return false
	}
	for _, p := range c.policies {
		if p.CanHandle(f) {
			return true
		}
	}
	return false
}

func (c *Chain) Handle(f Failure) Action {
	return c.Decide(f)
}

func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.policies)
}

// MoveTargets returns the endpoints the Move policies of p publish to,
// nested chains included.
func MoveTargets(p Policy) []string {
	switch p := p.(type) {
	case *movePolicy:
		return []string{p.endpoint}
	case *Chain:
		if p == nil {
			return nil
		}
		var targets []string
		for _, inner := range p.policies {
			targets = append(targets, MoveTargets(inner)...)
		}
		return targets
	default:
		return nil
	}
}
