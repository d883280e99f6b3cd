package resilience

import "sync"

// Group lazily creates one breaker per key, typically a URL host
type Group struct {
	settings Settings
	breakers sync.Map // map[string]*Breaker
}

// NewGroup creates a group whose breakers share settings
func NewGroup(settings Settings) *Group {
	return &Group{settings: settings}
}

// Get returns the breaker for key, creating it on first use
func (g *Group) Get(key string) *Breaker {
	if b, ok := g.breakers.Load(key); ok {
		return b.(*Breaker)
	}
	b, _ := g.breakers.LoadOrStore(key, New(key, g.settings))
	return b.(*Breaker)
}

// States reports the state of every breaker created so far
func (g *Group) States() map[string]State {
	out := make(map[string]State)
	g.breakers.Range(func(k, v any) bool {
		out[k.(string)] = v.(*Breaker).State()
		return true
	})
	return out
}
