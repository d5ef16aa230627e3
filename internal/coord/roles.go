// Package coord holds the process-wide coordination maps runners use to
// find each other: singleton role holders and claimed endpoints.
package coord

import (
	"sort"
	"sync"
)

// DiscoveryRole is the role claimed by the runner hosting service discovery.
const DiscoveryRole = "discovery"

// Roles maps a role name to the address of its holder. The first claim
// wins; later claims get the existing holder back.
type Roles struct {
	m sync.Map // role -> address
}

func NewRoles() *Roles { return &Roles{} }

// Claim registers address as holder of role unless someone holds it already.
// It returns the holder and whether this call won.
func (r *Roles) Claim(role, address string) (holder string, won bool) {
	v, loaded := r.m.LoadOrStore(role, address)
	return v.(string), !loaded
}

// Query returns the holder of role, or "" when unclaimed.
func (r *Roles) Query(role string) string {
	if v, ok := r.m.Load(role); ok {
		return v.(string)
	}
	return ""
}

// Snapshot copies the current claims.
func (r *Roles) Snapshot() map[string]string {
	out := map[string]string{}
	r.m.Range(func(k, v any) bool {
		out[k.(string)] = v.(string)
		return true
	})
	return out
}

// Names lists claimed roles in sorted order.
func (r *Roles) Names() []string {
	snap := r.Snapshot()
	out := make([]string, 0, len(snap))
	for k := range snap {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
