package strategy

import "github.com/mohammad-safakhou/ecoagent/config"

// IdentityPool is a fixed ring of request identities.
type IdentityPool struct {
	profiles []config.IdentityProfile
}

// NewIdentityPool falls back to the default browser profiles when none are given.
func NewIdentityPool(profiles []config.IdentityProfile) *IdentityPool {
	if len(profiles) == 0 {
		profiles = config.DefaultIdentityProfiles()
	}
	return &IdentityPool{profiles: append([]config.IdentityProfile(nil), profiles...)}
}

// At returns the profile at position i modulo the pool size.
func (p *IdentityPool) At(i int) config.IdentityProfile {
	n := len(p.profiles)
	i %= n
	if i < 0 {
		i += n
	}
	return p.profiles[i]
}

// Len is the number of distinct identities.
func (p *IdentityPool) Len() int { return len(p.profiles) }
