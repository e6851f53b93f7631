package permission

// CapabilitySet is a set of permissions deduplicated by their canonical
// string form. Insertion order is irrelevant.
type CapabilitySet struct {
	perms map[string]Permission
}

// NewCapabilitySet builds a CapabilitySet from zero or more permissions.
func NewCapabilitySet(perms ...Permission) CapabilitySet {
	cs := CapabilitySet{perms: make(map[string]Permission, len(perms))}
	for _, p := range perms {
		cs.Insert(p)
	}
	return cs
}

// Empty reports whether the set has no permissions.
func (cs CapabilitySet) Empty() bool { return len(cs.perms) == 0 }

// Insert adds a permission to the set, returning the (possibly mutated)
// set. CapabilitySet must be initialized via NewCapabilitySet or the zero
// value is safe to Insert into (it lazily allocates).
func (cs *CapabilitySet) Insert(p Permission) {
	if cs.perms == nil {
		cs.perms = make(map[string]Permission)
	}
	cs.perms[p.String()] = p
}

// Permissions returns the permissions in the set in unspecified order.
func (cs CapabilitySet) Permissions() []Permission {
	out := make([]Permission, 0, len(cs.perms))
	for _, p := range cs.perms {
		out = append(out, p)
	}
	return out
}

// Allows reports whether some permission in the set covers required.
func (cs CapabilitySet) Allows(required Permission) bool {
	for _, granted := range cs.perms {
		if granted.Covers(required) {
			return true
		}
	}
	return false
}

// AllowsAll reports whether every permission in required is covered by some
// permission in the set.
func (cs CapabilitySet) AllowsAll(required []Permission) bool {
	for _, r := range required {
		if !cs.Allows(r) {
			return false
		}
	}
	return true
}

// AllowsAny reports whether at least one permission in required is covered
// by some permission in the set. An empty required list is vacuously true.
func (cs CapabilitySet) AllowsAny(required []Permission) bool {
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		if cs.Allows(r) {
			return true
		}
	}
	return false
}

// Union returns a new CapabilitySet containing the permissions of cs and
// other.
func (cs CapabilitySet) Union(other CapabilitySet) CapabilitySet {
	out := NewCapabilitySet()
	for _, p := range cs.perms {
		out.Insert(p)
	}
	for _, p := range other.perms {
		out.Insert(p)
	}
	return out
}

// Clone returns a shallow, independently-mutable copy of cs.
func (cs CapabilitySet) Clone() CapabilitySet {
	return cs.Union(NewCapabilitySet())
}

// AllAutoGranted reports whether every permission in required is
// auto-granted given ctx (spec §4.1 "Auto-grant" decision source).
func AllAutoGranted(required []Permission, ctx AutoGrantContext) bool {
	for _, r := range required {
		if !r.IsAutoGranted(ctx) {
			return false
		}
	}
	return true
}

// ChannelPermissionProfile governs permission mediation for a single
// transport/channel (spec §3). Invariant: PreAuthorized should be a subset
// of MaxAllowed; this is validated by Validate, not enforced at
// construction, since profiles are frequently built incrementally from
// config.
type ChannelPermissionProfile struct {
	PreAuthorized     CapabilitySet
	MaxAllowed        CapabilitySet
	AllowUserPrompts  bool
	PromptTimeoutSecs uint64
}

// DefaultChannelPermissionProfile matches the Rust reference's Default impl:
// prompts allowed, 30 second prompt timeout, no permissions pre-authorized
// or allowed until configured.
func DefaultChannelPermissionProfile() ChannelPermissionProfile {
	return ChannelPermissionProfile{
		PreAuthorized:     NewCapabilitySet(),
		MaxAllowed:        NewCapabilitySet(),
		AllowUserPrompts:  true,
		PromptTimeoutSecs: 30,
	}
}

// Validate reports an error if PreAuthorized is not a subset of MaxAllowed.
func (p ChannelPermissionProfile) Validate() error {
	for _, perm := range p.PreAuthorized.Permissions() {
		if !p.MaxAllowed.Allows(perm) {
			return &InvalidProfileError{Permission: perm.String()}
		}
	}
	return nil
}

// InvalidProfileError reports a ChannelPermissionProfile whose
// pre_authorized set is not contained in max_allowed.
type InvalidProfileError struct{ Permission string }

func (e *InvalidProfileError) Error() string {
	return "pre_authorized permission " + e.Permission + " is not covered by max_allowed"
}
