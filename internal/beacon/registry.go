package beacon

// Registry holds the known identities keyed by (majorId, minorId).
//
// Registry is not safe for concurrent use. The encounter engine owns the
// registry and guards it with the same mutex as its record map, so friend
// list updates and detections never race.
type Registry struct {
	identities map[Key]Identity
	order      []Key // insertion order, for stable listings
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{identities: make(map[Key]Identity)}
}

// Upsert inserts the identity or updates the name and tag of an existing one.
// Returns true if the identity was not previously registered.
func (r *Registry) Upsert(id Identity) bool {
	key := id.Key()
	_, exists := r.identities[key]
	if !exists {
		r.order = append(r.order, key)
	}
	r.identities[key] = id
	return !exists
}

// Lookup returns the identity registered for (major, minor).
func (r *Registry) Lookup(major, minor string) (Identity, bool) {
	id, ok := r.identities[Key{Major: major, Minor: minor}]
	return id, ok
}

// Identities returns all registered identities in registration order.
func (r *Registry) Identities() []Identity {
	out := make([]Identity, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.identities[key])
	}
	return out
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	return len(r.identities)
}
