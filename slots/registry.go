package slots

// Registry is the append-only list of source identifiers of one record.
// Position in the list is the slot index of the source.
type Registry struct {
	ids []string
}

// NewRegistry copies ids.
func NewRegistry(ids []string) *Registry {
	return &Registry{ids: append([]string(nil), ids...)}
}

// IndexOf returns the slot index of id, registering it when unknown.
func (r *Registry) IndexOf(id string) int {
	if i, ok := r.Lookup(id); ok {
		return i
	}
	r.ids = append(r.ids, id)
	return len(r.ids) - 1
}

// Lookup is IndexOf without registration.
func (r *Registry) Lookup(id string) (int, bool) {
	for i, v := range r.ids {
		if v == id {
			return i, true
		}
	}
	return -1, false
}

// ID returns the source at index, false when the index is unknown.
func (r *Registry) ID(index int) (string, bool) {
	if index < 0 || index >= len(r.ids) {
		return "", false
	}
	return r.ids[index], true
}

func (r *Registry) Len() int {
	return len(r.ids)
}

// IDs returns a copy of the list.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}
