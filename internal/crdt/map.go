package crdt

// Map is a replicated key/value container. Concurrent writes to one key
// resolve to the causally latest write; among concurrent writes the one of
// the higher client id wins.
type Map struct {
	t *Type
}

// NewMap returns a detached map that can be stored in another container.
func NewMap() *Map {
	return &Map{t: newType(nil, KindMap)}
}

func (*Map) Kind() Kind { return KindMap }
func (*Map) sealed()    {}

func (m *Map) Get(key string) (Value, bool) {
	it, ok := m.t.getKey(key)
	if !ok {
		return nil, false
	}
	return it.value(), true
}

func (m *Map) Has(key string) bool {
	_, ok := m.t.getKey(key)
	return ok
}

// Set stores v under key. v may be a plain value or a detached container.
func (m *Map) Set(tx *Txn, key string, v Value) error {
	if err := m.t.checkTxn(tx); err != nil {
		return err
	}
	it, err := adoptContainer(v)
	if err != nil {
		return err
	}
	m.t.setKey(tx, key, it)
	return nil
}

func (m *Map) Delete(tx *Txn, key string) error {
	if err := m.t.checkTxn(tx); err != nil {
		return err
	}
	if it, ok := m.t.getKey(key); ok {
		tx.deleteItem(it)
	}
	return nil
}

// Keys returns the present keys in sorted order.
func (m *Map) Keys() []string {
	keys := make([]string, 0, len(m.t.keys))
	for _, key := range sortedKeys(m.t.keys) {
		if !m.t.keys[key].deleted {
			keys = append(keys, key)
		}
	}
	return keys
}

func (m *Map) Len() int {
	n := 0
	for _, it := range m.t.keys {
		if !it.deleted {
			n++
		}
	}
	return n
}

func (m *Map) ToJSON() map[string]any {
	out := make(map[string]any, len(m.t.keys))
	for key, it := range m.t.keys {
		if !it.deleted {
			out[key] = toJSON(it.value())
		}
	}
	return out
}
