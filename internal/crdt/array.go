package crdt

// Array is a replicated sequence of values.
type Array struct {
	t *Type
}

// NewArray returns a detached array that can be stored in another container.
func NewArray() *Array {
	return &Array{t: newType(nil, KindArray)}
}

func (*Array) Kind() Kind { return KindArray }
func (*Array) sealed()    {}

func (a *Array) Len() int {
	return a.t.length
}

func (a *Array) Get(index int) (Value, bool) {
	it := a.t.itemAt(index)
	if it == nil {
		return nil, false
	}
	return it.value(), true
}

// Insert places values at index, shifting later elements right.
func (a *Array) Insert(tx *Txn, index int, values ...Value) error {
	if err := a.t.checkTxn(tx); err != nil {
		return err
	}
	items := make([]*item, 0, len(values))
	for _, v := range values {
		it, err := adoptContainer(v)
		if err != nil {
			return err
		}
		items = append(items, it)
	}
	return a.t.insertSeq(tx, index, items)
}

func (a *Array) Push(tx *Txn, values ...Value) error {
	return a.Insert(tx, a.t.length, values...)
}

func (a *Array) Delete(tx *Txn, index, length int) error {
	if err := a.t.checkTxn(tx); err != nil {
		return err
	}
	return a.t.deleteSeq(tx, index, length)
}

func (a *Array) ToSlice() []Value {
	return a.t.values()
}

func (a *Array) ToJSON() []any {
	values := a.t.values()
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = toJSON(v)
	}
	return out
}
