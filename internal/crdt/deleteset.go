package crdt

import "sort"

type clockRange struct {
	clock  uint64
	length uint64
}

func (r clockRange) end() uint64 {
	return r.clock + r.length
}

// deleteSet lists deleted clocks per client as ranges.
type deleteSet map[uint64][]clockRange

func (ds deleteSet) add(id ID) {
	ds.addRange(id.Client, clockRange{clock: id.Clock, length: 1})
}

func (ds deleteSet) addRange(client uint64, r clockRange) {
	if r.length == 0 {
		return
	}
	ranges := ds[client]
	if n := len(ranges); n > 0 && ranges[n-1].end() == r.clock {
		ranges[n-1].length += r.length
		return
	}
	ds[client] = append(ranges, r)
}

// normalize sorts and merges overlapping or adjacent ranges.
func (ds deleteSet) normalize() {
	for client, ranges := range ds {
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].clock < ranges[j].clock })
		merged := ranges[:0]
		for _, r := range ranges {
			if n := len(merged); n > 0 && merged[n-1].end() >= r.clock {
				if r.end() > merged[n-1].end() {
					merged[n-1].length = r.end() - merged[n-1].clock
				}
				continue
			}
			merged = append(merged, r)
		}
		if len(merged) == 0 {
			delete(ds, client)
			continue
		}
		ds[client] = merged
	}
}

func (ds deleteSet) empty() bool {
	for _, ranges := range ds {
		if len(ranges) > 0 {
			return false
		}
	}
	return true
}

func (ds deleteSet) merge(other deleteSet) {
	for client, ranges := range other {
		ds[client] = append(ds[client], ranges...)
	}
}

func (ds deleteSet) encode(e *encoder) {
	ds.normalize()
	clients := make([]uint64, 0, len(ds))
	for client := range ds {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	e.uvarint(uint64(len(clients)))
	for _, client := range clients {
		e.uvarint(client)
		e.uvarint(uint64(len(ds[client])))
		for _, r := range ds[client] {
			e.uvarint(r.clock)
			e.uvarint(r.length)
		}
	}
}

func decodeDeleteSet(d *decoder) (deleteSet, error) {
	ds := deleteSet{}
	n, err := d.length()
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		client, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		count, err := d.length()
		if err != nil {
			return nil, err
		}
		for j := 0; j < count; j++ {
			clock, err := d.uvarint()
			if err != nil {
				return nil, err
			}
			length, err := d.uvarint()
			if err != nil {
				return nil, err
			}
			if length == 0 || clock+length < clock {
				return nil, d.errorf("invalid delete range %d+%d", clock, length)
			}
			ds[client] = append(ds[client], clockRange{clock: clock, length: length})
		}
	}
	ds.normalize()
	return ds, nil
}

// applyDeletes tombstones every known item in ds and keeps the rest pending
// together with earlier deletes that are still unresolved.
func (d *Doc) applyDeletes(tx *Txn, ds deleteSet) {
	all := deleteSet{}
	all.merge(d.pendingDS)
	all.merge(ds)
	all.normalize()

	unresolved := deleteSet{}
	for client, ranges := range all {
		known := d.next(client)
		for _, r := range ranges {
			stop := min(r.end(), known)
			for clock := r.clock; clock < stop; clock++ {
				tx.deleteItem(d.clients[client][clock])
			}
			if r.end() > known {
				from := max(r.clock, known)
				unresolved.addRange(client, clockRange{clock: from, length: r.end() - from})
			}
		}
	}
	d.pendingDS = unresolved
}
