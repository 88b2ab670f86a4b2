package storage

import "sort"

// Memory is an in-memory KV implementation, used by tests and by
// components that don't need durability (e.g. a watchtower running in a
// trusted-environment integration test).
type Memory struct {
	data map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(key []byte) ([]byte, error) {
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *Memory) Put(key, value []byte) error {
	m.data[string(key)] = value
	return nil
}

func (m *Memory) Delete(key []byte) error {
	delete(m.data, string(key))
	return nil
}

func (m *Memory) Batch(b *WriteBatch) error {
	for k, v := range b.Puts {
		m.data[k] = v
	}
	for _, k := range b.Deletes {
		delete(m.data, string(k))
	}
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) NewIterator(prefix []byte) Iterator {
	var keys []string
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == string(prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return &memIterator{keys: keys, data: m.data, pos: -1}
}

type memIterator struct {
	keys []string
	data map[string][]byte
	pos  int
}

func (it *memIterator) Next() bool {
	it.pos++
	return it.pos < len(it.keys)
}

func (it *memIterator) Key() []byte   { return []byte(it.keys[it.pos]) }
func (it *memIterator) Value() []byte { return it.data[it.keys[it.pos]] }
func (it *memIterator) Release()      {}
func (it *memIterator) Error() error  { return nil }
