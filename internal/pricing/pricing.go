// Package pricing maps (model, turbo, resolution) to an integer credit cost.
package pricing

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

//go:embed default_costs.json
var defaultCosts []byte

// ErrUnknownPrice is returned for combinations missing from the table.
var ErrUnknownPrice = errors.New("unknown price")

// Key identifies one row of the cost table. Analysis models use an empty
// resolution.
type Key struct {
	Model      string
	Turbo      bool
	Resolution string
}

func (k Key) normalized() Key {
	return Key{
		Model:      strings.ToLower(strings.TrimSpace(k.Model)),
		Turbo:      k.Turbo,
		Resolution: strings.ToUpper(strings.TrimSpace(k.Resolution)),
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/turbo=%t/%s", k.Model, k.Turbo, k.Resolution)
}

// Entry is one priced combination as exposed to clients.
type Entry struct {
	Model      string `json:"model"`
	Turbo      bool   `json:"turbo"`
	Resolution string `json:"resolution"`
	Cost       int    `json:"cost"`
}

// Table is an immutable cost table.
type Table struct {
	costs   map[Key]int
	entries []Entry
}

type document struct {
	Entries []Entry `json:"entries"`
}

// Parse decodes a cost table document. Every cost must be positive and each
// key may appear once.
func Parse(data []byte) (*Table, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode cost table: %w", err)
	}
	if len(doc.Entries) == 0 {
		return nil, errors.New("cost table is empty")
	}
	t := &Table{costs: make(map[Key]int, len(doc.Entries))}
	for _, e := range doc.Entries {
		key := Key{Model: e.Model, Turbo: e.Turbo, Resolution: e.Resolution}.normalized()
		if key.Model == "" {
			return nil, errors.New("cost table entry without model")
		}
		if e.Cost <= 0 {
			return nil, fmt.Errorf("cost for %s must be positive", key)
		}
		if _, dup := t.costs[key]; dup {
			return nil, fmt.Errorf("duplicate cost entry %s", key)
		}
		t.costs[key] = e.Cost
		t.entries = append(t.entries, Entry{Model: key.Model, Turbo: key.Turbo, Resolution: key.Resolution, Cost: e.Cost})
	}
	sort.Slice(t.entries, func(i, j int) bool {
		a, b := t.entries[i], t.entries[j]
		if a.Model != b.Model {
			return a.Model < b.Model
		}
		if a.Resolution != b.Resolution {
			return a.Resolution < b.Resolution
		}
		return !a.Turbo && b.Turbo
	})
	return t, nil
}

// Cost returns the credits for units outputs of key. Units below one count
// as one.
func (t *Table) Cost(key Key, units int) (int, error) {
	per, ok := t.costs[key.normalized()]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPrice, key.normalized())
	}
	if units < 1 {
		units = 1
	}
	return per * units, nil
}

// Entries lists the table in a stable order.
func (t *Table) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// Source loads the table once per process, from path when set and from the
// embedded defaults otherwise.
type Source struct {
	path  string
	once  sync.Once
	table *Table
	err   error
}

func NewSource(path string) *Source {
	return &Source{path: path}
}

// Table returns the cached table, loading it on first use.
func (s *Source) Table() (*Table, error) {
	s.once.Do(func() {
		data := defaultCosts
		if s.path != "" {
			raw, err := os.ReadFile(s.path)
			if err != nil {
				s.err = fmt.Errorf("read cost table: %w", err)
				return
			}
			data = raw
		}
		s.table, s.err = Parse(data)
	})
	return s.table, s.err
}

// Default returns the embedded table.
func Default() *Table {
	t, err := Parse(defaultCosts)
	if err != nil {
		panic(fmt.Sprintf("embedded cost table: %v", err))
	}
	return t
}
