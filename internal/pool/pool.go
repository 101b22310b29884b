// Package pool loads the shared, read-only item pool from a JSONL input file.
package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"promptline/internal/domain"
	"promptline/internal/jsonl"
)

var ErrPoolUnavailable = errors.New("item pool unavailable")

// Pool is an ordered, immutable sequence of items.
type Pool struct {
	items []domain.Item
	index map[domain.ItemID]int
}

// New builds a pool from items in order. Later duplicates of an id are ignored.
func New(items []domain.Item) *Pool {
	p := &Pool{index: make(map[domain.ItemID]int, len(items))}
	for _, it := range items {
		if _, dup := p.index[it.ID]; dup {
			continue
		}
		p.index[it.ID] = len(p.items)
		p.items = append(p.items, it)
	}
	return p
}

// Load reads path, one item per line. An item without an "id" field gets its
// zero-based position in the file as id.
func Load(path string) (*Pool, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoolUnavailable, err)
	}
	var items []domain.Item
	err := jsonl.Each(path, func(lineNo int, line []byte) error {
		item, err := parseItem(line, len(items))
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoolUnavailable, err)
	}
	return New(items), nil
}

func parseItem(line []byte, position int) (domain.Item, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return domain.Item{}, err
	}
	var item domain.Item
	if rawID, ok := raw["id"]; ok && string(rawID) != "null" {
		if err := json.Unmarshal(rawID, &item.ID); err != nil {
			return domain.Item{}, err
		}
	} else {
		item.ID = domain.ItemID(strconv.Itoa(position))
	}
	if rawTitle, ok := raw["title"]; ok {
		if err := json.Unmarshal(rawTitle, &item.Title); err != nil {
			return domain.Item{}, fmt.Errorf("title: %w", err)
		}
	}
	delete(raw, "id")
	delete(raw, "title")
	if len(raw) > 0 {
		item.Payload = make(map[string]any, len(raw))
		for k, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return domain.Item{}, fmt.Errorf("%s: %w", k, err)
			}
			item.Payload[k] = val
		}
	}
	return item, nil
}

// Items returns the items in pool order. Callers must not modify the slice.
func (p *Pool) Items() []domain.Item { return p.items }

func (p *Pool) Len() int { return len(p.items) }

func (p *Pool) Get(id domain.ItemID) (domain.Item, bool) {
	i, ok := p.index[id]
	if !ok {
		return domain.Item{}, false
	}
	return p.items[i], true
}

// Loader loads the pool on first use and keeps it. A failed load is retried
// on the next call.
type Loader struct {
	Path string

	mu   sync.Mutex
	pool *Pool
}

func NewLoader(path string) *Loader {
	return &Loader{Path: path}
}

// Static returns a loader that always yields p.
func Static(p *Pool) *Loader {
	return &Loader{pool: p}
}

func (l *Loader) Pool() (*Pool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pool != nil {
		return l.pool, nil
	}
	if l.Path == "" {
		return nil, fmt.Errorf("%w: no input file configured", ErrPoolUnavailable)
	}
	p, err := Load(l.Path)
	if err != nil {
		return nil, err
	}
	l.pool = p
	return p, nil
}
