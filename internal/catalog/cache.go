package catalog

import (
	"strings"
	"sync"

	"github.com/anthrax3/mapkeeper/internal/engine"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

type tableCache struct {
	tables map[string]engine.Table

	mu sync.RWMutex
}

func newTableCache() *tableCache {
	return &tableCache{
		tables: make(map[string]engine.Table),
	}
}

func (c *tableCache) load(tables []engine.Table) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tb := range tables {
		c.tables[tb.Name()] = tb
	}
}

// get must be called with mu held.
func (c *tableCache) get(name string) (engine.Table, error) {
	tb, ok := c.tables[name]
	if !ok {
		return nil, errors.WithStack(engine.ErrTableNotFound)
	}

	return tb, nil
}

// names must be called with mu held.
func (c *tableCache) names() []string {
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}

	slices.SortFunc(names, strings.Compare)
	return names
}
