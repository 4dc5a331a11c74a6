// Package catalog manages the tables of a server.
package catalog

import (
	"github.com/anthrax3/mapkeeper/internal/engine"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Catalog maps table names to engine handles.
// Structural changes (create, drop) are serialized against every other access.
type Catalog struct {
	ng     engine.Engine
	logger *zap.Logger
	cache  *tableCache
}

func New(ng engine.Engine, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Catalog{
		ng:     ng,
		logger: logger,
		cache:  newTableCache(),
	}
}

// Load opens every table known by the engine.
func (c *Catalog) Load() error {
	infos, err := c.ng.ListTables()
	if err != nil {
		return errors.Wrap(err, "cannot list tables")
	}

	tables := make([]engine.Table, 0, len(infos))
	for _, info := range infos {
		tb, err := c.ng.OpenTable(info.Name)
		if err != nil {
			return errors.Wrapf(err, "cannot open table %q", info.Name)
		}
		tables = append(tables, tb)
	}

	c.cache.load(tables)
	c.logger.Info("catalog loaded", zap.Int("maps", len(tables)))
	return nil
}

// CreateTable creates a table. If it already exists, returns engine.ErrTableAlreadyExists.
func (c *Catalog) CreateTable(name string, opts engine.TableOptions) (engine.Table, error) {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()

	if _, ok := c.cache.tables[name]; ok {
		return nil, errors.WithStack(engine.ErrTableAlreadyExists)
	}

	tb, err := c.ng.CreateTable(name, opts)
	if err != nil {
		return nil, err
	}

	c.cache.tables[name] = tb
	return tb, nil
}

// GetTable returns the handle of the table. If not found, returns engine.ErrTableNotFound.
func (c *Catalog) GetTable(name string) (engine.Table, error) {
	c.cache.mu.RLock()
	defer c.cache.mu.RUnlock()

	return c.cache.get(name)
}

// View resolves the table and calls fn with it. The table cannot be
// created or dropped until fn returns.
func (c *Catalog) View(name string, fn func(tb engine.Table) error) error {
	c.cache.mu.RLock()
	defer c.cache.mu.RUnlock()

	tb, err := c.cache.get(name)
	if err != nil {
		return err
	}

	return fn(tb)
}

// DropTable drops the table. If not found, returns engine.ErrTableNotFound.
func (c *Catalog) DropTable(name string) error {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()

	if _, err := c.cache.get(name); err != nil {
		return err
	}

	if err := c.ng.DropTable(name); err != nil {
		return errors.Wrapf(err, "cannot drop table %q", name)
	}

	delete(c.cache.tables, name)
	return nil
}

// ListTables returns the names of the tables, sorted.
func (c *Catalog) ListTables() []string {
	c.cache.mu.RLock()
	defer c.cache.mu.RUnlock()

	return c.cache.names()
}
