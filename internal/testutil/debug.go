package testutil

import (
	"testing"

	"github.com/anthrax3/mapkeeper/internal/engine"
	"github.com/stretchr/testify/require"
)

// DumpTable returns every record of tb as "key=value", in key order.
func DumpTable(t testing.TB, tb engine.Table) []string {
	t.Helper()

	c, err := tb.NewCursor()
	require.NoError(t, err)
	defer c.Close()

	lines := []string{}
	ok, err := c.First()
	for ; ok && err == nil; ok, err = c.Next() {
		lines = append(lines, string(c.Key())+"="+string(c.Value()))
	}
	require.NoError(t, err)

	return lines
}
