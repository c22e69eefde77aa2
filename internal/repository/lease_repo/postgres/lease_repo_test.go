package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderbus/internal/repository/lease_repo"
)

func TestNewLeaseRepository_OnlyKnownTables(t *testing.T) {
	for _, table := range []string{lease_repo.TableOutboxState, lease_repo.TableInboxState} {
		repo, err := NewLeaseRepository(table)
		require.NoError(t, err)
		assert.Equal(t, table, repo.table)
	}

	_, err := NewLeaseRepository("orders; DROP TABLE orders")
	assert.Error(t, err)
}
