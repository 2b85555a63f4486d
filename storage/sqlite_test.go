package storage

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kestreltest "github.com/kestrelsec/kestrel/internal/testing"
)

func newTestAdapter(t *testing.T) *SQLiteAdapter {
	t.Helper()
	db := kestreltest.CreateTestDB(t)
	adapter, err := NewSQLiteAdapter(db, nil)
	require.NoError(t, err)
	return adapter
}

func TestFetchByIDs(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.Put(ctx, "indicators", Entity{"id": "i1", "value": "198.51.100.7", "severity": "HIGH"}))
	require.NoError(t, adapter.Put(ctx, "indicators", Entity{"id": "i2", "value": "203.0.113.9", "severity": "LOW"}))
	require.NoError(t, adapter.Put(ctx, "campaigns", Entity{"id": "c1", "name": "urania"}))

	entities, err := adapter.FetchByIDs(ctx, "indicators", []string{"i1", "i2", "missing"})
	require.NoError(t, err)
	require.Len(t, entities, 2)

	byID := map[string]Entity{}
	for _, e := range entities {
		byID[e.ID()] = e
	}
	assert.Equal(t, "198.51.100.7", byID["i1"]["value"])
	assert.Equal(t, "LOW", byID["i2"]["severity"])
}

func TestFetchByIDsEmpty(t *testing.T) {
	adapter := newTestAdapter(t)
	entities, err := adapter.FetchByIDs(context.Background(), "indicators", nil)
	require.NoError(t, err)
	assert.Empty(t, entities)
}

func TestFetchByFilter(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.Put(ctx, "indicators", Entity{"id": "i1", "severity": "HIGH", "kind": "ip"}))
	require.NoError(t, adapter.Put(ctx, "indicators", Entity{"id": "i2", "severity": "HIGH", "kind": "domain"}))
	require.NoError(t, adapter.Put(ctx, "indicators", Entity{"id": "i3", "severity": "LOW", "kind": "ip"}))

	entities, err := adapter.FetchByFilter(ctx, "indicators", map[string]interface{}{
		"severity": "HIGH",
		"kind":     "ip",
	})
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "i1", entities[0].ID())
}

func TestPutReplacesExisting(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.Put(ctx, "alerts", Entity{"id": "a1", "status": "open"}))
	require.NoError(t, adapter.Put(ctx, "alerts", Entity{"id": "a1", "status": "closed"}))

	entities, err := adapter.FetchByIDs(ctx, "alerts", []string{"a1"})
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "closed", entities[0]["status"])
}

func TestPutRejectsMissingID(t *testing.T) {
	adapter := newTestAdapter(t)
	err := adapter.Put(context.Background(), "alerts", Entity{"status": "open"})
	require.Error(t, err)
}

// Query shape verification against a mock, without a real database.
func TestFetchByIDsQueryShape(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	adapter := &SQLiteAdapter{db: db}

	rows := sqlmock.NewRows([]string{"doc"}).
		AddRow(`{"id":"i1","severity":"HIGH"}`)
	mock.ExpectQuery(`SELECT doc FROM entities WHERE entity_type = \? AND id IN \(\?,\?\)`).
		WithArgs("indicators", "i1", "i2").
		WillReturnRows(rows)

	entities, err := adapter.FetchByIDs(context.Background(), "indicators", []string{"i1", "i2"})
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "i1", entities[0].ID())
	assert.NoError(t, mock.ExpectationsWereMet())
}
