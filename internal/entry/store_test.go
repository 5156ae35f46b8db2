package entry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/savantaudio/internal/infrastructure/database"
	_ "github.com/nerrad567/savantaudio/migrations"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.OpenMigrated(context.Background(), database.Config{Path: database.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	return db
}

func testEntry(id, uniqueID, host string) *ConfigEntry {
	return &ConfigEntry{
		ID:       id,
		Domain:   Domain,
		Title:    EntryTitle,
		UniqueID: uniqueID,
		Source:   OriginUser,
		Data:     Data{Host: host, Port: DefaultPort, Name: DefaultName},
	}
}

func TestSQLiteStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteStore(openTestDB(t).DB)

	e := testEntry("e1", "SN1", "10.0.0.1")
	e.Options = Options{
		Sources: map[int]Source{1: {Name: "CD", Enabled: true}},
		Zones:   map[string]Zone{"z1": {Number: 1, Name: "Living Room", Enabled: true, Default: intPtr(1)}},
	}
	require.NoError(t, store.Create(ctx, e))
	assert.ErrorIs(t, store.Create(ctx, testEntry("e1", "", "x")), ErrEntryExists)
	assert.ErrorIs(t, store.Create(ctx, testEntry("e2", "SN1", "x")), ErrEntryExists)

	got, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, e.Data, got.Data)
	assert.Equal(t, "Living Room", got.Options.Zones["z1"].Name)
	assert.Equal(t, 1, *got.Options.Zones["z1"].Default)
	assert.Equal(t, StateNotLoaded, got.State)

	byUID, err := store.FindByUniqueID(ctx, Domain, "SN1")
	require.NoError(t, err)
	assert.Equal(t, "e1", byUID.ID)

	got.Data.Host = "10.0.0.9"
	require.NoError(t, store.Update(ctx, got))
	again, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", again.Data.Host)

	require.NoError(t, store.Create(ctx, testEntry("e3", "", "10.0.0.3")))
	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, store.Delete(ctx, "e1"))
	assert.ErrorIs(t, store.Delete(ctx, "e1"), ErrEntryNotFound)
	_, err = store.Get(ctx, "e1")
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.ErrorIs(t, store.Update(ctx, got), ErrEntryNotFound)
}
