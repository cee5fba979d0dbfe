package dishcord

import (
	"context"
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testSnapshot(t testing.TB) Snapshot {
	t.Helper()
	savedAt := time.Date(2024, 5, 4, 3, 2, 1, 0, time.UTC)
	snap := NewSnapshot()
	snap.Preferences["u1"] = Preferences{
		Flavor:           "sweet",
		FavoriteDish:     "pasta",
		Diet:             "vegan",
		FavoriteCuisines: []string{"Italian", "Thai"},
		Allergens:        []string{"peanuts"},
	}
	snap.Preferences["u2"] = Preferences{Flavor: "spicy"}
	snap.Favorites["u1"] = []Favorite{
		{Title: "Tomato Soup", Body: "Simmer tomatoes.", Tags: []string{"soup"}, SavedAt: savedAt},
		{Title: "Pancakes", Body: "Flour, eggs, milk.", SavedAt: savedAt.Add(time.Minute)},
	}
	snap.LastQuery["u1"] = "pancakes"
	snap.LastMessage["u1"] = "Flour, eggs, milk."
	return snap
}

func TestJSONFilePersister_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "dishcord.json")
	p := NewJSONFilePersister(path)

	empty, err := p.Load(ctx)
	require.NoError(t, err, "missing file should load as empty state")
	assert.Equal(t, NewSnapshot(), empty)

	snap := testSnapshot(t)
	require.NoError(t, p.Save(ctx, snap))

	loaded, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap, loaded)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files should not be left behind")
}

func TestJSONFilePersister_Layout(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dishcord.json")
	p := NewJSONFilePersister(path)
	require.NoError(t, p.Save(ctx, Snapshot{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, key := range []string{"preferences", "favorites", "last_query", "last_message"} {
		assert.Contains(t, doc, key)
		assert.JSONEq(t, "{}", string(doc[key]))
	}
}

func TestJSONFilePersister_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dishcord.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	p := NewJSONFilePersister(path)
	snap, err := p.Load(context.Background())
	assert.Error(t, err)
	assert.Equal(t, NewSnapshot(), snap)
}

func TestJSONFilePersister_Quarantine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dishcord.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	p := NewJSONFilePersister(path)
	moved, err := p.Quarantine()
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(moved))
	assert.Contains(t, filepath.Base(moved), "dishcord.json.corrupt-")

	data, err := os.ReadFile(moved)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = p.Quarantine()
	assert.Error(t, err, "nothing left to move")
}

func TestStore_JSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dishcord.json")

	s := NewStore(NewJSONFilePersister(path), newNamedLogger(slogTestLevel(), "store"))
	s.SetPreferences(ctx, "u1", Preferences{Flavor: "sweet", FavoriteDish: "pasta", Diet: "vegan"})
	s.SetLastGenerated(ctx, "u1", "tomato soup", "Simmer tomatoes.")
	_, err := s.SaveFavorite(ctx, "u1", "Tomato Soup")
	require.NoError(t, err)
	_, err = s.TagFavorite(ctx, "u1", "Tomato Soup", "soup")
	require.NoError(t, err)
	require.Zero(t, s.PersistErrors())

	reloaded := NewStore(NewJSONFilePersister(path), nil)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, s.Snapshot(), reloaded.Snapshot())
}

func TestDatabasePersister_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	p := NewDatabasePersister(newDatabase(db, nil, false))

	empty, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, NewSnapshot(), empty)

	snap := testSnapshot(t)
	require.NoError(t, p.Save(ctx, snap))

	loaded, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.Preferences, loaded.Preferences)
	assert.Equal(t, snap.LastQuery, loaded.LastQuery)
	assert.Equal(t, snap.LastMessage, loaded.LastMessage)

	require.Len(t, loaded.Favorites["u1"], 2)
	for i, want := range snap.Favorites["u1"] {
		got := loaded.Favorites["u1"][i]
		assert.Equal(t, want.Title, got.Title)
		assert.Equal(t, want.Body, got.Body)
		assert.Equal(t, want.Tags, got.Tags)
		assert.True(t, want.SavedAt.Equal(got.SavedAt), "saved_at: %s != %s", want.SavedAt, got.SavedAt)
	}

	t.Run(
		"save replaces everything", func(t *testing.T) {
			next := NewSnapshot()
			next.Preferences["u3"] = Preferences{Diet: "keto"}
			require.NoError(t, p.Save(ctx, next))

			loaded, err := p.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, next, loaded)

			var count int64
			require.NoError(t, db.Model(&FavoriteRecord{}).Count(&count).Error)
			assert.Zero(t, count)
		},
	)
}
