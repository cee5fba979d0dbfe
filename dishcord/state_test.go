package dishcord

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

type memoryPersister struct {
	mu      sync.Mutex
	saved   []Snapshot
	loaded  Snapshot
	loadErr error
	saveErr error
}

func (m *memoryPersister) Load(_ context.Context) (Snapshot, error) {
	return m.loaded, m.loadErr
}

func (m *memoryPersister) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, snap)
	return nil
}

func (m *memoryPersister) last(t testing.TB) Snapshot {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.saved, "expected at least one save")
	return m.saved[len(m.saved)-1]
}

func (m *memoryPersister) saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func newTestStore(t testing.TB) (*Store, *memoryPersister) {
	t.Helper()
	p := &memoryPersister{}
	s := NewStore(p, newNamedLogger(slogTestLevel(), "store"))
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	return s, p
}

func TestStore_Preferences(t *testing.T) {
	ctx := context.Background()
	s, p := newTestStore(t)

	_, found := s.GetPreferences("u1")
	assert.False(t, found)

	want := Preferences{Flavor: "sweet", FavoriteDish: "pasta", Diet: "vegan"}
	stored := s.SetPreferences(ctx, "u1", want)
	assert.Equal(t, want, stored)

	got, found := s.GetPreferences("u1")
	require.True(t, found)
	assert.Equal(t, want, got)
	assert.Equal(t, want, p.last(t).Preferences["u1"])

	t.Run(
		"replace, not merge", func(t *testing.T) {
			second := Preferences{Flavor: "spicy"}
			s.SetPreferences(ctx, "u1", second)
			got, found := s.GetPreferences("u1")
			require.True(t, found)
			assert.Equal(t, second, got)
			assert.Empty(t, got.FavoriteDish)
			assert.Empty(t, got.Diet)
		},
	)

	t.Run(
		"clear", func(t *testing.T) {
			assert.True(t, s.ClearPreferences(ctx, "u1"))
			_, found := s.GetPreferences("u1")
			assert.False(t, found)
			assert.NotContains(t, p.last(t).Preferences, "u1")

			saves := p.saves()
			assert.False(t, s.ClearPreferences(ctx, "u1"))
			assert.Equal(t, saves, p.saves(), "no-op clear should not persist")
		},
	)
}

func TestStore_PreferencesNormalized(t *testing.T) {
	s, _ := newTestStore(t)
	stored := s.SetPreferences(
		context.Background(), "u1", Preferences{
			Flavor:           "  umami ",
			FavoriteCuisines: []string{"Thai", " ", "Mexican", "Thai"},
			Allergens:        []string{"Peanuts", "shellfish", "peanuts ", ""},
		},
	)
	assert.Equal(t, "umami", stored.Flavor)
	assert.Equal(t, []string{"Thai", "Mexican", "Thai"}, stored.FavoriteCuisines)
	assert.Equal(t, []string{"peanuts", "shellfish"}, stored.Allergens)

	// returned values are copies
	stored.Allergens[0] = "changed"
	got, _ := s.GetPreferences("u1")
	assert.Equal(t, []string{"peanuts", "shellfish"}, got.Allergens)
}

func TestStore_SaveFavorite_NothingToSave(t *testing.T) {
	ctx := context.Background()
	s, p := newTestStore(t)

	_, err := s.PutFavorite(ctx, "u1", "Tomato Soup", "soup")
	require.NoError(t, err)
	before := s.ListFavorites("u1")
	saves := p.saves()

	_, err = s.SaveFavorite(ctx, "u1", "Pancakes")
	assert.ErrorIs(t, err, ErrNothingToSave)
	assert.Equal(t, before, s.ListFavorites("u1"))
	assert.Equal(t, saves, p.saves())

	_, err = s.SaveFavorite(ctx, "u2", "")
	assert.ErrorIs(t, err, ErrNothingToSave)
	assert.Empty(t, s.ListFavorites("u2"))
}

func TestStore_SaveFavorite(t *testing.T) {
	ctx := context.Background()
	s, p := newTestStore(t)

	s.SetLastGenerated(ctx, "u1", "eggs, spinach", "Make an omelette.")
	g, ok := s.LastGenerated("u1")
	require.True(t, ok)
	assert.Equal(t, Generated{Query: "eggs, spinach", Response: "Make an omelette."}, g)

	fav, err := s.SaveFavorite(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "eggs, spinach", fav.Title, "empty title should use the query")
	assert.Equal(t, "Make an omelette.", fav.Body)

	fav, err = s.SaveFavorite(ctx, "u1", "Omelette")
	require.NoError(t, err)
	assert.Equal(t, "Omelette", fav.Title)

	titles := favoriteTitles(s.ListFavorites("u1"))
	assert.Equal(t, []string{"eggs, spinach", "Omelette"}, titles)
	assert.Len(t, p.last(t).Favorites["u1"], 2)
	assert.Equal(t, "Make an omelette.", p.last(t).LastMessage["u1"])

	t.Run(
		"overwrite keeps position and tags", func(t *testing.T) {
			_, err := s.TagFavorite(ctx, "u1", "eggs, spinach", "Breakfast")
			require.NoError(t, err)

			s.SetLastGenerated(ctx, "u1", "eggs", "Make a frittata.")
			fav, err := s.SaveFavorite(ctx, "u1", "eggs, spinach")
			require.NoError(t, err)
			assert.Equal(t, "Make a frittata.", fav.Body)
			assert.Equal(t, []string{"breakfast"}, fav.Tags)

			favs := s.ListFavorites("u1")
			require.Len(t, favs, 2)
			assert.Equal(t, "eggs, spinach", favs[0].Title)
			assert.Equal(t, "Make a frittata.", favs[0].Body)
		},
	)
}

func TestStore_RemoveFavorite(t *testing.T) {
	ctx := context.Background()
	s, p := newTestStore(t)

	_, err := s.PutFavorite(ctx, "u1", "Pancakes", "flour, eggs, milk")
	require.NoError(t, err)
	before := s.ListFavorites("u1")
	saves := p.saves()

	err = s.RemoveFavorite(ctx, "u1", "Tomato Soup")
	assert.ErrorIs(t, err, ErrFavoriteNotFound)
	assert.Equal(t, before, s.ListFavorites("u1"))
	assert.Equal(t, saves, p.saves())

	require.NoError(t, s.RemoveFavorite(ctx, "u1", "Pancakes"))
	assert.Empty(t, s.ListFavorites("u1"))
	assert.NotContains(t, p.last(t).Favorites, "u1")
	assert.NotContains(t, s.Users(), "u1")
}

func TestStore_RenameFavorite(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for _, title := range []string{"a", "b", "c"} {
		_, err := s.PutFavorite(ctx, "u1", title, title+" body")
		require.NoError(t, err)
	}

	fav, err := s.RenameFavorite(ctx, "u1", "b", "bee")
	require.NoError(t, err)
	assert.Equal(t, "bee", fav.Title)
	assert.Equal(t, "b body", fav.Body)
	assert.Equal(t, []string{"a", "bee", "c"}, favoriteTitles(s.ListFavorites("u1")))

	_, err = s.RenameFavorite(ctx, "u1", "a", "c")
	assert.ErrorIs(t, err, ErrFavoriteExists)

	_, err = s.RenameFavorite(ctx, "u1", "zzz", "y")
	assert.ErrorIs(t, err, ErrFavoriteNotFound)

	_, err = s.RenameFavorite(ctx, "u1", "a", "  ")
	assert.ErrorIs(t, err, ErrEmptyTitle)

	// renaming to its own title is a no-op
	_, err = s.RenameFavorite(ctx, "u1", "a", "a")
	assert.NoError(t, err)
}

func TestStore_TagFavorite(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.PutFavorite(ctx, "u1", "Curry", "...")
	require.NoError(t, err)
	_, err = s.PutFavorite(ctx, "u1", "Salad", "...")
	require.NoError(t, err)

	fav, err := s.TagFavorite(ctx, "u1", "Curry", "Dinner", "spicy", "dinner")
	require.NoError(t, err)
	assert.Equal(t, []string{"dinner", "spicy"}, fav.Tags)

	fav, err = s.TagFavorite(ctx, "u1", "Curry", "SPICY", "vegan")
	require.NoError(t, err)
	assert.Equal(t, []string{"dinner", "spicy", "vegan"}, fav.Tags)

	_, err = s.TagFavorite(ctx, "u1", "Soup", "x")
	assert.ErrorIs(t, err, ErrFavoriteNotFound)

	tagged := s.FavoritesWithTag("u1", "Dinner")
	require.Len(t, tagged, 1)
	assert.Equal(t, "Curry", tagged[0].Title)
	assert.Empty(t, s.FavoritesWithTag("u1", "dessert"))
}

func TestStore_FindFavorite(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for _, title := range []string{"Tomato Soup", "Chicken Tikka Masala", "tomato soup with basil"} {
		_, err := s.PutFavorite(ctx, "u1", title, title)
		require.NoError(t, err)
	}

	testCases := []struct {
		query    string
		expected string
		found    bool
	}{
		{query: "Tomato Soup", expected: "Tomato Soup", found: true},
		{query: "TOMATO SOUP", expected: "Tomato Soup", found: true},
		{query: "tikka", expected: "Chicken Tikka Masala", found: true},
		{query: "basil", expected: "tomato soup with basil", found: true},
		{query: "lasagna", found: false},
		{query: "", found: false},
	}
	for _, tc := range testCases {
		t.Run(
			tc.query, func(t *testing.T) {
				fav, found := s.FindFavorite("u1", tc.query)
				assert.Equal(t, tc.found, found)
				if tc.found {
					assert.Equal(t, tc.expected, fav.Title)
				}
			},
		)
	}

	_, found := s.FindFavorite("nobody", "Tomato Soup")
	assert.False(t, found)
}

func TestStore_PersistErrors(t *testing.T) {
	ctx := context.Background()
	p := &memoryPersister{saveErr: errors.New("disk full")}
	s := NewStore(p, newNamedLogger(slogTestLevel(), "store"))

	s.SetPreferences(ctx, "u1", Preferences{Flavor: "salty"})
	s.SetLastGenerated(ctx, "u1", "q", "r")

	assert.Equal(t, int64(2), s.PersistErrors())
	prefs, found := s.GetPreferences("u1")
	require.True(t, found, "state should be kept in memory when saving fails")
	assert.Equal(t, "salty", prefs.Flavor)
}

func TestStore_Load(t *testing.T) {
	snap := NewSnapshot()
	snap.Preferences["u1"] = Preferences{Flavor: "sour"}
	snap.Favorites["u1"] = []Favorite{{Title: "Lemon Tart", Body: "..."}}
	snap.LastQuery["u1"] = "lemons"
	snap.LastMessage["u1"] = "Make a lemon tart."

	p := &memoryPersister{loaded: snap}
	s := NewStore(p, nil)
	require.NoError(t, s.Load(context.Background()))

	assert.Equal(t, snap, s.Snapshot())
	assert.Equal(t, []string{"u1"}, s.Users())
	g, ok := s.LastGenerated("u1")
	require.True(t, ok)
	assert.Equal(t, "lemons", g.Query)

	p.loadErr = errors.New("corrupt")
	assert.Error(t, s.Load(context.Background()))
	assert.Equal(t, snap, s.Snapshot(), "failed load should keep existing state")
}

func TestRecoverState_MemoryOnly(t *testing.T) {
	ctx := context.Background()
	p := &memoryPersister{loadErr: errors.New("connection refused")}

	s := recoverState(ctx, p, newNamedLogger(slogTestLevel(), "store"), p.loadErr)
	require.NotNil(t, s)
	assert.Equal(t, int64(1), s.PersistErrors())
	assert.Empty(t, s.Users())

	s.SetPreferences(ctx, "u1", Preferences{Flavor: "bitter"})
	prefs, ok := s.GetPreferences("u1")
	require.True(t, ok)
	assert.Equal(t, "bitter", prefs.Flavor)
	assert.Zero(t, p.saves(), "state that failed to load shouldn't be overwritten")
}

func TestStore_Concurrent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			userID := string(rune('a' + n))
			s.SetLastGenerated(ctx, userID, "q", "r")
			_, err := s.SaveFavorite(ctx, userID, "fav")
			assert.NoError(t, err)
			s.SetPreferences(ctx, userID, Preferences{Flavor: "sweet"})
			_ = s.ListFavorites(userID)
			_ = s.Snapshot()
		}(i)
	}
	wg.Wait()
	assert.Len(t, s.Users(), 20)
}

func favoriteTitles(favs []Favorite) []string {
	titles := make([]string, len(favs))
	for i, f := range favs {
		titles[i] = f.Title
	}
	return titles
}
