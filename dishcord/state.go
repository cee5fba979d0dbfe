package dishcord

import (
	"cmp"
	"context"
	"errors"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/lmittmann/tint"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNothingToSave is returned when saving a favorite for a user
	// who hasn't generated anything yet
	ErrNothingToSave = errors.New("nothing to save")

	// ErrFavoriteNotFound is returned when a title doesn't match any of
	// the user's favorites
	ErrFavoriteNotFound = errors.New("favorite not found")

	// ErrFavoriteExists is returned when renaming a favorite to a title
	// that's already in use
	ErrFavoriteExists = errors.New("favorite already exists")

	// ErrNoFavorites is returned when a user has no saved favorites
	ErrNoFavorites = errors.New("no favorites")

	// ErrEmptyTitle is returned when a favorite would be saved without a title
	ErrEmptyTitle = errors.New("title is required")
)

// Preferences are a user's food preferences, interpolated into prompts.
// Setting preferences replaces the previous record entirely.
type Preferences struct {
	Flavor           string   `json:"flavor"`
	FavoriteDish     string   `json:"favorite_dish"`
	Diet             string   `json:"diet"`
	FavoriteCuisines []string `json:"favorite_cuisines,omitempty"`

	// Allergens is a set: entries are lower-cased, de-duplicated and sorted
	Allergens []string `json:"allergens,omitempty"`
}

// IsZero reports whether no preference is set
func (p Preferences) IsZero() bool {
	return p.Flavor == "" &&
		p.FavoriteDish == "" &&
		p.Diet == "" &&
		len(p.FavoriteCuisines) == 0 &&
		len(p.Allergens) == 0
}

func (p Preferences) normalize() Preferences {
	rv := Preferences{
		Flavor:       strings.TrimSpace(p.Flavor),
		FavoriteDish: strings.TrimSpace(p.FavoriteDish),
		Diet:         strings.TrimSpace(p.Diet),
	}
	for _, c := range p.FavoriteCuisines {
		if c = strings.TrimSpace(c); c != "" {
			rv.FavoriteCuisines = append(rv.FavoriteCuisines, c)
		}
	}
	rv.Allergens = normalizeSet(p.Allergens)
	slices.Sort(rv.Allergens)
	return rv
}

func (p Preferences) clone() Preferences {
	p.FavoriteCuisines = slices.Clone(p.FavoriteCuisines)
	p.Allergens = slices.Clone(p.Allergens)
	return p
}

// Favorite is a saved response, keyed by title. Titles are unique per user.
type Favorite struct {
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Tags    []string  `json:"tags,omitempty"`
	SavedAt time.Time `json:"saved_at"`
}

func (f Favorite) clone() Favorite {
	f.Tags = slices.Clone(f.Tags)
	return f
}

// HasTag reports whether the favorite has the given tag (case-insensitive)
func (f Favorite) HasTag(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	return slices.Contains(f.Tags, tag)
}

// Generated is the most recent successful generation for a user: the
// query (or title) it was generated for, and the response text.
type Generated struct {
	Query    string `json:"query"`
	Response string `json:"response"`
}

// Snapshot is a full copy of the Store's state, in the layout used by
// the JSON state file.
type Snapshot struct {
	Preferences map[string]Preferences `json:"preferences"`
	Favorites   map[string][]Favorite  `json:"favorites"`
	LastQuery   map[string]string      `json:"last_query"`
	LastMessage map[string]string      `json:"last_message"`
}

// NewSnapshot returns an empty Snapshot with all maps initialized
func NewSnapshot() Snapshot {
	return Snapshot{
		Preferences: map[string]Preferences{},
		Favorites:   map[string][]Favorite{},
		LastQuery:   map[string]string{},
		LastMessage: map[string]string{},
	}
}

// Store holds user preferences, favorites and the last generated response
// per user. Every mutation rewrites the full state through the Persister.
// Persistence failures are logged and counted, but never returned: the
// in-memory state stays authoritative.
type Store struct {
	mu          sync.RWMutex
	preferences map[string]Preferences
	favorites   map[string][]Favorite
	generated   map[string]Generated

	persister     Persister
	persistErrors atomic.Int64
	logger        *slog.Logger
	now           func() time.Time
}

// NewStore returns an empty Store. If persister is nil, state is kept
// in memory only.
func NewStore(persister Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		preferences: map[string]Preferences{},
		favorites:   map[string][]Favorite{},
		generated:   map[string]Generated{},
		persister:   persister,
		logger:      logger,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Load replaces the store's state with the persister's
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	snap, err := s.persister.Load(ctx)
	if err != nil {
		return err
	}
	s.Restore(snap)
	s.logger.InfoContext(
		ctx,
		"loaded state",
		"preferences", len(snap.Preferences),
		"favorites", len(snap.Favorites),
		"last_generated", len(snap.LastMessage),
	)
	return nil
}

// PersistErrors returns the number of failed writes since the store was created
func (s *Store) PersistErrors() int64 {
	return s.persistErrors.Load()
}

// persistLocked writes the current state through the persister. Callers
// must hold the write lock, so snapshots are written in mutation order.
func (s *Store) persistLocked(ctx context.Context) {
	if s.persister == nil {
		return
	}
	if err := s.persister.Save(ctx, s.snapshotLocked()); err != nil {
		s.persistErrors.Add(1)
		contextLoggerOr(ctx, s.logger).ErrorContext(
			ctx,
			"error saving state",
			tint.Err(err),
		)
	}
}

// SetPreferences replaces the user's preferences and returns the record
// as stored.
func (s *Store) SetPreferences(
	ctx context.Context,
	userID string,
	prefs Preferences,
) Preferences {
	prefs = prefs.normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.preferences[userID] = prefs
	s.persistLocked(ctx)
	return prefs.clone()
}

// GetPreferences returns the user's preferences, and false if none are
// set. A missing record should be treated as empty preferences.
func (s *Store) GetPreferences(userID string) (Preferences, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefs, ok := s.preferences[userID]
	return prefs.clone(), ok
}

// ClearPreferences deletes the user's preferences, returning false if
// there were none.
func (s *Store) ClearPreferences(ctx context.Context, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.preferences[userID]; !ok {
		return false
	}
	delete(s.preferences, userID)
	s.persistLocked(ctx)
	return true
}

// SetLastGenerated overwrites the user's last generated response
func (s *Store) SetLastGenerated(
	ctx context.Context,
	userID string,
	query string,
	response string,
) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generated[userID] = Generated{Query: query, Response: response}
	s.persistLocked(ctx)
}

// LastGenerated returns the user's last generated response, if any
func (s *Store) LastGenerated(userID string) (Generated, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.generated[userID]
	return g, ok
}

// SaveFavorite saves the user's last generated response as a favorite.
// If title is empty, the query it was generated for is used.
// Returns ErrNothingToSave, without modifying favorites, if the user
// hasn't generated anything.
func (s *Store) SaveFavorite(
	ctx context.Context,
	userID string,
	title string,
) (Favorite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.generated[userID]
	if !ok {
		return Favorite{}, ErrNothingToSave
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = strings.TrimSpace(g.Query)
	}
	if title == "" {
		return Favorite{}, ErrEmptyTitle
	}

	fav := s.putLocked(userID, title, g.Response)
	s.persistLocked(ctx)
	return fav, nil
}

// PutFavorite inserts a favorite, or overwrites the body of an existing
// favorite with the same title. Overwritten favorites keep their
// position and tags.
func (s *Store) PutFavorite(
	ctx context.Context,
	userID string,
	title string,
	body string,
) (Favorite, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Favorite{}, ErrEmptyTitle
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fav := s.putLocked(userID, title, body)
	s.persistLocked(ctx)
	return fav, nil
}

func (s *Store) putLocked(userID, title, body string) Favorite {
	favs := s.favorites[userID]
	if idx := indexOfTitle(favs, title); idx >= 0 {
		favs[idx].Body = body
		favs[idx].SavedAt = s.now()
		return favs[idx].clone()
	}
	fav := Favorite{Title: title, Body: body, SavedAt: s.now()}
	s.favorites[userID] = append(favs, fav)
	return fav.clone()
}

// RemoveFavorite deletes the favorite with the given title. Returns
// ErrFavoriteNotFound, and leaves favorites unchanged, if there is none.
func (s *Store) RemoveFavorite(
	ctx context.Context,
	userID string,
	title string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	favs := s.favorites[userID]
	idx := indexOfTitle(favs, title)
	if idx < 0 {
		return ErrFavoriteNotFound
	}
	favs = slices.Delete(slices.Clone(favs), idx, idx+1)
	if len(favs) == 0 {
		delete(s.favorites, userID)
	} else {
		s.favorites[userID] = favs
	}
	s.persistLocked(ctx)
	return nil
}

// RenameFavorite changes the title of a favorite, keeping its position.
func (s *Store) RenameFavorite(
	ctx context.Context,
	userID string,
	title string,
	newTitle string,
) (Favorite, error) {
	newTitle = strings.TrimSpace(newTitle)
	if newTitle == "" {
		return Favorite{}, ErrEmptyTitle
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	favs := s.favorites[userID]
	idx := indexOfTitle(favs, title)
	if idx < 0 {
		return Favorite{}, ErrFavoriteNotFound
	}
	if existing := indexOfTitle(favs, newTitle); existing >= 0 && existing != idx {
		return Favorite{}, ErrFavoriteExists
	}
	favs[idx].Title = newTitle
	s.persistLocked(ctx)
	return favs[idx].clone(), nil
}

// TagFavorite adds tags to a favorite. Tags are lower-cased, and tags
// the favorite already has are ignored.
func (s *Store) TagFavorite(
	ctx context.Context,
	userID string,
	title string,
	tags ...string,
) (Favorite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	favs := s.favorites[userID]
	idx := indexOfTitle(favs, title)
	if idx < 0 {
		return Favorite{}, ErrFavoriteNotFound
	}
	combined := append(slices.Clone(favs[idx].Tags), tags...)
	favs[idx].Tags = normalizeSet(combined)
	s.persistLocked(ctx)
	return favs[idx].clone(), nil
}

// ListFavorites returns the user's favorites in the order they were saved
func (s *Store) ListFavorites(userID string) []Favorite {
	s.mu.RLock()
	defer s.mu.RUnlock()

	favs := s.favorites[userID]
	rv := make([]Favorite, 0, len(favs))
	for _, f := range favs {
		rv = append(rv, f.clone())
	}
	return rv
}

// FavoritesWithTag returns the user's favorites having the given tag,
// in the order they were saved
func (s *Store) FavoritesWithTag(userID string, tag string) []Favorite {
	var rv []Favorite
	for _, f := range s.ListFavorites(userID) {
		if f.HasTag(tag) {
			rv = append(rv, f)
		}
	}
	return rv
}

// FindFavorite looks up a favorite by title: an exact match first, then
// a case-insensitive match, then the closest fuzzy match.
func (s *Store) FindFavorite(userID string, query string) (Favorite, bool) {
	query = strings.TrimSpace(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	favs := s.favorites[userID]
	if len(favs) == 0 || query == "" {
		return Favorite{}, false
	}
	if idx := indexOfTitle(favs, query); idx >= 0 {
		return favs[idx].clone(), true
	}
	for _, f := range favs {
		if strings.EqualFold(f.Title, query) {
			return f.clone(), true
		}
	}

	titles := make([]string, len(favs))
	for i, f := range favs {
		titles[i] = f.Title
	}
	ranks := fuzzy.RankFindNormalizedFold(query, titles)
	if len(ranks) == 0 {
		return Favorite{}, false
	}
	// stable, so ties go to the earlier favorite
	sort.Stable(ranks)
	return favs[ranks[0].OriginalIndex].clone(), true
}

// Users returns the IDs of all users with any stored state, sorted
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]struct{}{}
	for id := range s.preferences {
		seen[id] = struct{}{}
	}
	for id := range s.favorites {
		seen[id] = struct{}{}
	}
	for id := range s.generated {
		seen[id] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Snapshot returns a deep copy of the store's state
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := NewSnapshot()
	for id, p := range s.preferences {
		snap.Preferences[id] = p.clone()
	}
	for id, favs := range s.favorites {
		c := make([]Favorite, len(favs))
		for i, f := range favs {
			c[i] = f.clone()
		}
		snap.Favorites[id] = c
	}
	for id, g := range s.generated {
		snap.LastQuery[id] = g.Query
		snap.LastMessage[id] = g.Response
	}
	return snap
}

// Restore replaces the store's state with a copy of snap. It does not
// persist anything.
func (s *Store) Restore(snap Snapshot) {
	preferences := make(map[string]Preferences, len(snap.Preferences))
	for id, p := range snap.Preferences {
		preferences[id] = p.clone()
	}

	favorites := make(map[string][]Favorite, len(snap.Favorites))
	for id, favs := range snap.Favorites {
		if len(favs) == 0 {
			continue
		}
		c := make([]Favorite, len(favs))
		for i, f := range favs {
			c[i] = f.clone()
		}
		favorites[id] = c
	}

	generated := make(map[string]Generated, len(snap.LastMessage))
	for id, msg := range snap.LastMessage {
		generated[id] = Generated{Query: snap.LastQuery[id], Response: msg}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences = preferences
	s.favorites = favorites
	s.generated = generated
}

func indexOfTitle(favs []Favorite, title string) int {
	title = strings.TrimSpace(title)
	return slices.IndexFunc(
		favs, func(f Favorite) bool {
			return f.Title == title
		},
	)
}

// normalizeSet trims and lower-cases values, dropping empty values and
// duplicates. The first occurrence's position is kept.
func normalizeSet(values []string) []string {
	var rv []string
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || slices.Contains(rv, v) {
			continue
		}
		rv = append(rv, v)
	}
	return rv
}

// sortedFavoriteTitles returns the user's favorite titles, alphabetically
func sortedFavoriteTitles(favs []Favorite) []string {
	titles := make([]string, len(favs))
	for i, f := range favs {
		titles[i] = f.Title
	}
	slices.SortFunc(titles, func(a, b string) int {
		return cmp.Compare(strings.ToLower(a), strings.ToLower(b))
	})
	return titles
}
