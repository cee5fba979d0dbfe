package dishcord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Persister loads and saves the full state of a Store. Save always
// receives the complete state, never a delta.
type Persister interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// quarantiner is implemented by persisters that can move unreadable
// state out of the way of later saves
type quarantiner interface {
	Quarantine() (string, error)
}

// JSONFilePersister keeps state in a single JSON document. Each save
// writes a temporary file next to the target and renames it into place,
// so a reader never sees a partial document.
type JSONFilePersister struct {
	Path string
}

func NewJSONFilePersister(path string) *JSONFilePersister {
	return &JSONFilePersister{Path: path}
}

// Load reads the state file. A missing file is an empty state.
func (p *JSONFilePersister) Load(_ context.Context) (Snapshot, error) {
	snap := NewSnapshot()
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return snap, nil
		}
		return snap, fmt.Errorf("error reading state file: %w", err)
	}
	if len(data) == 0 {
		return snap, nil
	}
	if err = json.Unmarshal(data, &snap); err != nil {
		return NewSnapshot(), fmt.Errorf("error parsing state file: %w", err)
	}
	fillSnapshot(&snap)
	return snap, nil
}

// Quarantine renames the state file to `<path>.corrupt-<unix time>`,
// returning the new path.
func (p *JSONFilePersister) Quarantine() (string, error) {
	moved := fmt.Sprintf("%s.corrupt-%d", p.Path, time.Now().Unix())
	if err := os.Rename(p.Path, moved); err != nil {
		return "", fmt.Errorf("error moving state file: %w", err)
	}
	return moved, nil
}

func (p *JSONFilePersister) Save(_ context.Context, snap Snapshot) error {
	fillSnapshot(&snap)
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding state: %w", err)
	}

	dir := filepath.Dir(p.Path)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(p.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("error creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("error writing state: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("error syncing state: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmpName, p.Path); err != nil {
		return fmt.Errorf("error replacing state file: %w", err)
	}
	return nil
}

// fillSnapshot replaces nil maps, so an encoded snapshot always has
// every top-level key
func fillSnapshot(snap *Snapshot) {
	if snap.Preferences == nil {
		snap.Preferences = map[string]Preferences{}
	}
	if snap.Favorites == nil {
		snap.Favorites = map[string][]Favorite{}
	}
	if snap.LastQuery == nil {
		snap.LastQuery = map[string]string{}
	}
	if snap.LastMessage == nil {
		snap.LastMessage = map[string]string{}
	}
}

// DatabasePersister keeps state in the user_preferences, favorites and
// last_generated tables. Each save replaces the contents of all three
// tables in one transaction.
type DatabasePersister struct {
	db *database
}

func NewDatabasePersister(db *database) *DatabasePersister {
	return &DatabasePersister{db: db}
}

func (p *DatabasePersister) Load(ctx context.Context) (Snapshot, error) {
	snap := NewSnapshot()
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()
	db := p.db.DB().WithContext(ctx)

	var prefs []PreferencesRecord
	if err := db.Find(&prefs).Error; err != nil {
		return snap, fmt.Errorf("error loading preferences: %w", err)
	}
	for _, r := range prefs {
		snap.Preferences[r.UserID] = r.Preferences()
	}

	var favs []FavoriteRecord
	if err := db.Order(columnUserID).Order(columnPosition).Find(&favs).Error; err != nil {
		return snap, fmt.Errorf("error loading favorites: %w", err)
	}
	for _, r := range favs {
		snap.Favorites[r.UserID] = append(snap.Favorites[r.UserID], r.Favorite())
	}

	var generated []LastGeneratedRecord
	if err := db.Find(&generated).Error; err != nil {
		return snap, fmt.Errorf("error loading last generated: %w", err)
	}
	for _, r := range generated {
		snap.LastQuery[r.UserID] = r.Query
		snap.LastMessage[r.UserID] = r.Response
	}
	return snap, nil
}

func (p *DatabasePersister) Save(ctx context.Context, snap Snapshot) error {
	prefs := make([]PreferencesRecord, 0, len(snap.Preferences))
	for _, userID := range sortedKeys(snap.Preferences) {
		pr := snap.Preferences[userID]
		prefs = append(
			prefs, PreferencesRecord{
				UserID:           userID,
				Flavor:           pr.Flavor,
				FavoriteDish:     pr.FavoriteDish,
				Diet:             pr.Diet,
				FavoriteCuisines: datatypes.NewJSONSlice(pr.FavoriteCuisines),
				Allergens:        datatypes.NewJSONSlice(pr.Allergens),
			},
		)
	}

	var favs []FavoriteRecord
	for _, userID := range sortedKeys(snap.Favorites) {
		for pos, f := range snap.Favorites[userID] {
			favs = append(
				favs, FavoriteRecord{
					UserID:   userID,
					Title:    f.Title,
					Position: pos,
					Body:     f.Body,
					Tags:     datatypes.NewJSONSlice(f.Tags),
					SavedAt:  f.SavedAt,
				},
			)
		}
	}

	generated := make([]LastGeneratedRecord, 0, len(snap.LastMessage))
	for _, userID := range sortedKeys(snap.LastMessage) {
		generated = append(
			generated, LastGeneratedRecord{
				UserID:   userID,
				Query:    snap.LastQuery[userID],
				Response: snap.LastMessage[userID],
			},
		)
	}

	return p.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			for _, model := range []any{
				&PreferencesRecord{},
				&FavoriteRecord{},
				&LastGeneratedRecord{},
			} {
				if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
					return err
				}
			}
			if len(prefs) > 0 {
				if err := tx.CreateInBatches(prefs, dbCreateBatchSize).Error; err != nil {
					return err
				}
			}
			if len(favs) > 0 {
				if err := tx.CreateInBatches(favs, dbCreateBatchSize).Error; err != nil {
					return err
				}
			}
			if len(generated) > 0 {
				if err := tx.CreateInBatches(generated, dbCreateBatchSize).Error; err != nil {
					return err
				}
			}
			return nil
		},
	)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
