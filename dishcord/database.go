package dishcord

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	columnUserID   = "user_id"
	columnPosition = "position"
)

var (
	dbOperationTimeout = 30 * time.Second
	dbCreateBatchSize  = 100
)

// ModelUnixTime is an embeddable model with millisecond Unix timestamps
// for creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// PreferencesRecord is the database representation of a user's Preferences
//
//nolint:lll // struct tags can't be split
type PreferencesRecord struct {
	UserID           string                      `gorm:"primaryKey" json:"user_id"`
	Flavor           string                      `json:"flavor"`
	FavoriteDish     string                      `json:"favorite_dish"`
	Diet             string                      `json:"diet"`
	FavoriteCuisines datatypes.JSONSlice[string] `json:"favorite_cuisines"`
	Allergens        datatypes.JSONSlice[string] `json:"allergens"`
	ModelUnixTime
}

func (PreferencesRecord) TableName() string {
	return "user_preferences"
}

func (r PreferencesRecord) Preferences() Preferences {
	return Preferences{
		Flavor:           r.Flavor,
		FavoriteDish:     r.FavoriteDish,
		Diet:             r.Diet,
		FavoriteCuisines: []string(r.FavoriteCuisines),
		Allergens:        []string(r.Allergens),
	}
}

// FavoriteRecord is the database representation of a Favorite. Position
// preserves the order favorites were saved in.
type FavoriteRecord struct {
	ModelUintID
	UserID   string                      `gorm:"index:idx_favorite_user_title,unique;not null" json:"user_id"`
	Title    string                      `gorm:"index:idx_favorite_user_title,unique;not null" json:"title"`
	Position int                         `gorm:"not null" json:"position"`
	Body     string                      `json:"body"`
	Tags     datatypes.JSONSlice[string] `json:"tags"`
	SavedAt  time.Time                   `json:"saved_at"`
}

func (FavoriteRecord) TableName() string {
	return "favorites"
}

func (r FavoriteRecord) Favorite() Favorite {
	return Favorite{
		Title:   r.Title,
		Body:    r.Body,
		Tags:    []string(r.Tags),
		SavedAt: r.SavedAt.UTC(),
	}
}

// LastGeneratedRecord holds the last generated response for a user
type LastGeneratedRecord struct {
	UserID   string `gorm:"primaryKey" json:"user_id"`
	Query    string `json:"query"`
	Response string `json:"response"`
	ModelUnixTime
}

func (LastGeneratedRecord) TableName() string {
	return "last_generated"
}

// CompletionLog records a single chat completion request and its outcome
type CompletionLog struct {
	ModelUintID
	ModelUnixTime

	UserID         string `json:"user_id" gorm:"index"`
	Command        string `json:"command"`
	Model          string `json:"model"`
	RequestStarted int64  `json:"request_started"`
	RequestEnded   int64  `json:"request_ended"`
	Prompt         string `json:"prompt"`
	Response       string `json:"response"`
	StatusCode     int    `json:"status_code"`
	Cached         bool   `json:"cached"`
	Error          string `json:"error"`
}

func (CompletionLog) TableName() string {
	return "completion_log"
}

// database wraps a gorm connection, applying a default timeout to each
// operation and serializing writes. SQLite only allows one writer at a
// time, so concurrent writes are only enabled for postgres.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

func newDatabase(db *gorm.DB, logger *slog.Logger, enableConcurrentWrites bool) *database {
	if logger == nil {
		logger = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 logger.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

func withDBTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	defer d.lock()()
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

// CreateDB connects to the given database and migrates all models
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	if handler == nil {
		handler = newLogHandler(slog.LevelWarn)
	}
	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	err = db.WithContext(ctx).AutoMigrate(
		&PreferencesRecord{},
		&FavoriteRecord{},
		&LastGeneratedRecord{},
		&InteractionLog{},
		&CompletionLog{},
	)
	if err != nil {
		return db, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: logger for database operations
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
