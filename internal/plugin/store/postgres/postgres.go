package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vltx-lol/vltx/internal/config"
	"github.com/vltx-lol/vltx/internal/dbconn"
	"github.com/vltx-lol/vltx/internal/model"
	registrymigrate "github.com/vltx-lol/vltx/internal/registry/migrate"
	registrystore "github.com/vltx-lol/vltx/internal/registry/store"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.ProfileStore, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.DBURL == "" {
				return nil, fmt.Errorf("postgres store: VLTX_DB_URL is required")
			}
			return New(NewConns(cfg)), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Kind: "postgres", Migrator: &postgresMigrator{}})
}

// Conns is the connection manager for a PostgreSQL database.
type Conns = dbconn.Manager[*gorm.DB]

// Dialer opens gorm handles for a dbconn.Manager.
type Dialer struct {
	URL          string
	MaxOpenConns int
}

func (d Dialer) Dial(_ context.Context) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(d.URL), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		DisableAutomaticPing:   true,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	if d.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(d.MaxOpenConns)
		sqlDB.SetMaxIdleConns(d.MaxOpenConns)
	}
	return db, nil
}

func (d Dialer) Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (d Dialer) Close(_ context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NewConns creates a lazily-connecting manager for cfg.DBURL.
func NewConns(cfg *config.Config) *Conns {
	return dbconn.New[*gorm.DB](Dialer{URL: cfg.DBURL, MaxOpenConns: cfg.DBMaxOpenConns}, dbconn.Options{
		Name:           "postgres",
		ConnectTimeout: cfg.DBConnectTimeout,
		ProbeTimeout:   cfg.DBProbeTimeout,
	})
}

// PostgresStore implements ProfileStore using GORM + PostgreSQL.
type PostgresStore struct {
	conns *Conns
}

// New creates a store over the given connection manager.
func New(conns *Conns) *PostgresStore {
	return &PostgresStore{conns: conns}
}

func (s *PostgresStore) db(ctx context.Context) (*gorm.DB, error) {
	db, err := s.conns.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return db.WithContext(ctx), nil
}

type profileRow struct {
	Handle string    `gorm:"column:handle;primaryKey"`
	ID     uuid.UUID `gorm:"column:id;type:uuid"`
	Fields []byte    `gorm:"column:fields;type:jsonb"`
	// Named Stamp so gorm does not treat it as an auto-managed timestamp.
	Stamp int64 `gorm:"column:updated_at"`
}

func (profileRow) TableName() string { return "profiles" }

type counterRow struct {
	Handle string `gorm:"column:handle;primaryKey"`
	Views  int64  `gorm:"column:views"`
	Clicks int64  `gorm:"column:clicks"`
}

func (counterRow) TableName() string { return "counters" }

func (s *PostgresStore) UpsertProfile(ctx context.Context, handle string, fields map[string]any, updatedAt int64) error {
	db, err := s.db(ctx)
	if err != nil {
		return err
	}
	clean := make(map[string]any, len(fields))
	for k, v := range fields {
		if !model.IsSystemField(k) {
			clean[k] = v
		}
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return &registrystore.ValidationError{Code: registrystore.CodeInvalidPayload, Field: "data", Message: err.Error()}
	}
	err = db.Exec(`
		INSERT INTO profiles (handle, id, fields, updated_at)
		VALUES (?, ?, ?::jsonb, ?)
		ON CONFLICT (handle) DO UPDATE
		SET fields = EXCLUDED.fields, updated_at = EXCLUDED.updated_at`,
		handle, uuid.New(), string(data), updatedAt,
	).Error
	if err != nil {
		return storeErr("upsert_profile", err)
	}
	return nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, handle string) (*model.Profile, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	var row profileRow
	err = db.Where("handle = ?", handle).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "profile", ID: handle}
	}
	if err != nil {
		return nil, storeErr("get_profile", err)
	}
	fields := map[string]any{}
	if len(row.Fields) > 0 {
		if err := json.Unmarshal(row.Fields, &fields); err != nil {
			return nil, storeErr("get_profile", fmt.Errorf("decode fields: %w", err))
		}
	}
	return &model.Profile{ID: row.ID.String(), Handle: row.Handle, UpdatedAt: row.Stamp, Fields: fields}, nil
}

func (s *PostgresStore) EnsureCounter(ctx context.Context, handle string) error {
	db, err := s.db(ctx)
	if err != nil {
		return err
	}
	err = db.Exec(`INSERT INTO counters (handle) VALUES (?) ON CONFLICT (handle) DO NOTHING`, handle).Error
	if err != nil {
		return storeErr("ensure_counter", err)
	}
	return nil
}

// counterColumn maps a field to its column; never interpolate caller input.
func counterColumn(field model.CounterField) (string, error) {
	switch field {
	case model.CounterViews:
		return "views", nil
	case model.CounterClicks:
		return "clicks", nil
	default:
		return "", fmt.Errorf("unknown counter field %q", field)
	}
}

func (s *PostgresStore) IncrementCounter(ctx context.Context, handle string, field model.CounterField, upsert bool) (int64, error) {
	col, err := counterColumn(field)
	if err != nil {
		return 0, &registrystore.StoreError{Op: "increment", Err: err}
	}
	db, err := s.db(ctx)
	if err != nil {
		return 0, err
	}
	op := "increment_" + col

	var values []int64
	if upsert {
		err = db.Raw(fmt.Sprintf(`
			INSERT INTO counters (handle, %[1]s) VALUES (?, 1)
			ON CONFLICT (handle) DO UPDATE SET %[1]s = counters.%[1]s + 1
			RETURNING %[1]s`, col), handle).Scan(&values).Error
	} else {
		err = db.Raw(fmt.Sprintf(`
			UPDATE counters SET %[1]s = %[1]s + 1 WHERE handle = ?
			RETURNING %[1]s`, col), handle).Scan(&values).Error
	}
	if err != nil {
		return 0, storeErr(op, err)
	}
	if len(values) == 0 {
		return 0, &registrystore.StoreError{Op: op, Err: fmt.Errorf("counter for %s does not exist", handle)}
	}
	return values[0], nil
}

func (s *PostgresStore) GetCounter(ctx context.Context, handle string) (*model.Counter, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	var row counterRow
	err = db.Where("handle = ?", handle).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get_counter", err)
	}
	return &model.Counter{Handle: row.Handle, Views: row.Views, Clicks: row.Clicks}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.conns.Acquire(ctx)
	return err
}

func (s *PostgresStore) Connected() bool {
	return s.conns.State() == dbconn.StateConnected
}

func (s *PostgresStore) Close(ctx context.Context) error {
	return s.conns.Close(ctx)
}

func storeErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &registrystore.ConflictError{Message: pgErr.Message, Err: err}
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return &registrystore.UnavailableError{Err: fmt.Errorf("%s: %w", op, err)}
	}
	return &registrystore.StoreError{Op: op, Err: err}
}

var _ registrystore.ProfileStore = (*PostgresStore)(nil)
