package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sessionpilot/internal/store"
	storemodel "sessionpilot/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type tradeModel = storemodel.TradeModel
type equityPointModel = storemodel.EquityPointModel
type sessionModel = storemodel.SessionModel

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Driver string
	// Path is the SQLite file; DSN is the Postgres connection string.
	Path string
	DSN  string
}

// GormStore implements store.Store on SQLite or Postgres.
type GormStore struct {
	db     *gorm.DB
	driver string
}

var _ store.Store = (*GormStore)(nil)

// Open connects and migrates.
func Open(cfg Config) (*GormStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var dialector gorm.Dialector
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			return nil, fmt.Errorf("gorm store: sqlite path 不能为空")
		}
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&cache=shared", path)
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dsn := strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			return nil, fmt.Errorf("gorm store: postgres dsn 不能为空")
		}
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("gorm store: unknown driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&tradeModel{}, &equityPointModel{}, &sessionModel{}); err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite + WAL: 少量并发读，写锁竞争保持很低
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &GormStore{db: db, driver: driver}, nil
}

func (s *GormStore) Driver() string { return s.driver }

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) AppendTrade(ctx context.Context, rec store.TradeRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	var meta datatypes.JSON
	if len(rec.Meta) > 0 {
		raw, err := json.Marshal(rec.Meta)
		if err != nil {
			return fmt.Errorf("encode trade meta: %w", err)
		}
		meta = datatypes.JSON(raw)
	}
	m := tradeModel{
		SessionID:    rec.SessionID,
		Symbol:       strings.ToUpper(strings.TrimSpace(rec.Symbol)),
		Direction:    rec.Direction,
		EntryPrice:   rec.EntryPrice,
		ExitPrice:    rec.ExitPrice,
		Quantity:     rec.Quantity,
		PnL:          rec.PnL,
		ExitReason:   rec.ExitReason,
		OpenedAtUnix: unixMilli(rec.OpenedAt),
		ClosedAtUnix: unixMilli(rec.ClosedAt),
		MetaJSON:     meta,
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *GormStore) AppendEquityPoint(ctx context.Context, rec store.EquityRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	m := equityPointModel{
		SessionID:   rec.SessionID,
		TsUnixMilli: unixMilli(rec.Timestamp),
		Equity:      rec.Equity,
		DrawdownPct: rec.DrawdownPct,
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

// SaveSession upserts by session id.
func (s *GormStore) SaveSession(ctx context.Context, rec store.SessionRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	m := sessionModel{
		ID:             rec.ID,
		Status:         rec.Status,
		StartedAtUnix:  unixMilli(rec.StartedAt),
		EndedAtUnix:    unixMilli(rec.EndedAt),
		InitialCapital: rec.InitialCapital,
		FinalEquity:    rec.FinalEquity,
	}
	if len(rec.Summary) > 0 {
		m.SummaryJSON = datatypes.JSON(rec.Summary)
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "ended_at", "final_equity", "summary_json", "updated_at",
			}),
		}).
		Create(&m).Error
}

func (s *GormStore) LoadSession(ctx context.Context, id string) (store.SessionRecord, bool, error) {
	if s == nil || s.db == nil {
		return store.SessionRecord{}, false, fmt.Errorf("gorm store 未初始化")
	}
	var models []sessionModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&models).Error; err != nil {
		return store.SessionRecord{}, false, err
	}
	if len(models) == 0 {
		return store.SessionRecord{}, false, nil
	}
	m := models[0]
	return store.SessionRecord{
		ID:             m.ID,
		Status:         m.Status,
		StartedAt:      fromUnixMilli(m.StartedAtUnix),
		EndedAt:        fromUnixMilli(m.EndedAtUnix),
		InitialCapital: m.InitialCapital,
		FinalEquity:    m.FinalEquity,
		Summary:        []byte(m.SummaryJSON),
	}, true, nil
}

// QueryTrades returns trades oldest first.
func (s *GormStore) QueryTrades(ctx context.Context, q store.TradeQuery) ([]store.TradeRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	tx := s.db.WithContext(ctx).Model(&tradeModel{}).Order("closed_at ASC").Order("id ASC")
	if q.SessionID != "" {
		tx = tx.Where("session_id = ?", q.SessionID)
	}
	if sym := strings.ToUpper(strings.TrimSpace(q.Symbol)); sym != "" {
		tx = tx.Where("symbol = ?", sym)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("closed_at >= ?", q.Since.UnixMilli())
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var models []tradeModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.TradeRecord, 0, len(models))
	for _, m := range models {
		rec := store.TradeRecord{
			SessionID:  m.SessionID,
			Symbol:     m.Symbol,
			Direction:  m.Direction,
			EntryPrice: m.EntryPrice,
			ExitPrice:  m.ExitPrice,
			Quantity:   m.Quantity,
			PnL:        m.PnL,
			ExitReason: m.ExitReason,
			OpenedAt:   fromUnixMilli(m.OpenedAtUnix),
			ClosedAt:   fromUnixMilli(m.ClosedAtUnix),
		}
		if len(m.MetaJSON) > 0 {
			_ = json.Unmarshal(m.MetaJSON, &rec.Meta)
		}
		out = append(out, rec)
	}
	return out, nil
}

// QueryEquity returns the latest limit points of a session, oldest first.
func (s *GormStore) QueryEquity(ctx context.Context, sessionID string, limit int) ([]store.EquityRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	tx := s.db.WithContext(ctx).Model(&equityPointModel{}).Where("session_id = ?", sessionID).Order("ts DESC").Order("id DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var models []equityPointModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.EquityRecord, len(models))
	for i, m := range models {
		out[len(models)-1-i] = store.EquityRecord{
			SessionID:   m.SessionID,
			Timestamp:   fromUnixMilli(m.TsUnixMilli),
			Equity:      m.Equity,
			DrawdownPct: m.DrawdownPct,
		}
	}
	return out, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
