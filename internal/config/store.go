package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

// ErrUnknownPreset is returned for preset names outside the compiled set.
// The check runs before any store I/O.
var ErrUnknownPreset = errors.New("unknown preset")

// ErrNoRankings is returned when no ranking rows exist for the asked
// members.
var ErrNoRankings = errors.New("no model rankings available")

// Source resolves effective configuration snapshots for one request.
type Source interface {
	// ActiveBundle returns the current active bundle (value copy).
	ActiveBundle(ctx context.Context) (*Bundle, error)
	// Resolve returns the active bundle with the named preset applied.
	// An empty name resolves to the plain active bundle.
	Resolve(ctx context.Context, presetName string) (*Bundle, error)
}

// RankingSource ranks council members for meta-synthesis moderator
// selection.
type RankingSource interface {
	StrongestMember(ctx context.Context, memberIDs []string) (string, error)
}

// Store is the Postgres-backed versioned config store with a snapshot cache
// in front. One row per config type is active at a time; updates insert a
// new version and deactivate the old inside one transaction.
type Store struct {
	db       *sql.DB
	logger   *slog.Logger
	cacheTTL time.Duration

	mu       sync.RWMutex
	cached   *Bundle
	cachedAt time.Time
}

// NewStore wraps an open database handle. A zero cacheTTL defaults to 30
// seconds, the window within which config reads skip the database.
func NewStore(db *sql.DB, cacheTTL time.Duration) *Store {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Store{
		db:       db,
		logger:   slog.Default().With("component", "config-store"),
		cacheTTL: cacheTTL,
	}
}

// EnsureSchema creates the config and ranking tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS council_configs (
			id          SERIAL PRIMARY KEY,
			config_type TEXT NOT NULL,
			config_data JSONB NOT NULL,
			version     INT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			active      BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE INDEX IF NOT EXISTS council_configs_active_idx
			ON council_configs (config_type) WHERE active`,
		`CREATE TABLE IF NOT EXISTS model_rankings (
			member_id  TEXT PRIMARY KEY,
			score      REAL NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ActiveBundle returns the active bundle, from cache when fresh.
func (s *Store) ActiveBundle(ctx context.Context) (*Bundle, error) {
	// Fast path under read lock.
	s.mu.RLock()
	if s.cached != nil && time.Since(s.cachedAt) < s.cacheTTL {
		b := s.cached.Clone()
		s.mu.RUnlock()
		return b, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring the write lock.
	if s.cached != nil && time.Since(s.cachedAt) < s.cacheTTL {
		return s.cached.Clone(), nil
	}

	bundle, err := s.loadActive(ctx)
	if err != nil {
		return nil, err
	}
	s.cached = bundle
	s.cachedAt = time.Now()
	return bundle.Clone(), nil
}

// Resolve validates the preset name against the compiled set before any
// store access, then overlays it onto the active bundle.
func (s *Store) Resolve(ctx context.Context, presetName string) (*Bundle, error) {
	if presetName == "" {
		return s.ActiveBundle(ctx)
	}
	preset, ok := PresetByName(presetName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPreset, presetName)
	}
	bundle, err := s.ActiveBundle(ctx)
	if err != nil {
		return nil, err
	}
	if err := preset.Apply(bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

// UpdateConfig writes a new version of one config type and deactivates the
// previous versions atomically. Returns the new version number.
func (s *Store) UpdateConfig(ctx context.Context, configType string, data any) (int, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("update config %s: marshal: %w", configType, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("update config %s: begin: %w", configType, err)
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM council_configs WHERE config_type = $1`,
		configType,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("update config %s: next version: %w", configType, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE council_configs SET active = false WHERE config_type = $1 AND active`,
		configType,
	); err != nil {
		return 0, fmt.Errorf("update config %s: deactivate: %w", configType, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO council_configs (config_type, config_data, version, active) VALUES ($1, $2, $3, true)`,
		configType, payload, version,
	); err != nil {
		return 0, fmt.Errorf("update config %s: insert: %w", configType, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("update config %s: commit: %w", configType, err)
	}

	s.Invalidate()
	s.logger.Info("config updated", "type", configType, "version", version)
	return version, nil
}

// Invalidate drops the cached snapshot so the next read hits the store.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// StrongestMember returns the highest-ranked member id among the given ids.
func (s *Store) StrongestMember(ctx context.Context, memberIDs []string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT member_id FROM model_rankings WHERE member_id = ANY($1) ORDER BY score DESC LIMIT 1`,
		pq.Array(memberIDs),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoRankings
	}
	if err != nil {
		return "", fmt.Errorf("strongest member: %w", err)
	}
	return id, nil
}

// UpsertRanking records or replaces a member's ranking score.
func (s *Store) UpsertRanking(ctx context.Context, memberID string, score float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_rankings (member_id, score, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (member_id) DO UPDATE SET score = EXCLUDED.score, updated_at = now()`,
		memberID, score,
	)
	if err != nil {
		return fmt.Errorf("upsert ranking %s: %w", memberID, err)
	}
	return nil
}

// loadActive reads the active rows and decodes them over compiled defaults,
// so partially-populated stores still yield a complete bundle.
func (s *Store) loadActive(ctx context.Context) (*Bundle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT config_type, config_data FROM council_configs WHERE active`,
	)
	if err != nil {
		return nil, fmt.Errorf("load active configs: %w", err)
	}
	defer rows.Close()

	bundle := DefaultBundle()
	for rows.Next() {
		var configType string
		var data []byte
		if err := rows.Scan(&configType, &data); err != nil {
			return nil, fmt.Errorf("load active configs: scan: %w", err)
		}
		if err := decodeSection(bundle, configType, data); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load active configs: %w", err)
	}
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	return bundle, nil
}

func decodeSection(b *Bundle, configType string, data []byte) error {
	var err error
	switch configType {
	case TypeCouncil:
		err = json.Unmarshal(data, &b.Council)
	case TypeDeliberation:
		err = json.Unmarshal(data, &b.Deliberation)
	case TypeSynthesis:
		err = json.Unmarshal(data, &b.Synthesis)
	case TypePerformance:
		err = json.Unmarshal(data, &b.Performance)
	case TypeTransparency:
		err = json.Unmarshal(data, &b.Transparency)
	case TypeDevilsAdvocate:
		da := DevilsAdvocateConfig{}
		if err = json.Unmarshal(data, &da); err == nil {
			b.DevilsAdvocate = &da
		}
	default:
		// Unknown rows are skipped so schema additions don't break old
		// binaries.
		return nil
	}
	if err != nil {
		return ConfigErrorf("decode %s config: %v", configType, err)
	}
	return nil
}

// StaticSource serves a fixed bundle. It backs development and test boots
// where no database is wired, and doubles as the fallback when DATABASE_URL
// is absent.
type StaticSource struct {
	mu   sync.RWMutex
	base *Bundle
}

// NewStaticSource copies the given bundle, or the compiled defaults when
// nil.
func NewStaticSource(b *Bundle) *StaticSource {
	if b == nil {
		b = DefaultBundle()
	}
	return &StaticSource{base: b.Clone()}
}

func (s *StaticSource) ActiveBundle(ctx context.Context) (*Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base.Clone(), nil
}

func (s *StaticSource) Resolve(ctx context.Context, presetName string) (*Bundle, error) {
	if presetName == "" {
		return s.ActiveBundle(ctx)
	}
	preset, ok := PresetByName(presetName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPreset, presetName)
	}
	bundle, err := s.ActiveBundle(ctx)
	if err != nil {
		return nil, err
	}
	if err := preset.Apply(bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

// SetBundle swaps the served bundle. Tests use it to vary configuration
// without a store.
func (s *StaticSource) SetBundle(b *Bundle) {
	s.mu.Lock()
	s.base = b.Clone()
	s.mu.Unlock()
}

// StrongestMember on a static source has no ranking data.
func (s *StaticSource) StrongestMember(ctx context.Context, memberIDs []string) (string, error) {
	return "", ErrNoRankings
}
