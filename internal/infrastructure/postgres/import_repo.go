package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ErlanBelekov/krithi-import/internal/domain"
	"github.com/ErlanBelekov/krithi-import/internal/repository"
	"github.com/jackc/pgx/v5"
)

const importColumns = `id, source_key, source_url, batch_id, status, title, lyrics, composer, raga,
		       tala, deity, temple, language, resolution, duplicates, quality,
		       reviewed_at, created_at, updated_at`

type ImportRepository struct {
	db DB
}

func NewImportRepository(db DB) *ImportRepository {
	return &ImportRepository{db: db}
}

func (r *ImportRepository) Submit(ctx context.Context, requests []domain.ImportRequest) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		for _, req := range requests {
			m := req.Metadata
			_, err := tx.Exec(ctx, `
				INSERT INTO imported_krithis (
					source_key, source_url, batch_id, title, normalized_title,
					lyrics, composer, raga, tala, deity, temple, language
				) VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT (source_key) DO UPDATE
				SET    source_url       = EXCLUDED.source_url,
				       title            = EXCLUDED.title,
				       normalized_title = EXCLUDED.normalized_title,
				       lyrics           = EXCLUDED.lyrics,
				       composer         = EXCLUDED.composer,
				       raga             = EXCLUDED.raga,
				       tala             = EXCLUDED.tala,
				       deity            = EXCLUDED.deity,
				       temple           = EXCLUDED.temple,
				       language         = EXCLUDED.language,
				       updated_at       = NOW()
				WHERE imported_krithis.status = 'PENDING'`,
				req.SourceKey, req.SourceURL, req.BatchID, m.Title, domain.NormalizeTitle(m.Title),
				m.Lyrics, m.Composer, m.Raga, m.Tala, m.Deity, m.Temple, m.Language)
			if err != nil {
				return fmt.Errorf("submit import %q: %w", req.SourceKey, err)
			}
		}
		return nil
	})
}

func (r *ImportRepository) FindBySourceKey(ctx context.Context, sourceKey string) (*domain.ImportedKrithi, error) {
	row := r.db.QueryRow(ctx, `SELECT `+importColumns+` FROM imported_krithis WHERE source_key = $1`, sourceKey)
	return scanImport(row)
}

func (r *ImportRepository) SaveResolution(ctx context.Context, id string, resolution *domain.Resolution) error {
	return r.setJSON(ctx, id, "resolution", resolution)
}

func (r *ImportRepository) SaveDuplicates(ctx context.Context, id string, report *domain.DuplicateReport) error {
	return r.setJSON(ctx, id, "duplicates", report)
}

func (r *ImportRepository) SaveQualityScore(ctx context.Context, id string, score *domain.QualityScore) error {
	payload, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("marshal quality score: %w", err)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE imported_krithis
		SET    quality = $2, quality_overall = $3, updated_at = NOW()
		WHERE id = $1`, id, payload, score.Overall)
	if err != nil {
		return fmt.Errorf("save quality score: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrImportNotFound
	}
	return nil
}

func (r *ImportRepository) SetStatus(ctx context.Context, id string, status domain.ImportStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE imported_krithis
		SET    status = $2, reviewed_at = NOW(), updated_at = NOW()
		WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set import status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrImportNotFound
	}
	return nil
}

func (r *ImportRepository) FindByNormalizedTitle(ctx context.Context, title, excludeID string, limit int) ([]*domain.ImportedKrithi, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+importColumns+`
		FROM imported_krithis
		WHERE normalized_title = $1 AND id <> $2
		ORDER BY created_at ASC
		LIMIT $3`, domain.NormalizeTitle(title), excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("find imports by title: %w", err)
	}
	defer rows.Close()

	var imports []*domain.ImportedKrithi
	for rows.Next() {
		k, err := scanImport(rows)
		if err != nil {
			return nil, err
		}
		imports = append(imports, k)
	}
	return imports, rows.Err()
}

func (r *ImportRepository) setJSON(ctx context.Context, id, column string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", column, err)
	}
	// column is one of a fixed set chosen by this package, never user input.
	tag, err := r.db.Exec(ctx,
		fmt.Sprintf(`UPDATE imported_krithis SET %s = $2, updated_at = NOW() WHERE id = $1`, column),
		id, payload)
	if err != nil {
		return fmt.Errorf("save %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrImportNotFound
	}
	return nil
}

func scanImport(row rowScanner) (*domain.ImportedKrithi, error) {
	var (
		k                             domain.ImportedKrithi
		resolution, duplicates, score []byte
	)
	m := &k.Metadata
	err := row.Scan(
		&k.ID, &k.SourceKey, &k.SourceURL, &k.BatchID, &k.Status, &m.Title, &m.Lyrics, &m.Composer, &m.Raga,
		&m.Tala, &m.Deity, &m.Temple, &m.Language, &resolution, &duplicates, &score,
		&k.ReviewedAt, &k.CreatedAt, &k.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrImportNotFound
		}
		return nil, fmt.Errorf("scan import: %w", err)
	}
	k.Resolution = resolution
	k.Duplicates = duplicates
	if len(score) > 0 {
		var q domain.QualityScore
		if err := json.Unmarshal(score, &q); err != nil {
			return nil, fmt.Errorf("decode quality score: %w", err)
		}
		k.QualityScore = &q
	}
	return &k, nil
}

type EntityRepository struct {
	db DB
}

func NewEntityRepository(db DB) *EntityRepository {
	return &EntityRepository{db: db}
}

func (r *EntityRepository) MatchComposers(ctx context.Context, name string, limit int) ([]repository.EntityMatch, error) {
	return r.match(ctx, "composers", name, limit)
}

func (r *EntityRepository) MatchRagas(ctx context.Context, name string, limit int) ([]repository.EntityMatch, error) {
	return r.match(ctx, "ragas", name, limit)
}

func (r *EntityRepository) match(ctx context.Context, table, name string, limit int) ([]repository.EntityMatch, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		SELECT id, name,
		       lower(name) = lower($1) OR lower($1) = ANY(SELECT lower(a) FROM unnest(aliases) a) AS exact
		FROM %s
		WHERE lower(name) = lower($1)
		   OR name ILIKE '%%' || $1 || '%%'
		   OR lower($1) = ANY(SELECT lower(a) FROM unnest(aliases) a)
		ORDER BY exact DESC, length(name) ASC
		LIMIT $2`, table), name, limit)
	if err != nil {
		return nil, fmt.Errorf("match %s: %w", table, err)
	}
	defer rows.Close()

	var matches []repository.EntityMatch
	for rows.Next() {
		var m repository.EntityMatch
		if err := rows.Scan(&m.ID, &m.Name, &m.Exact); err != nil {
			return nil, fmt.Errorf("scan %s match: %w", table, err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
