package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

const fileColumns = `id, run_id, job_id, document_type, file_format, reference_code, original_filename,
	original_download_url, document_properties, content_hash, extracted_text_hash,
	downloaded_successfully, downloaded_at, container_id, upload_id, local_path, is_deleted,
	created_at, updated_at`

// DocumentRepository persists discovered files.
type DocumentRepository struct {
	pool *pgxpool.Pool
}

// NewDocumentRepository constructs a repository.
func NewDocumentRepository(pool *pgxpool.Pool) *DocumentRepository {
	return &DocumentRepository{pool: pool}
}

func scanFile(row pgx.Row) (*model.DiscoveredFile, error) {
	var (
		df      model.DiscoveredFile
		docType string
		format  string
	)
	err := row.Scan(&df.ID, &df.RunID, &df.JobID, &docType, &format, &df.ReferenceCode, &df.OriginalFilename,
		&df.OriginalDownloadURL, &df.DocumentProperties, &df.ContentHash, &df.ExtractedTextHash,
		&df.DownloadedSuccessfully, &df.DownloadedAt, &df.ContainerID, &df.UploadID, &df.LocalPath, &df.IsDeleted,
		&df.CreatedAt, &df.UpdatedAt)
	if err != nil {
		return nil, err
	}
	df.DocumentType = model.DocumentType(docType)
	df.FileFormat = model.FileFormat(format)
	return &df, nil
}

func properties(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// CreateFile implements store.FileStore.
func (r *DocumentRepository) CreateFile(ctx context.Context, df *model.DiscoveredFile) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO discovered_files (`+fileColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		df.ID, df.RunID, df.JobID, string(df.DocumentType), string(df.FileFormat), df.ReferenceCode, df.OriginalFilename,
		df.OriginalDownloadURL, properties(df.DocumentProperties), df.ContentHash, df.ExtractedTextHash,
		df.DownloadedSuccessfully, df.DownloadedAt, df.ContainerID, df.UploadID, df.LocalPath, df.IsDeleted,
		df.CreatedAt, df.UpdatedAt)
	return mapError(err, "insert discovered file "+df.ID)
}

// GetFile implements store.FileStore.
func (r *DocumentRepository) GetFile(ctx context.Context, id string) (*model.DiscoveredFile, error) {
	df, err := scanFile(r.pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM discovered_files WHERE id=$1`, id))
	if err != nil {
		return nil, mapError(err, "discovered file "+id)
	}
	return df, nil
}

// UpdateFile implements store.FileStore. Identity columns never change.
func (r *DocumentRepository) UpdateFile(ctx context.Context, df *model.DiscoveredFile) error {
	tag, err := r.pool.Exec(ctx, `UPDATE discovered_files SET
			document_type=$2, file_format=$3, original_filename=$4, original_download_url=$5,
			document_properties=$6, content_hash=$7, extracted_text_hash=$8,
			downloaded_successfully=$9, downloaded_at=$10, container_id=$11, upload_id=$12,
			local_path=$13, is_deleted=$14, updated_at=$15
		WHERE id=$1`,
		df.ID, string(df.DocumentType), string(df.FileFormat), df.OriginalFilename, df.OriginalDownloadURL,
		properties(df.DocumentProperties), df.ContentHash, df.ExtractedTextHash,
		df.DownloadedSuccessfully, df.DownloadedAt, df.ContainerID, df.UploadID,
		df.LocalPath, df.IsDeleted, df.UpdatedAt)
	if err != nil {
		return mapError(err, "update discovered file "+df.ID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(store.ErrNotFound, "discovered file %s", df.ID)
	}
	return nil
}

// FindFileByReference implements store.FileStore, deleted rows included.
func (r *DocumentRepository) FindFileByReference(ctx context.Context, jobID, referenceCode string) (*model.DiscoveredFile, error) {
	df, err := scanFile(r.pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM discovered_files
		WHERE job_id=$1 AND reference_code=$2`, jobID, referenceCode))
	if err != nil {
		return nil, mapError(err, "discovered file by reference")
	}
	return df, nil
}

// FindFileByHash implements store.FileStore. The oldest live match wins.
func (r *DocumentRepository) FindFileByHash(ctx context.Context, contentHash, textHash string) (*model.DiscoveredFile, error) {
	df, err := scanFile(r.pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM discovered_files
		WHERE NOT is_deleted
		  AND (($1 <> '' AND content_hash = $1) OR ($2 <> '' AND extracted_text_hash = $2))
		ORDER BY created_at, id
		LIMIT 1`, contentHash, textHash))
	if err != nil {
		return nil, mapError(err, "discovered file by hash")
	}
	return df, nil
}

// ListFiles implements store.FileStore.
func (r *DocumentRepository) ListFiles(ctx context.Context, f store.FileFilter) ([]*model.DiscoveredFile, error) {
	var w where
	if f.RunID != "" {
		w.add("run_id=?", f.RunID)
	}
	if f.JobID != "" {
		w.add("job_id=?", f.JobID)
	}
	if !f.IncludeDeleted {
		w.raw("NOT is_deleted")
	}
	if f.NeedsIngestion {
		w.raw("downloaded_successfully AND container_id = '' AND NOT is_deleted")
	}
	addTime(&w, "downloaded_at < ?", f.DownloadedBefore)

	query := `SELECT ` + fileColumns + ` FROM discovered_files` + w.String() + ` ORDER BY created_at, id`
	query += w.limit(f.Limit)
	rows, err := r.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, errors.Wrap(err, "list discovered files")
	}
	defer rows.Close()
	var out []*model.DiscoveredFile
	for rows.Next() {
		df, err := scanFile(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan discovered file")
		}
		out = append(out, df)
	}
	return out, errors.Wrap(rows.Err(), "list discovered files")
}
