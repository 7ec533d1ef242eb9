package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/easygopharm/intake/internal/platform/db"
	"github.com/easygopharm/intake/internal/platform/enrichment"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func refColumns(ref *AttachmentRef) (name, mime, prefix, key *string) {
	if ref == nil {
		return nil, nil, nil, nil
	}
	return nullable(ref.FileName), nullable(ref.MimeType), &ref.DataPrefix, nullable(ref.BlobKey)
}

func scannedRef(name, mime, prefix, key string) *AttachmentRef {
	if key == "" {
		return nil
	}
	return &AttachmentRef{FileName: name, MimeType: mime, DataPrefix: prefix, BlobKey: key}
}

// =========== Requests ===========

type requestRepoPG struct {
	pool *pgxpool.Pool
}

func NewRequestRepoPG(pool *pgxpool.Pool) RequestRepository {
	return &requestRepoPG{pool: pool}
}

func (r *requestRepoPG) conn(ctx context.Context) queryable {
	return connFor(ctx, r.pool)
}

const requestCols = `id, requester_name, requester_type, COALESCE(requester_type_other, ''),
	contact_email, COALESCE(contact_phone, ''), generic_name, COALESCE(brand_name, ''),
	COALESCE(dosage_strength, ''), quantity, urgency, notes,
	COALESCE(prescription_file_name, ''), COALESCE(prescription_mime_type, ''),
	COALESCE(prescription_data_prefix, ''), COALESCE(prescription_blob_key, ''),
	status, ai_analysis, ai_sources, is_locked, version, created_at, updated_at`

func (r *requestRepoPG) scanRequest(row pgx.Row) (*Request, error) {
	var (
		req                         Request
		fileName, mime, prefix, key string
		sources                     []byte
	)
	err := row.Scan(&req.ID, &req.RequesterName, &req.RequesterType, &req.RequesterTypeOther,
		&req.ContactEmail, &req.ContactPhone, &req.GenericName, &req.BrandName,
		&req.DosageStrength, &req.Quantity, &req.Urgency, &req.Notes,
		&fileName, &mime, &prefix, &key,
		&req.Status, &req.AIAnalysis, &sources, &req.IsLocked, &req.Version, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, db.ClassifyError(err)
	}
	if len(sources) > 0 {
		var s []enrichment.Source
		if err := json.Unmarshal(sources, &s); err != nil {
			return nil, fmt.Errorf("decode ai_sources for %s: %w", req.ID, err)
		}
		req.AISources = s
	}
	req.PrescriptionRef = scannedRef(fileName, mime, prefix, key)
	req.Prescription = req.PrescriptionRef.summary()
	return &req, nil
}

func (r *requestRepoPG) Create(ctx context.Context, req *Request) error {
	name, mime, prefix, key := refColumns(req.PrescriptionRef)
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO drug_request (id, requester_name, requester_type, requester_type_other,
			contact_email, contact_phone, generic_name, brand_name, dosage_strength, quantity,
			urgency, notes, prescription_file_name, prescription_mime_type,
			prescription_data_prefix, prescription_blob_key, status, is_locked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $19)
		RETURNING version`,
		req.ID, req.RequesterName, req.RequesterType, nullable(req.RequesterTypeOther),
		req.ContactEmail, nullable(req.ContactPhone), req.GenericName, nullable(req.BrandName),
		nullable(req.DosageStrength), req.Quantity, req.Urgency, req.Notes,
		name, mime, prefix, key, req.Status, req.IsLocked, req.CreatedAt,
	).Scan(&req.Version)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicateID
		}
		return db.ClassifyError(err)
	}
	req.UpdatedAt = req.CreatedAt
	return nil
}

func (r *requestRepoPG) GetByID(ctx context.Context, id string) (*Request, error) {
	return r.scanRequest(r.conn(ctx).QueryRow(ctx,
		`SELECT `+requestCols+` FROM drug_request WHERE id = $1`, id))
}

func (r *requestRepoPG) List(ctx context.Context, opts ListOptions) ([]*Request, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM drug_request WHERE ($1 = '' OR status = $1)`, opts.Status).Scan(&total); err != nil {
		return nil, 0, db.ClassifyError(err)
	}

	q := `SELECT ` + requestCols + ` FROM drug_request WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`
	rows, err := r.conn(ctx).Query(ctx, q, opts.Status, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, db.ClassifyError(err)
	}
	defer rows.Close()

	items := []*Request{}
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, req)
	}
	return items, total, rows.Err()
}

func (r *requestRepoPG) UpdateStatus(ctx context.Context, id string, version int64, status RequestStatus, enr *Enrichment, overrideLock bool) (bool, error) {
	var text *string
	var sources []byte
	if enr != nil {
		text = &enr.Text
		b, err := json.Marshal(enr.Sources)
		if err != nil {
			return false, fmt.Errorf("encode ai_sources: %w", err)
		}
		sources = b
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE drug_request
		SET status = $3,
			ai_analysis = COALESCE($4::text, ai_analysis),
			ai_sources = COALESCE($5::jsonb, ai_sources),
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $2 AND (NOT is_locked OR $6)
			AND ($4::text IS NULL OR ai_analysis IS NULL)`,
		id, version, status, text, sources, overrideLock)
	if err != nil {
		return false, db.ClassifyError(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *requestRepoPG) SetLock(ctx context.Context, id string, version int64, locked bool) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE drug_request SET is_locked = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2`,
		id, version, locked)
	if err != nil {
		return false, db.ClassifyError(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *requestRepoPG) CountByStatus(ctx context.Context) (map[RequestStatus]int, int, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT status, COUNT(*), COUNT(*) FILTER (WHERE is_locked)
		FROM drug_request GROUP BY status`)
	if err != nil {
		return nil, 0, db.ClassifyError(err)
	}
	defer rows.Close()

	counts := make(map[RequestStatus]int, len(requestStatuses))
	for _, s := range requestStatuses {
		counts[s] = 0
	}
	locked := 0
	for rows.Next() {
		var status RequestStatus
		var n, l int
		if err := rows.Scan(&status, &n, &l); err != nil {
			return nil, 0, err
		}
		counts[status] = n
		locked += l
	}
	return counts, locked, rows.Err()
}

// =========== Consultations ===========

type consultationRepoPG struct {
	pool *pgxpool.Pool
}

func NewConsultationRepoPG(pool *pgxpool.Pool) ConsultationRepository {
	return &consultationRepoPG{pool: pool}
}

func (r *consultationRepoPG) conn(ctx context.Context) queryable {
	return connFor(ctx, r.pool)
}

const consultationCols = `id, patient_name, contact_email, COALESCE(contact_phone, ''),
	preferred_date, reason, doctor_notes,
	COALESCE(attachment_file_name, ''), COALESCE(attachment_mime_type, ''),
	COALESCE(attachment_data_prefix, ''), COALESCE(attachment_blob_key, ''),
	status, is_locked, version, created_at, updated_at`

func (r *consultationRepoPG) scanConsultation(row pgx.Row) (*Consultation, error) {
	var (
		c                           Consultation
		fileName, mime, prefix, key string
	)
	err := row.Scan(&c.ID, &c.PatientName, &c.ContactEmail, &c.ContactPhone,
		&c.PreferredDate, &c.Reason, &c.DoctorNotes,
		&fileName, &mime, &prefix, &key,
		&c.Status, &c.IsLocked, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, db.ClassifyError(err)
	}
	c.AttachmentRef = scannedRef(fileName, mime, prefix, key)
	c.Attachment = c.AttachmentRef.summary()
	return &c, nil
}

func (r *consultationRepoPG) Create(ctx context.Context, c *Consultation) error {
	name, mime, prefix, key := refColumns(c.AttachmentRef)
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO consultation (id, patient_name, contact_email, contact_phone, preferred_date,
			reason, attachment_file_name, attachment_mime_type, attachment_data_prefix,
			attachment_blob_key, status, is_locked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		RETURNING version`,
		c.ID, c.PatientName, c.ContactEmail, nullable(c.ContactPhone), c.PreferredDate,
		c.Reason, name, mime, prefix, key, c.Status, c.IsLocked, c.CreatedAt,
	).Scan(&c.Version)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicateID
		}
		return db.ClassifyError(err)
	}
	c.UpdatedAt = c.CreatedAt
	return nil
}

func (r *consultationRepoPG) GetByID(ctx context.Context, id string) (*Consultation, error) {
	return r.scanConsultation(r.conn(ctx).QueryRow(ctx,
		`SELECT `+consultationCols+` FROM consultation WHERE id = $1`, id))
}

func (r *consultationRepoPG) List(ctx context.Context, opts ListOptions) ([]*Consultation, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM consultation WHERE ($1 = '' OR status = $1)`, opts.Status).Scan(&total); err != nil {
		return nil, 0, db.ClassifyError(err)
	}

	q := `SELECT ` + consultationCols + ` FROM consultation WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`
	rows, err := r.conn(ctx).Query(ctx, q, opts.Status, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, db.ClassifyError(err)
	}
	defer rows.Close()

	items := []*Consultation{}
	for rows.Next() {
		c, err := r.scanConsultation(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *consultationRepoPG) UpdateStatus(ctx context.Context, id string, version int64, status ConsultStatus, overrideLock bool) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consultation SET status = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2 AND (NOT is_locked OR $4)`,
		id, version, status, overrideLock)
	if err != nil {
		return false, db.ClassifyError(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *consultationRepoPG) UpdateNotes(ctx context.Context, id string, version int64, notes string, overrideLock bool) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consultation SET doctor_notes = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2 AND (NOT is_locked OR $4)`,
		id, version, notes, overrideLock)
	if err != nil {
		return false, db.ClassifyError(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *consultationRepoPG) SetLock(ctx context.Context, id string, version int64, locked bool) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consultation SET is_locked = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2`,
		id, version, locked)
	if err != nil {
		return false, db.ClassifyError(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *consultationRepoPG) CountByStatus(ctx context.Context) (map[ConsultStatus]int, int, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT status, COUNT(*), COUNT(*) FILTER (WHERE is_locked)
		FROM consultation GROUP BY status`)
	if err != nil {
		return nil, 0, db.ClassifyError(err)
	}
	defer rows.Close()

	counts := make(map[ConsultStatus]int, len(consultStatuses))
	for _, s := range consultStatuses {
		counts[s] = 0
	}
	locked := 0
	for rows.Next() {
		var status ConsultStatus
		var n, l int
		if err := rows.Scan(&status, &n, &l); err != nil {
			return nil, 0, err
		}
		counts[status] = n
		locked += l
	}
	return counts, locked, rows.Err()
}
