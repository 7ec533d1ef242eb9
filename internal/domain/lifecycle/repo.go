package lifecycle

import "context"

// The Update and SetLock methods are compare-and-swap writes: they apply
// only while the stored version equals version and the record is unlocked
// or overrideLock is set. applied is false when the predicate did not match;
// the caller re-reads to find out why.

type RequestRepository interface {
	Create(ctx context.Context, r *Request) error
	GetByID(ctx context.Context, id string) (*Request, error)
	List(ctx context.Context, opts ListOptions) ([]*Request, int, error)
	UpdateStatus(ctx context.Context, id string, version int64, status RequestStatus, enr *Enrichment, overrideLock bool) (applied bool, err error)
	SetLock(ctx context.Context, id string, version int64, locked bool) (applied bool, err error)
	CountByStatus(ctx context.Context) (map[RequestStatus]int, int, error)
}

type ConsultationRepository interface {
	Create(ctx context.Context, c *Consultation) error
	GetByID(ctx context.Context, id string) (*Consultation, error)
	List(ctx context.Context, opts ListOptions) ([]*Consultation, int, error)
	UpdateStatus(ctx context.Context, id string, version int64, status ConsultStatus, overrideLock bool) (applied bool, err error)
	UpdateNotes(ctx context.Context, id string, version int64, notes string, overrideLock bool) (applied bool, err error)
	SetLock(ctx context.Context, id string, version int64, locked bool) (applied bool, err error)
	CountByStatus(ctx context.Context) (map[ConsultStatus]int, int, error)
}
