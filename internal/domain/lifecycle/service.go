package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/easygopharm/intake/internal/platform/auth"
	"github.com/easygopharm/intake/internal/platform/blobstore"
	"github.com/easygopharm/intake/internal/platform/enrichment"
	"github.com/easygopharm/intake/internal/platform/notification"
)

// casAttempts is how many times a compare-and-swap write is tried before a
// concurrent writer is reported.
const casAttempts = 2

const (
	systemActor = "System"
	adminActor  = "Admin"
)

// Auditor records accepted mutations. It never fails the caller.
type Auditor interface {
	Record(ctx context.Context, action, actor string)
}

// Notifier sends messages without blocking the caller.
type Notifier interface {
	Dispatch(msg notification.Message)
}

// Recorder counts transitions and lock rejections. Optional.
type Recorder interface {
	TransitionApplied(kind, status string)
	LockRejected(kind string)
}

type Service struct {
	requests RequestRepository
	consults ConsultationRepository
	blobs    blobstore.Store
	analyzer enrichment.Analyzer
	audit    Auditor
	notifier Notifier
	metrics  Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(requests RequestRepository, consults ConsultationRepository, blobs blobstore.Store,
	analyzer enrichment.Analyzer, audit Auditor, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		requests: requests,
		consults: consults,
		blobs:    blobs,
		analyzer: analyzer,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With().Str("component", "lifecycle").Logger(),
		now:      time.Now,
	}
}

// SetRecorder attaches metrics.
func (s *Service) SetRecorder(r Recorder) {
	s.metrics = r
}

// =========== Submissions ===========

// CreateRequest stores a public drug sourcing request as PENDING and unlocked.
func (s *Service) CreateRequest(ctx context.Context, in *Request) (*Request, error) {
	if err := validateRequest(in); err != nil {
		return nil, err
	}

	r := *in
	r.Status = RequestPending
	r.IsLocked = false
	r.AIAnalysis = nil
	r.AISources = nil
	r.CreatedAt = s.now().UTC()

	var data []byte
	if in.Prescription != nil {
		prefix, raw, err := splitAttachment("prescription", in.Prescription)
		if err != nil {
			return nil, err
		}
		data = raw
		r.PrescriptionRef = &AttachmentRef{
			FileName:   in.Prescription.FileName,
			MimeType:   in.Prescription.MimeType,
			DataPrefix: prefix,
		}
	}

	if err := s.storeAttachment(ctx, KindRequest, "prescription", r.PrescriptionRef, data); err != nil {
		return nil, err
	}
	err := s.insertWithID(r.CreatedAt, &r.ID, func() error {
		return s.requests.Create(ctx, &r)
	})
	if err != nil {
		s.discardAttachment(r.PrescriptionRef)
		return nil, storageErr("save request", err)
	}

	s.audit.Record(ctx, "New Drug Request", systemActor)
	s.notifySubmission(notification.TypeRequest, r.ContactEmail, r.RequesterName, requestDetails(&r))

	if r.PrescriptionRef != nil {
		r.Prescription = joinAttachment(r.PrescriptionRef, data)
	}
	return &r, nil
}

// CreateConsultation stores a public consultation booking as SCHEDULED.
func (s *Service) CreateConsultation(ctx context.Context, in *Consultation) (*Consultation, error) {
	if err := validateConsultation(in); err != nil {
		return nil, err
	}

	c := *in
	c.Status = ConsultScheduled
	c.IsLocked = false
	c.DoctorNotes = nil
	c.CreatedAt = s.now().UTC()

	var data []byte
	if in.Attachment != nil {
		prefix, raw, err := splitAttachment("attachment", in.Attachment)
		if err != nil {
			return nil, err
		}
		data = raw
		c.AttachmentRef = &AttachmentRef{
			FileName:   in.Attachment.FileName,
			MimeType:   in.Attachment.MimeType,
			DataPrefix: prefix,
		}
	}

	if err := s.storeAttachment(ctx, KindConsultation, "attachment", c.AttachmentRef, data); err != nil {
		return nil, err
	}
	err := s.insertWithID(c.CreatedAt, &c.ID, func() error {
		return s.consults.Create(ctx, &c)
	})
	if err != nil {
		s.discardAttachment(c.AttachmentRef)
		return nil, storageErr("save consultation", err)
	}

	s.audit.Record(ctx, "New Consultation Booked", systemActor)
	s.notifySubmission(notification.TypeAppointment, c.ContactEmail, c.PatientName, consultationDetails(&c))

	if c.AttachmentRef != nil {
		c.Attachment = joinAttachment(c.AttachmentRef, data)
	}
	return &c, nil
}

// insertWithID assigns the creation-time id and runs insert. A taken id is
// retried once with a random suffix.
func (s *Service) insertWithID(createdAt time.Time, id *string, insert func() error) error {
	*id = strconv.FormatInt(createdAt.UnixMilli(), 10)
	err := insert()
	if !errors.Is(err, ErrDuplicateID) {
		return err
	}
	*id = fmt.Sprintf("%d-%s", createdAt.UnixMilli(), uuid.NewString()[:8])
	return insert()
}

func (s *Service) storeAttachment(ctx context.Context, kind Kind, field string, ref *AttachmentRef, data []byte) error {
	if ref == nil {
		return nil
	}
	key := fmt.Sprintf("%ss/%s", kind, uuid.NewString())
	contentType := ref.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if _, err := s.blobs.Put(ctx, key, contentType, bytes.NewReader(data)); err != nil {
		if errors.Is(err, blobstore.ErrTooLarge) {
			return tooLarge(field)
		}
		return &StorageError{Op: "store attachment", Err: err}
	}
	ref.BlobKey = key
	return nil
}

func (s *Service) discardAttachment(ref *AttachmentRef) {
	if ref == nil || ref.BlobKey == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, ref.BlobKey); err != nil {
		s.logger.Warn().Err(err).Str("key", ref.BlobKey).Msg("failed to remove orphaned attachment")
	}
}

func (s *Service) notifySubmission(t notification.SubmissionType, email, name string, details map[string]any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Dispatch(notification.Message{
		NotificationType: notification.UserConfirmation,
		Type:             t,
		Email:            email,
		Name:             name,
		Data:             details,
	})
	s.notifier.Dispatch(notification.Message{
		NotificationType: notification.AdminAlert,
		Type:             t,
		Data:             details,
	})
}

// =========== Status changes ===========

// SetRequestStatus moves a request to status. enr carries the analyzer
// output and is required exactly for the move from PENDING to PROCESSING.
func (s *Service) SetRequestStatus(ctx context.Context, actor auth.Actor, id string, status RequestStatus, enr *Enrichment) error {
	if !actor.IsStaff() {
		return &AuthorizationError{Message: "Only signed-in staff can change a request's status."}
	}
	if _, err := ParseRequestStatus(string(status)); err != nil {
		return err
	}
	override := actor.IsSuperAdmin()

	err := s.compareAndSwap(KindRequest, "update request status", func() (bool, error) {
		cur, err := s.requests.GetByID(ctx, id)
		if err != nil {
			return false, err
		}
		if cur.IsLocked && !override {
			return false, &LockedRecordError{Kind: KindRequest, ID: id}
		}
		if err := checkRequestTransition(cur, status, enr); err != nil {
			return false, err
		}
		return s.requests.UpdateStatus(ctx, id, cur.Version, status, enr, override)
	})
	if err != nil {
		return err
	}

	s.transitionApplied(KindRequest, string(status))
	s.audit.Record(ctx, fmt.Sprintf("Request %s status: %s", id, status), actor.DisplayName(systemActor))
	return nil
}

func (s *Service) SetConsultStatus(ctx context.Context, actor auth.Actor, id string, status ConsultStatus) error {
	if !actor.IsStaff() {
		return &AuthorizationError{Message: "Only signed-in staff can change a consultation's status."}
	}
	if _, err := ParseConsultStatus(string(status)); err != nil {
		return err
	}
	override := actor.IsSuperAdmin()

	err := s.compareAndSwap(KindConsultation, "update consultation status", func() (bool, error) {
		cur, err := s.consults.GetByID(ctx, id)
		if err != nil {
			return false, err
		}
		if cur.IsLocked && !override {
			return false, &LockedRecordError{Kind: KindConsultation, ID: id}
		}
		if err := checkConsultTransition(cur, status); err != nil {
			return false, err
		}
		return s.consults.UpdateStatus(ctx, id, cur.Version, status, override)
	})
	if err != nil {
		return err
	}

	s.transitionApplied(KindConsultation, string(status))
	s.audit.Record(ctx, fmt.Sprintf("Consult %s status: %s", id, status), actor.DisplayName(systemActor))
	return nil
}

// SetConsultNotes replaces the doctor's notes on a consultation.
func (s *Service) SetConsultNotes(ctx context.Context, actor auth.Actor, id, notes string) error {
	if !actor.IsStaff() {
		return &AuthorizationError{Message: "Only signed-in staff can edit consultation notes."}
	}
	override := actor.IsSuperAdmin()

	err := s.compareAndSwap(KindConsultation, "update consultation notes", func() (bool, error) {
		cur, err := s.consults.GetByID(ctx, id)
		if err != nil {
			return false, err
		}
		if cur.IsLocked && !override {
			return false, &LockedRecordError{Kind: KindConsultation, ID: id}
		}
		return s.consults.UpdateNotes(ctx, id, cur.Version, notes, override)
	})
	if err != nil {
		return err
	}

	s.audit.Record(ctx, fmt.Sprintf("Consult %s notes updated", id), actor.DisplayName(systemActor))
	return nil
}

// ToggleLock sets or clears the administrative lock on a record.
func (s *Service) ToggleLock(ctx context.Context, actor auth.Actor, kind Kind, id string, locked bool) error {
	if !actor.IsSuperAdmin() {
		return &AuthorizationError{Message: "Unauthorized lock toggle."}
	}

	var load func() (int64, error)
	var apply func(version int64) (bool, error)
	switch kind {
	case KindRequest:
		load = func() (int64, error) {
			r, err := s.requests.GetByID(ctx, id)
			if err != nil {
				return 0, err
			}
			return r.Version, nil
		}
		apply = func(v int64) (bool, error) { return s.requests.SetLock(ctx, id, v, locked) }
	case KindConsultation:
		load = func() (int64, error) {
			c, err := s.consults.GetByID(ctx, id)
			if err != nil {
				return 0, err
			}
			return c.Version, nil
		}
		apply = func(v int64) (bool, error) { return s.consults.SetLock(ctx, id, v, locked) }
	default:
		return invalid("kind", "unknown record kind "+string(kind))
	}

	err := s.compareAndSwap(kind, "toggle lock", func() (bool, error) {
		v, err := load()
		if err != nil {
			return false, err
		}
		return apply(v)
	})
	if err != nil {
		return err
	}

	state := "UNLOCKED"
	if locked {
		state = "LOCKED"
	}
	s.audit.Record(ctx, fmt.Sprintf("%s %s %s", kind.auditLabel(), id, state), actor.DisplayName(adminActor))
	return nil
}

// compareAndSwap runs attempt until its conditional write applies. attempt
// re-reads the record each time, so a lost race is classified against fresh
// state: a now-locked record, a transition no longer legal or a deleted
// record surface as their own errors.
func (s *Service) compareAndSwap(kind Kind, op string, attempt func() (bool, error)) error {
	for i := 0; i < casAttempts; i++ {
		applied, err := attempt()
		if err != nil {
			var locked *LockedRecordError
			if errors.As(err, &locked) && s.metrics != nil {
				s.metrics.LockRejected(string(kind))
			}
			return classify(op, err)
		}
		if applied {
			return nil
		}
	}
	return &StorageError{Op: op, Err: errConcurrentUpdate}
}

// classify keeps domain errors as they are and wraps the rest as storage
// failures.
func classify(op string, err error) error {
	var (
		authErr  *AuthorizationError
		locked   *LockedRecordError
		verr     *ValidationError
		transErr *InvalidTransitionError
	)
	switch {
	case errors.As(err, &authErr), errors.As(err, &locked), errors.As(err, &verr), errors.As(err, &transErr):
		return err
	}
	return storageErr(op, err)
}

func (s *Service) transitionApplied(kind Kind, status string) {
	if s.metrics != nil {
		s.metrics.TransitionApplied(string(kind), status)
	}
}

// =========== Enrichment ===========

// TriggerEnrichment asks the analyzer about a PENDING request and moves it to
// PROCESSING with the result. On analyzer failure the request is unchanged.
func (s *Service) TriggerEnrichment(ctx context.Context, actor auth.Actor, id string) (*Request, error) {
	if !actor.IsStaff() {
		return nil, &AuthorizationError{Message: "Only signed-in staff can run AI analysis."}
	}
	cur, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, storageErr("load request", err)
	}
	if cur.IsLocked && !actor.IsSuperAdmin() {
		if s.metrics != nil {
			s.metrics.LockRejected(string(KindRequest))
		}
		return nil, &LockedRecordError{Kind: KindRequest, ID: id}
	}
	if cur.Status != RequestPending {
		return nil, &InvalidTransitionError{From: string(cur.Status), To: string(RequestProcessing)}
	}
	if s.analyzer == nil {
		return nil, &EnrichmentError{Err: enrichment.ErrNotConfigured}
	}

	res, err := s.analyzer.Analyze(ctx, cur.GenericName, cur.Notes)
	if err != nil {
		return nil, &EnrichmentError{Err: err}
	}

	enr := &Enrichment{Text: res.Text, Sources: res.Sources}
	if err := s.SetRequestStatus(ctx, actor, id, RequestProcessing, enr); err != nil {
		return nil, err
	}
	return s.GetRequest(ctx, actor, id)
}

// SummarizeConsultation returns a triage category and one-line summary of the
// consultation reason. Nothing is stored.
func (s *Service) SummarizeConsultation(ctx context.Context, actor auth.Actor, id string) (string, error) {
	if !actor.IsStaff() {
		return "", &AuthorizationError{Message: "Only signed-in staff can summarize consultations."}
	}
	c, err := s.consults.GetByID(ctx, id)
	if err != nil {
		return "", storageErr("load consultation", err)
	}
	if s.analyzer == nil {
		return "", &EnrichmentError{Err: enrichment.ErrNotConfigured}
	}
	summary, err := s.analyzer.Summarize(ctx, c.Reason)
	if err != nil {
		return "", &EnrichmentError{Err: err}
	}
	return summary, nil
}

// =========== Reads ===========

func (s *Service) GetRequest(ctx context.Context, actor auth.Actor, id string) (*Request, error) {
	if !actor.IsStaff() {
		return nil, &AuthorizationError{Message: "Only signed-in staff can view requests."}
	}
	r, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, storageErr("load request", err)
	}
	return r, nil
}

func (s *Service) ListRequests(ctx context.Context, actor auth.Actor, opts ListOptions) ([]*Request, int, error) {
	if !actor.IsStaff() {
		return nil, 0, &AuthorizationError{Message: "Only signed-in staff can view requests."}
	}
	if opts.Status != "" {
		if _, err := ParseRequestStatus(opts.Status); err != nil {
			return nil, 0, err
		}
	}
	items, total, err := s.requests.List(ctx, opts)
	if err != nil {
		return nil, 0, storageErr("list requests", err)
	}
	return items, total, nil
}

func (s *Service) GetConsultation(ctx context.Context, actor auth.Actor, id string) (*Consultation, error) {
	if !actor.IsStaff() {
		return nil, &AuthorizationError{Message: "Only signed-in staff can view consultations."}
	}
	c, err := s.consults.GetByID(ctx, id)
	if err != nil {
		return nil, storageErr("load consultation", err)
	}
	return c, nil
}

func (s *Service) ListConsultations(ctx context.Context, actor auth.Actor, opts ListOptions) ([]*Consultation, int, error) {
	if !actor.IsStaff() {
		return nil, 0, &AuthorizationError{Message: "Only signed-in staff can view consultations."}
	}
	if opts.Status != "" {
		if _, err := ParseConsultStatus(opts.Status); err != nil {
			return nil, 0, err
		}
	}
	items, total, err := s.consults.List(ctx, opts)
	if err != nil {
		return nil, 0, storageErr("list consultations", err)
	}
	return items, total, nil
}

// GetRequestAttachment returns the prescription exactly as it was submitted.
func (s *Service) GetRequestAttachment(ctx context.Context, actor auth.Actor, id string) (*Attachment, error) {
	r, err := s.GetRequest(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return s.loadAttachment(ctx, r.PrescriptionRef)
}

// GetConsultationAttachment returns the consultation document exactly as it
// was submitted.
func (s *Service) GetConsultationAttachment(ctx context.Context, actor auth.Actor, id string) (*Attachment, error) {
	c, err := s.GetConsultation(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return s.loadAttachment(ctx, c.AttachmentRef)
}

func (s *Service) loadAttachment(ctx context.Context, ref *AttachmentRef) (*Attachment, error) {
	if ref == nil {
		return nil, ErrNotFound
	}
	rc, _, err := s.blobs.Get(ctx, ref.BlobKey)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Op: "load attachment", Err: err}
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &StorageError{Op: "read attachment", Err: err}
	}
	return joinAttachment(ref, data), nil
}

// Stats counts records per status for the dashboard.
func (s *Service) Stats(ctx context.Context, actor auth.Actor) (*Stats, error) {
	if !actor.IsStaff() {
		return nil, &AuthorizationError{Message: "Only signed-in staff can view the dashboard."}
	}
	reqs, lockedReqs, err := s.requests.CountByStatus(ctx)
	if err != nil {
		return nil, storageErr("count requests", err)
	}
	consults, lockedConsults, err := s.consults.CountByStatus(ctx)
	if err != nil {
		return nil, storageErr("count consultations", err)
	}
	return &Stats{
		Requests:      reqs,
		Consultations: consults,
		LockedRecords: lockedReqs + lockedConsults,
	}, nil
}

// =========== Validation ===========

func validateRequest(r *Request) error {
	if r == nil {
		return invalid("body", "is required")
	}
	required := []struct{ field, value string }{
		{"requester_name", r.RequesterName},
		{"contact_email", r.ContactEmail},
		{"generic_name", r.GenericName},
		{"quantity", r.Quantity},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return invalid(f.field, "is required")
		}
	}
	if !r.RequesterType.valid() {
		return invalid("requester_type", fmt.Sprintf("unknown requester type %q", r.RequesterType))
	}
	if r.RequesterType == RequesterOther && strings.TrimSpace(r.RequesterTypeOther) == "" {
		return invalid("requester_type_other", "is required when requester type is OTHER")
	}
	if !r.Urgency.valid() {
		return invalid("urgency", fmt.Sprintf("unknown urgency %q", r.Urgency))
	}
	return validateEmail(r.ContactEmail)
}

func validateConsultation(c *Consultation) error {
	if c == nil {
		return invalid("body", "is required")
	}
	required := []struct{ field, value string }{
		{"patient_name", c.PatientName},
		{"contact_email", c.ContactEmail},
		{"preferred_date", c.PreferredDate},
		{"reason", c.Reason},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return invalid(f.field, "is required")
		}
	}
	return validateEmail(c.ContactEmail)
}

func validateEmail(addr string) error {
	if _, err := mail.ParseAddress(addr); err != nil {
		return invalid("contact_email", "is not a valid e-mail address")
	}
	return nil
}

// requestDetails is the notification summary, keyed like the intake form.
func requestDetails(r *Request) map[string]any {
	d := map[string]any{
		"id":             r.ID,
		"requesterName":  r.RequesterName,
		"requesterType":  string(r.RequesterType),
		"contactEmail":   r.ContactEmail,
		"genericName":    r.GenericName,
		"quantity":       r.Quantity,
		"urgency":        string(r.Urgency),
		"notes":          r.Notes,
		"brandName":      r.BrandName,
		"dosageStrength": r.DosageStrength,
		"contactPhone":   r.ContactPhone,
	}
	if r.RequesterType == RequesterOther {
		d["requesterType"] = fmt.Sprintf("%s (%s)", r.RequesterType, r.RequesterTypeOther)
	}
	if r.PrescriptionRef != nil {
		d["prescriptionFile"] = r.PrescriptionRef.FileName
	}
	return d
}

func consultationDetails(c *Consultation) map[string]any {
	d := map[string]any{
		"id":            c.ID,
		"patientName":   c.PatientName,
		"contactEmail":  c.ContactEmail,
		"contactPhone":  c.ContactPhone,
		"preferredDate": c.PreferredDate,
		"reason":        c.Reason,
	}
	if c.AttachmentRef != nil {
		d["attachmentFile"] = c.AttachmentRef.FileName
	}
	return d
}
