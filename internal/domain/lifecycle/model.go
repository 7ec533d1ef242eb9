// Package lifecycle owns intake records (drug sourcing requests and
// consultations) from public submission to a terminal status: who may move
// them, which moves are legal, the administrative lock, AI enrichment and
// the audit trail every accepted change leaves behind.
package lifecycle

import (
	"time"

	"github.com/easygopharm/intake/internal/platform/enrichment"
)

// Kind names a record type. It appears in routes, metrics and audit text.
type Kind string

const (
	KindRequest      Kind = "request"
	KindConsultation Kind = "consultation"
)

func (k Kind) auditLabel() string {
	if k == KindConsultation {
		return "Consult"
	}
	return "Request"
}

type RequestStatus string

const (
	RequestPending    RequestStatus = "PENDING"
	RequestProcessing RequestStatus = "PROCESSING"
	RequestFulfilled  RequestStatus = "FULFILLED"
	RequestRejected   RequestStatus = "REJECTED"
)

var requestStatuses = []RequestStatus{RequestPending, RequestProcessing, RequestFulfilled, RequestRejected}

type ConsultStatus string

const (
	ConsultScheduled ConsultStatus = "SCHEDULED"
	ConsultCompleted ConsultStatus = "COMPLETED"
	ConsultCancelled ConsultStatus = "CANCELLED"
)

var consultStatuses = []ConsultStatus{ConsultScheduled, ConsultCompleted, ConsultCancelled}

type RequesterType string

const (
	RequesterPatient  RequesterType = "PATIENT"
	RequesterClinic   RequesterType = "CLINIC"
	RequesterHospital RequesterType = "HOSPITAL"
	RequesterOther    RequesterType = "OTHER"
)

func (t RequesterType) valid() bool {
	switch t {
	case RequesterPatient, RequesterClinic, RequesterHospital, RequesterOther:
		return true
	}
	return false
}

type Urgency string

const (
	UrgencyNormal   Urgency = "NORMAL"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyCritical Urgency = "CRITICAL"
)

func (u Urgency) valid() bool {
	switch u {
	case UrgencyNormal, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// Attachment is a file as the intake forms submit it: Data is a data URL
// ("data:application/pdf;base64,...") or bare base64. Record reads carry the
// name and type only; the bytes come back from the attachment endpoint.
type Attachment struct {
	FileName string `json:"file_name"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mime_type"`
}

// AttachmentRef is the stored form of an Attachment. DataPrefix is whatever
// preceded the base64 payload, so Data can be rebuilt exactly.
type AttachmentRef struct {
	FileName   string
	MimeType   string
	DataPrefix string
	BlobKey    string
}

func (r *AttachmentRef) summary() *Attachment {
	if r == nil {
		return nil
	}
	return &Attachment{FileName: r.FileName, MimeType: r.MimeType}
}

// Request is a drug sourcing request.
type Request struct {
	ID                 string              `json:"id"`
	RequesterName      string              `json:"requester_name"`
	RequesterType      RequesterType       `json:"requester_type"`
	RequesterTypeOther string              `json:"requester_type_other,omitempty"`
	ContactEmail       string              `json:"contact_email"`
	ContactPhone       string              `json:"contact_phone,omitempty"`
	GenericName        string              `json:"generic_name"`
	BrandName          string              `json:"brand_name,omitempty"`
	DosageStrength     string              `json:"dosage_strength,omitempty"`
	Quantity           string              `json:"quantity"`
	Urgency            Urgency             `json:"urgency"`
	Notes              string              `json:"notes"`
	Prescription       *Attachment         `json:"prescription,omitempty"`
	Status             RequestStatus       `json:"status"`
	AIAnalysis         *string             `json:"ai_analysis,omitempty"`
	AISources          []enrichment.Source `json:"ai_sources,omitempty"`
	IsLocked           bool                `json:"is_locked"`
	Version            int64               `json:"version"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`

	PrescriptionRef *AttachmentRef `json:"-"`
}

// Consultation is a booked appointment with a medical expert.
type Consultation struct {
	ID            string        `json:"id"`
	PatientName   string        `json:"patient_name"`
	ContactEmail  string        `json:"contact_email"`
	ContactPhone  string        `json:"contact_phone,omitempty"`
	PreferredDate string        `json:"preferred_date"`
	Reason        string        `json:"reason"`
	DoctorNotes   *string       `json:"doctor_notes,omitempty"`
	Attachment    *Attachment   `json:"attachment,omitempty"`
	Status        ConsultStatus `json:"status"`
	IsLocked      bool          `json:"is_locked"`
	Version       int64         `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`

	AttachmentRef *AttachmentRef `json:"-"`
}

// Enrichment is the analyzer output stored with the move out of PENDING.
type Enrichment struct {
	Text    string
	Sources []enrichment.Source
}

// ListOptions filters and pages a record listing.
type ListOptions struct {
	Status string
	Limit  int
	Offset int
}

// Stats feeds the dashboard counters.
type Stats struct {
	Requests      map[RequestStatus]int `json:"requests"`
	Consultations map[ConsultStatus]int `json:"consultations"`
	LockedRecords int                   `json:"locked_records"`
}
