package lifecycle

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/easygopharm/intake/internal/platform/auth"
	"github.com/easygopharm/intake/internal/platform/blobstore"
	"github.com/easygopharm/intake/internal/platform/enrichment"
	"github.com/easygopharm/intake/internal/platform/notification"
)

var (
	superAdmin = auth.Actor{UserID: "u-admin", Username: "admin", Name: "System Administrator", Role: auth.RoleSuperAdmin}
	doctor     = auth.Actor{UserID: "u-doc", Username: "doctor", Name: "Dr. Sarah Bennett", Role: auth.RoleDoctor}
	pharmacist = auth.Actor{UserID: "u-pharm", Username: "pharm", Name: "James Wilson, RPh", Role: auth.RolePharmacist}
)

type testEnv struct {
	svc      *Service
	requests *mockRequestRepo
	consults *mockConsultRepo
	blobs    *blobstore.MemoryStore
	analyzer *fakeAnalyzer
	audit    *fakeAuditor
	notifier *fakeNotifier
	metrics  *fakeRecorder
}

func newTestService() *testEnv {
	env := &testEnv{
		requests: newMockRequestRepo(),
		consults: newMockConsultRepo(),
		blobs:    blobstore.NewMemoryStore(),
		analyzer: &fakeAnalyzer{},
		audit:    &fakeAuditor{},
		notifier: &fakeNotifier{},
		metrics:  &fakeRecorder{},
	}
	env.svc = NewService(env.requests, env.consults, env.blobs, env.analyzer, env.audit, env.notifier, zerolog.Nop())
	env.svc.SetRecorder(env.metrics)
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env.svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return env
}

func validRequest() *Request {
	return &Request{
		RequesterName: "Ada Patient",
		RequesterType: RequesterPatient,
		ContactEmail:  "ada@example.test",
		GenericName:   "Nusinersen",
		Quantity:      "2 vials",
		Urgency:       UrgencyHigh,
		Notes:         "Spinal muscular atrophy, cold chain required",
	}
}

func validConsultation() *Consultation {
	return &Consultation{
		PatientName:   "Ben Patient",
		ContactEmail:  "ben@example.test",
		PreferredDate: "2026-03-10T14:00",
		Reason:        "Recurring chest pain after exercise",
	}
}

func (env *testEnv) createRequest(t *testing.T) *Request {
	t.Helper()
	r, err := env.svc.CreateRequest(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return r
}

func (env *testEnv) createConsultation(t *testing.T) *Consultation {
	t.Helper()
	c, err := env.svc.CreateConsultation(context.Background(), validConsultation())
	if err != nil {
		t.Fatalf("create consultation: %v", err)
	}
	return c
}

func analysis() *Enrichment {
	return &Enrichment{
		Text:    "Orphan drug; requires 2-8C transport.",
		Sources: []enrichment.Source{{Title: "EMA", URI: "https://ema.example/nusinersen"}},
	}
}

// -- Creation --

func TestCreateRequest_StartsPendingAndUnlocked(t *testing.T) {
	env := newTestService()
	in := validRequest()
	in.Status = RequestFulfilled
	in.IsLocked = true

	r, err := env.svc.CreateRequest(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Status != RequestPending || r.IsLocked {
		t.Errorf("expected PENDING and unlocked, got %s locked=%v", r.Status, r.IsLocked)
	}
	if r.ID == "" || r.CreatedAt.IsZero() {
		t.Error("expected id and creation time to be assigned")
	}
	stored, _ := env.requests.GetByID(context.Background(), r.ID)
	if stored.Status != RequestPending || stored.IsLocked {
		t.Errorf("stored record not PENDING/unlocked: %+v", stored)
	}

	if env.audit.count() != 1 || env.audit.last() != (auditCall{"New Drug Request", "System"}) {
		t.Errorf("unexpected audit trail %+v", env.audit.calls)
	}
	if len(env.notifier.msgs) != 2 {
		t.Fatalf("expected confirmation and alert, got %d messages", len(env.notifier.msgs))
	}
	if env.notifier.msgs[0].NotificationType != notification.UserConfirmation ||
		env.notifier.msgs[0].Email != "ada@example.test" ||
		env.notifier.msgs[1].NotificationType != notification.AdminAlert ||
		env.notifier.msgs[1].Type != notification.TypeRequest {
		t.Errorf("unexpected messages %+v", env.notifier.msgs)
	}
}

func TestCreateRequest_IDIsCreationTime(t *testing.T) {
	env := newTestService()
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env.svc.now = func() time.Time { return fixed }

	first := env.createRequest(t)
	second := env.createRequest(t)

	want := fmt.Sprint(fixed.UnixMilli())
	if first.ID != want {
		t.Errorf("expected id %s, got %s", want, first.ID)
	}
	if second.ID == first.ID || !strings.HasPrefix(second.ID, want+"-") {
		t.Errorf("expected suffixed id for a collision, got %s", second.ID)
	}
}

func TestCreateRequest_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Request)
		field  string
	}{
		{"missing name", func(r *Request) { r.RequesterName = " " }, "requester_name"},
		{"missing drug", func(r *Request) { r.GenericName = "" }, "generic_name"},
		{"unknown urgency", func(r *Request) { r.Urgency = "ASAP" }, "urgency"},
		{"unknown requester type", func(r *Request) { r.RequesterType = "PHARMACY" }, "requester_type"},
		{"other without text", func(r *Request) { r.RequesterType = RequesterOther }, "requester_type_other"},
		{"bad email", func(r *Request) { r.ContactEmail = "not-an-email" }, "contact_email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestService()
			in := validRequest()
			tt.mutate(in)
			_, err := env.svc.CreateRequest(context.Background(), in)
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Fatalf("expected ValidationError on %s, got %v", tt.field, err)
			}
			if len(env.requests.store) != 0 || env.audit.count() != 0 {
				t.Error("expected nothing to be persisted or audited")
			}
		})
	}
}

func TestCreateConsultation_StartsScheduled(t *testing.T) {
	env := newTestService()
	c := env.createConsultation(t)

	if c.Status != ConsultScheduled || c.IsLocked {
		t.Errorf("expected SCHEDULED and unlocked, got %s locked=%v", c.Status, c.IsLocked)
	}
	if env.audit.last() != (auditCall{"New Consultation Booked", "System"}) {
		t.Errorf("unexpected audit entry %+v", env.audit.last())
	}
	if env.notifier.msgs[0].Type != notification.TypeAppointment {
		t.Errorf("expected APPOINTMENT messages, got %s", env.notifier.msgs[0].Type)
	}
}

func TestCreateRequest_StorageFailure(t *testing.T) {
	env := newTestService()
	env.requests.failErr = errStoreDown

	_, err := env.svc.CreateRequest(context.Background(), validRequest())
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if !errors.Is(err, errStoreDown) {
		t.Error("expected the driver error to stay inspectable")
	}
	if env.audit.count() != 0 || len(env.notifier.msgs) != 0 {
		t.Error("expected no audit entry or notification for a failed write")
	}
}

// -- Attachments --

func TestAttachment_RoundTrip(t *testing.T) {
	env := newTestService()
	payload := []byte("%PDF-1.7 prescription \x00\x01\x02 binary")
	sent := &Attachment{
		FileName: "rx scan (1).pdf",
		Data:     "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(payload),
		MimeType: "application/pdf",
	}
	in := validRequest()
	in.Prescription = sent

	r, err := env.svc.CreateRequest(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := env.svc.GetRequestAttachment(context.Background(), pharmacist, r.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *got != *sent {
		t.Errorf("attachment changed in storage:\n got %+v\nwant %+v", got, sent)
	}

	read, _ := env.svc.GetRequest(context.Background(), pharmacist, r.ID)
	if read.Prescription == nil || read.Prescription.FileName != sent.FileName || read.Prescription.Data != "" {
		t.Errorf("expected record read to carry attachment metadata only, got %+v", read.Prescription)
	}
}

func TestAttachment_BareBase64RoundTrip(t *testing.T) {
	env := newTestService()
	sent := &Attachment{FileName: "notes.txt", Data: base64.StdEncoding.EncodeToString([]byte("hello")), MimeType: "text/plain"}
	in := validConsultation()
	in.Attachment = sent

	c, err := env.svc.CreateConsultation(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := env.svc.GetConsultationAttachment(context.Background(), doctor, c.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *got != *sent {
		t.Errorf("got %+v, want %+v", got, sent)
	}
}

func TestAttachment_RejectedBeforePersistence(t *testing.T) {
	oversized := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xAB}, blobstore.MaxAttachmentSize+1))
	tests := []struct {
		name string
		att  *Attachment
	}{
		{"too large", &Attachment{FileName: "big.png", Data: "data:image/png;base64," + oversized, MimeType: "image/png"}},
		{"not base64", &Attachment{FileName: "x.png", Data: "data:image/png;base64,@@@@", MimeType: "image/png"}},
		{"non-canonical", &Attachment{FileName: "x.png", Data: "aGVsbG8\n=", MimeType: "image/png"}},
		{"not base64 data URL", &Attachment{FileName: "x.txt", Data: "data:text/plain,hello", MimeType: "text/plain"}},
		{"missing name", &Attachment{Data: "aGVsbG8=", MimeType: "text/plain"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestService()
			in := validRequest()
			in.Prescription = tt.att
			_, err := env.svc.CreateRequest(context.Background(), in)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if len(env.requests.store) != 0 || env.blobs.Len() != 0 {
				t.Error("expected nothing to be stored")
			}
		})
	}
}

func TestAttachment_MissingIsNotFound(t *testing.T) {
	env := newTestService()
	r := env.createRequest(t)
	if _, err := env.svc.GetRequestAttachment(context.Background(), doctor, r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// -- Status changes --

func TestSetRequestStatus_LockedRejectsNonAdmin(t *testing.T) {
	env := newTestService()
	r := env.createRequest(t)
	if err := env.svc.ToggleLock(context.Background(), superAdmin, KindRequest, r.ID, true); err != nil {
		t.Fatal(err)
	}
	before := env.audit.count()

	for _, actor := range []auth.Actor{doctor, pharmacist} {
		err := env.svc.SetRequestStatus(context.Background(), actor, r.ID, RequestRejected, nil)
		var locked *LockedRecordError
		if !errors.As(err, &locked) {
			t.Fatalf("expected LockedRecordError for %s, got %v", actor.Role, err)
		}
		if !strings.Contains(err.Error(), "locked by Administrator") {
			t.Errorf("unexpected message %q", err.Error())
		}
	}
	stored, _ := env.requests.GetByID(context.Background(), r.ID)
	if stored.Status != RequestPending {
		t.Errorf("expected status unchanged, got %s", stored.Status)
	}
	if env.audit.count() != before {
		t.Error("expected no audit entry for a rejected change")
	}
	if env.metrics.rejections != 2 {
		t.Errorf("expected 2 lock rejections counted, got %d", env.metrics.rejections)
	}

	if err := env.svc.SetRequestStatus(context.Background(), superAdmin, r.ID, RequestRejected, nil); err != nil {
		t.Errorf("expected admin to override the lock, got %v", err)
	}
}

func TestSetConsultStatus_LockedRejectsNonAdmin(t *testing.T) {
	env := newTestService()
	c := env.createConsultation(t)
	if err := env.svc.ToggleLock(context.Background(), superAdmin, KindConsultation, c.ID, true); err != nil {
		t.Fatal(err)
	}

	err := env.svc.SetConsultStatus(context.Background(), doctor, c.ID, ConsultCompleted)
	var locked *LockedRecordError
	if !errors.As(err, &locked) {
		t.Fatalf("expected LockedRecordError, got %v", err)
	}
	if err := env.svc.SetConsultNotes(context.Background(), doctor, c.ID, "notes"); !errors.As(err, &locked) {
		t.Errorf("expected notes to be locked too, got %v", err)
	}
	stored, _ := env.consults.GetByID(context.Background(), c.ID)
	if stored.Status != ConsultScheduled || stored.DoctorNotes != nil {
		t.Errorf("expected record unchanged, got %+v", stored)
	}
}

func TestToggleLock_RequiresSuperAdmin(t *testing.T) {
	env := newTestService()
	r := env.createRequest(t)
	c := env.createConsultation(t)
	before := env.audit.count()

	for _, actor := range []auth.Actor{doctor, pharmacist, auth.Guest} {
		err := env.svc.ToggleLock(context.Background(), actor, KindRequest, r.ID, true)
		var authErr *AuthorizationError
		if !errors.As(err, &authErr) || authErr.Message != "Unauthorized lock toggle." {
			t.Errorf("expected AuthorizationError for %s, got %v", actor.Role, err)
		}
		if err := env.svc.ToggleLock(context.Background(), actor, KindConsultation, c.ID, true); !errors.As(err, &authErr) {
			t.Errorf("expected AuthorizationError for %s, got %v", actor.Role, err)
		}
	}
	storedReq, _ := env.requests.GetByID(context.Background(), r.ID)
	storedCons, _ := env.consults.GetByID(context.Background(), c.ID)
	if storedReq.IsLocked || storedCons.IsLocked {
		t.Error("expected lock flags unchanged")
	}
	if env.audit.count() != before {
		t.Error("expected no audit entries")
	}
}

func TestMutations_AuditExactlyOnce(t *testing.T) {
	env := newTestService()

	r := env.createRequest(t)
	c := env.createConsultation(t)

	steps := []struct {
		name       string
		run        func() error
		wantAction string
		wantActor  string
	}{
		{"lock request", func() error { return env.svc.ToggleLock(context.Background(), superAdmin, KindRequest, r.ID, true) },
			fmt.Sprintf("Request %s LOCKED", r.ID), "System Administrator"},
		{"unlock request", func() error { return env.svc.ToggleLock(context.Background(), superAdmin, KindRequest, r.ID, false) },
			fmt.Sprintf("Request %s UNLOCKED", r.ID), "System Administrator"},
		{"reject request", func() error {
			return env.svc.SetRequestStatus(context.Background(), pharmacist, r.ID, RequestRejected, nil)
		}, fmt.Sprintf("Request %s status: REJECTED", r.ID), "James Wilson, RPh"},
		{"lock consult", func() error {
			return env.svc.ToggleLock(context.Background(), superAdmin, KindConsultation, c.ID, true)
		}, fmt.Sprintf("Consult %s LOCKED", c.ID), "System Administrator"},
		{"complete consult", func() error {
			return env.svc.SetConsultStatus(context.Background(), superAdmin, c.ID, ConsultCompleted)
		}, fmt.Sprintf("Consult %s status: COMPLETED", c.ID), "System Administrator"},
		{"consult notes", func() error {
			return env.svc.SetConsultNotes(context.Background(), superAdmin, c.ID, "follow up in 2 weeks")
		}, fmt.Sprintf("Consult %s notes updated", c.ID), "System Administrator"},
	}
	for _, st := range steps {
		before := env.audit.count()
		if err := st.run(); err != nil {
			t.Fatalf("%s: unexpected error: %v", st.name, err)
		}
		if env.audit.count() != before+1 {
			t.Fatalf("%s: expected exactly one audit entry, got %d", st.name, env.audit.count()-before)
		}
		if got := env.audit.last(); got.action != st.wantAction || got.actor != st.wantActor {
			t.Errorf("%s: got %+v, want {%s %s}", st.name, got, st.wantAction, st.wantActor)
		}
	}
}

func TestSetRequestStatus_ActorWithoutNameIsSystem(t *testing.T) {
	env := newTestService()
	r := env.createRequest(t)
	anon := auth.Actor{UserID: "u-x", Role: auth.RoleDoctor}

	if err := env.svc.SetRequestStatus(context.Background(), anon, r.ID, RequestRejected, nil); err != nil {
		t.Fatal(err)
	}
	if env.audit.last().actor != "System" {
		t.Errorf("expected System, got %q", env.audit.last().actor)
	}
}

func TestRequestLifecycle_AdminAdvancesToTerminal(t *testing.T) {
	env := newTestService()
	r := env.createRequest(t)

	if err := env.svc.SetRequestStatus(context.Background(), superAdmin, r.ID, RequestProcessing, analysis()); err != nil {
		t.Fatalf("PENDING->PROCESSING: %v", err)
	}
	if err := env.svc.SetRequestStatus(context.Background(), superAdmin, r.ID, RequestFulfilled, nil); err != nil {
		t.Fatalf("PROCESSING->FULFILLED: %v", err)
	}
	stored, _ := env.requests.GetByID(context.Background(), r.ID)
	if stored.Status != RequestFulfilled {
		t.Fatalf("expected FULFILLED, got %s", stored.Status)
	}

	err := env.svc.SetRequestStatus(context.Background(), superAdmin, r.ID, RequestProcessing, nil)
	var terr *InvalidTransitionError
	if !errors.As(err, &terr) || terr.From != "FULFILLED" || terr.To != "PROCESSING" {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	stored, _ = env.requests.GetByID(context.Background(), r.ID)
	if stored.Status != RequestFulfilled {
		t.Errorf("expected terminal status to hold, got %s", stored.Status)
	}
	if got := strings.Join(env.metrics.transitions, ","); got != "request:PROCESSING,request:FULFILLED" {
		t.Errorf("unexpected transitions counted: %s", got)
	}
}

func TestRequestTransitions(t *testing.T) {
	tests := []struct {
		from    RequestStatus
		to      RequestStatus
		enr     *Enrichment
		wantErr bool
	}{
		{RequestPending, RequestProcessing, analysis(), false},
		{RequestPending, RequestProcessing, nil, true},
		{RequestPending, RequestRejected, nil, false},
		{RequestPending, RequestRejected, analysis(), true},
		{RequestPending, RequestFulfilled, nil, true},
		{RequestPending, RequestPending, nil, true},
		{RequestProcessing, RequestFulfilled, nil, false},
		{RequestProcessing, RequestRejected, nil, false},
		{RequestProcessing, RequestPending, nil, true},
		{RequestProcessing, RequestProcessing, analysis(), true},
		{RequestFulfilled, RequestRejected, nil, true},
		{RequestRejected, RequestPending, nil, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			err := checkRequestTransition(&Request{Status: tt.from}, tt.to, tt.enr)
			if (err != nil) != tt.wantErr {
				t.Errorf("wantErr=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConsultTransitions(t *testing.T) {
	env := newTestService()
	c := env.createConsultation(t)

	if err := env.svc.SetConsultStatus(context.Background(), doctor, c.ID, ConsultCancelled); err != nil {
		t.Fatal(err)
	}
	for _, next := range []ConsultStatus{ConsultScheduled, ConsultCompleted, ConsultCancelled} {
		err := env.svc.SetConsultStatus(context.Background(), superAdmin, c.ID, next)
		var terr *InvalidTransitionError
		if !errors.As(err, &terr) {
			t.Errorf("CANCELLED->%s: expected InvalidTransitionError, got %v", next, err)
		}
	}
}

func TestSetRequestStatus_RejectsGuestsAndUnknownStatus(t *testing.T) {
	env := newTestService()
	r := env.createRequest(t)

	var authErr *AuthorizationError
	if err := env.svc.SetRequestStatus(context.Background(), auth.Guest, r.ID, RequestRejected, nil); !errors.As(err, &authErr) {
		t.Errorf("expected AuthorizationError for guest, got %v", err)
	}
	var verr *ValidationError
	if err := env.svc.SetRequestStatus(context.Background(), doctor, r.ID, "COMPLETED", nil); !errors.As(err, &verr) {
		t.Errorf("expected ValidationError for unknown status, got %v", err)
	}
	if err := env.svc.SetRequestStatus(context.Background(), doctor, "missing", RequestRejected, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// -- Compare-and-swap --

func TestSetRequestStatus_RetriesAfterConcurrentWrite(t *testing.T) {
	env := newTestService()
	r := env.createRequest(t)
	env.requests.beforeWrite = func(stored *Request) {
		stored.Version++
	}

	if err := env.svc.SetRequestStatus(context.Background(), doctor, r.ID, RequestRejected, nil); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	stored, _ := env.requests.GetByID(context.Background(), r.ID)
	if stored.Status != RequestRejected {
		t.Errorf("expected REJECTED, got %s", stored.Status)
	}
}

func TestSetRequestStatus_LockRaceIsClosed(t *testing.T) {
	env := newTestService()
	r := env.createRequest(t)
	// An administrator locks the record between our read and our write.
	env.requests.beforeWrite = func(stored *Request) {
		stored.IsLocked = true
		stored.Version++
	}

	err := env.svc.SetRequestStatus(context.Background(), doctor, r.ID, RequestRejected, nil)
	var locked *LockedRecordError
	if !errors.As(err, &locked) {
		t.Fatalf("expected LockedRecordError after re-read, got %v", err)
	}
	stored, _ := env.requests.GetByID(context.Background(), r.ID)
	if stored.Status != RequestPending {
		t.Errorf("expected status unchanged, got %s", stored.Status)
	}
}

func TestSetRequestStatus_ConcurrentTransitionReclassified(t *testing.T) {
	env := newTestService()
	r := env.createRequest(t)
	env.requests.beforeWrite = func(stored *Request) {
		stored.Status = RequestRejected
		stored.Version++
	}

	err := env.svc.SetRequestStatus(context.Background(), doctor, r.ID, RequestRejected, nil)
	var terr *InvalidTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

// -- Enrichment --

func TestTriggerEnrichment_Success(t *testing.T) {
	env := newTestService()
	r := env.createRequest(t)
	env.analyzer.result = &enrichment.Result{
		Text:    "Orphan drug with limited EU supply.",
		Sources: []enrichment.Source{{Title: "EMA", URI: "https://ema.example"}, {Title: "FDA", URI: "https://fda.example"}},
	}

	got, err := env.svc.TriggerEnrichment(context.Background(), pharmacist, r.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != RequestProcessing {
		t.Errorf("expected PROCESSING, got %s", got.Status)
	}
	if got.AIAnalysis == nil || *got.AIAnalysis != "Orphan drug with limited EU supply." {
		t.Errorf("expected analysis text to be stored, got %v", got.AIAnalysis)
	}
	if len(got.AISources) != 2 || got.AISources[1].URI != "https://fda.example" {
		t.Errorf("expected sources to be stored, got %+v", got.AISources)
	}
	if env.audit.last().action != fmt.Sprintf("Request %s status: PROCESSING", r.ID) {
		t.Errorf("unexpected audit entry %+v", env.audit.last())
	}
}

func TestTriggerEnrichment_FailureLeavesPending(t *testing.T) {
	env := newTestService()
	r := env.createRequest(t)
	env.analyzer.err = errors.New("upstream 503")
	before := env.audit.count()

	_, err := env.svc.TriggerEnrichment(context.Background(), pharmacist, r.ID)
	var eerr *EnrichmentError
	if !errors.As(err, &eerr) {
		t.Fatalf("expected EnrichmentError, got %v", err)
	}
	stored, _ := env.requests.GetByID(context.Background(), r.ID)
	if stored.Status != RequestPending || stored.AIAnalysis != nil {
		t.Errorf("expected request untouched, got %+v", stored)
	}
	if env.analyzer.calls != 1 {
		t.Errorf("expected a single attempt, got %d", env.analyzer.calls)
	}
	if env.audit.count() != before {
		t.Error("expected no audit entry")
	}
}

func TestTriggerEnrichment_OnlyWhilePending(t *testing.T) {
	env := newTestService()
	r := env.createRequest(t)
	if err := env.svc.SetRequestStatus(context.Background(), doctor, r.ID, RequestRejected, nil); err != nil {
		t.Fatal(err)
	}

	_, err := env.svc.TriggerEnrichment(context.Background(), doctor, r.ID)
	var terr *InvalidTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if env.analyzer.calls != 0 {
		t.Error("expected analyzer not to be called")
	}
}

func TestTriggerEnrichment_LockedRecord(t *testing.T) {
	env := newTestService()
	r := env.createRequest(t)
	if err := env.svc.ToggleLock(context.Background(), superAdmin, KindRequest, r.ID, true); err != nil {
		t.Fatal(err)
	}

	_, err := env.svc.TriggerEnrichment(context.Background(), doctor, r.ID)
	var locked *LockedRecordError
	if !errors.As(err, &locked) {
		t.Fatalf("expected LockedRecordError, got %v", err)
	}
	if env.analyzer.calls != 0 {
		t.Error("expected analyzer not to be called")
	}
}

func TestTriggerEnrichment_WithoutAnalyzer(t *testing.T) {
	env := newTestService()
	env.svc.analyzer = nil
	r := env.createRequest(t)

	_, err := env.svc.TriggerEnrichment(context.Background(), doctor, r.ID)
	if !errors.Is(err, enrichment.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestEnrichment_WriteOnce(t *testing.T) {
	env := newTestService()
	r := env.createRequest(t)
	if err := env.svc.SetRequestStatus(context.Background(), doctor, r.ID, RequestProcessing, analysis()); err != nil {
		t.Fatal(err)
	}

	err := env.svc.SetRequestStatus(context.Background(), superAdmin, r.ID, RequestFulfilled, analysis())
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for a second analysis, got %v", err)
	}
}

func TestSummarizeConsultation(t *testing.T) {
	env := newTestService()
	c := env.createConsultation(t)
	env.analyzer.summary = "Cardiology: exertional chest pain, needs prompt review."

	got, err := env.svc.SummarizeConsultation(context.Background(), doctor, c.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != env.analyzer.summary {
		t.Errorf("unexpected summary %q", got)
	}
	if _, err := env.svc.SummarizeConsultation(context.Background(), auth.Guest, c.ID); err == nil {
		t.Error("expected guest to be rejected")
	}
}

// -- Reads --

func TestReads_RequireStaff(t *testing.T) {
	env := newTestService()
	r := env.createRequest(t)

	var authErr *AuthorizationError
	if _, err := env.svc.GetRequest(context.Background(), auth.Guest, r.ID); !errors.As(err, &authErr) {
		t.Errorf("expected AuthorizationError, got %v", err)
	}
	if _, _, err := env.svc.ListConsultations(context.Background(), auth.Guest, ListOptions{Limit: 10}); !errors.As(err, &authErr) {
		t.Errorf("expected AuthorizationError, got %v", err)
	}
	if _, err := env.svc.Stats(context.Background(), auth.Guest); !errors.As(err, &authErr) {
		t.Errorf("expected AuthorizationError, got %v", err)
	}
}

func TestListRequests_NewestFirst(t *testing.T) {
	env := newTestService()
	first := env.createRequest(t)
	second := env.createRequest(t)

	items, total, err := env.svc.ListRequests(context.Background(), doctor, ListOptions{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || items[0].ID != second.ID || items[1].ID != first.ID {
		t.Errorf("expected newest first, got %d items", len(items))
	}

	var verr *ValidationError
	if _, _, err := env.svc.ListRequests(context.Background(), doctor, ListOptions{Status: "DONE"}); !errors.As(err, &verr) {
		t.Errorf("expected ValidationError for unknown status filter, got %v", err)
	}
}

func TestStats(t *testing.T) {
	env := newTestService()
	r := env.createRequest(t)
	env.createRequest(t)
	c := env.createConsultation(t)
	if err := env.svc.SetRequestStatus(context.Background(), doctor, r.ID, RequestRejected, nil); err != nil {
		t.Fatal(err)
	}
	if err := env.svc.ToggleLock(context.Background(), superAdmin, KindConsultation, c.ID, true); err != nil {
		t.Fatal(err)
	}

	stats, err := env.svc.Stats(context.Background(), doctor)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Requests[RequestPending] != 1 || stats.Requests[RequestRejected] != 1 {
		t.Errorf("unexpected request counts %+v", stats.Requests)
	}
	if stats.Consultations[ConsultScheduled] != 1 || stats.LockedRecords != 1 {
		t.Errorf("unexpected consultation stats %+v", stats)
	}
}
