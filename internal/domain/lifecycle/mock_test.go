package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/easygopharm/intake/internal/platform/enrichment"
	"github.com/easygopharm/intake/internal/platform/notification"
)

// -- Mock Repositories --

type mockRequestRepo struct {
	mu    sync.Mutex
	store map[string]*Request
	// beforeWrite runs inside UpdateStatus before the predicate is checked,
	// standing in for a concurrent writer.
	beforeWrite func(r *Request)
	failErr     error
}

func newMockRequestRepo() *mockRequestRepo {
	return &mockRequestRepo{store: make(map[string]*Request)}
}

func copyRequest(r *Request) *Request {
	cp := *r
	if r.PrescriptionRef != nil {
		ref := *r.PrescriptionRef
		cp.PrescriptionRef = &ref
		cp.Prescription = ref.summary()
	}
	cp.AISources = append([]enrichment.Source(nil), r.AISources...)
	return &cp
}

func (m *mockRequestRepo) Create(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	if _, ok := m.store[r.ID]; ok {
		return ErrDuplicateID
	}
	r.Version = 1
	r.UpdatedAt = r.CreatedAt
	m.store[r.ID] = copyRequest(r)
	return nil
}

func (m *mockRequestRepo) GetByID(_ context.Context, id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	r, ok := m.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRequest(r), nil
}

func (m *mockRequestRepo) List(_ context.Context, opts ListOptions) ([]*Request, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Request
	for _, r := range m.store {
		if opts.Status == "" || string(r.Status) == opts.Status {
			all = append(all, copyRequest(r))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if opts.Offset > total {
		opts.Offset = total
	}
	end := opts.Offset + opts.Limit
	if end > total {
		end = total
	}
	return all[opts.Offset:end], total, nil
}

func (m *mockRequestRepo) UpdateStatus(_ context.Context, id string, version int64, status RequestStatus, enr *Enrichment, override bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.store[id]
	if !ok {
		return false, nil
	}
	if m.beforeWrite != nil {
		hook := m.beforeWrite
		m.beforeWrite = nil
		hook(r)
	}
	if r.Version != version || (r.IsLocked && !override) {
		return false, nil
	}
	if enr != nil {
		if r.AIAnalysis != nil {
			return false, nil
		}
		text := enr.Text
		r.AIAnalysis = &text
		r.AISources = append([]enrichment.Source(nil), enr.Sources...)
	}
	r.Status = status
	r.Version++
	return true, nil
}

func (m *mockRequestRepo) SetLock(_ context.Context, id string, version int64, locked bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.store[id]
	if !ok || r.Version != version {
		return false, nil
	}
	r.IsLocked = locked
	r.Version++
	return true, nil
}

func (m *mockRequestRepo) CountByStatus(_ context.Context) (map[RequestStatus]int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[RequestStatus]int{}
	locked := 0
	for _, r := range m.store {
		counts[r.Status]++
		if r.IsLocked {
			locked++
		}
	}
	return counts, locked, nil
}

type mockConsultRepo struct {
	mu    sync.Mutex
	store map[string]*Consultation
}

func newMockConsultRepo() *mockConsultRepo {
	return &mockConsultRepo{store: make(map[string]*Consultation)}
}

func copyConsult(c *Consultation) *Consultation {
	cp := *c
	if c.AttachmentRef != nil {
		ref := *c.AttachmentRef
		cp.AttachmentRef = &ref
		cp.Attachment = ref.summary()
	}
	if c.DoctorNotes != nil {
		n := *c.DoctorNotes
		cp.DoctorNotes = &n
	}
	return &cp
}

func (m *mockConsultRepo) Create(_ context.Context, c *Consultation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[c.ID]; ok {
		return ErrDuplicateID
	}
	c.Version = 1
	m.store[c.ID] = copyConsult(c)
	return nil
}

func (m *mockConsultRepo) GetByID(_ context.Context, id string) (*Consultation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConsult(c), nil
}

func (m *mockConsultRepo) List(_ context.Context, opts ListOptions) ([]*Consultation, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Consultation
	for _, c := range m.store {
		if opts.Status == "" || string(c.Status) == opts.Status {
			all = append(all, copyConsult(c))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return all, len(all), nil
}

func (m *mockConsultRepo) UpdateStatus(_ context.Context, id string, version int64, status ConsultStatus, override bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.store[id]
	if !ok || c.Version != version || (c.IsLocked && !override) {
		return false, nil
	}
	c.Status = status
	c.Version++
	return true, nil
}

func (m *mockConsultRepo) UpdateNotes(_ context.Context, id string, version int64, notes string, override bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.store[id]
	if !ok || c.Version != version || (c.IsLocked && !override) {
		return false, nil
	}
	c.DoctorNotes = &notes
	c.Version++
	return true, nil
}

func (m *mockConsultRepo) SetLock(_ context.Context, id string, version int64, locked bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.store[id]
	if !ok || c.Version != version {
		return false, nil
	}
	c.IsLocked = locked
	c.Version++
	return true, nil
}

func (m *mockConsultRepo) CountByStatus(_ context.Context) (map[ConsultStatus]int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[ConsultStatus]int{}
	locked := 0
	for _, c := range m.store {
		counts[c.Status]++
		if c.IsLocked {
			locked++
		}
	}
	return counts, locked, nil
}

// -- Collaborators --

type auditCall struct{ action, actor string }

type fakeAuditor struct {
	mu    sync.Mutex
	calls []auditCall
}

func (f *fakeAuditor) Record(_ context.Context, action, actor string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, auditCall{action, actor})
}

func (f *fakeAuditor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAuditor) last() auditCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []notification.Message
}

func (f *fakeNotifier) Dispatch(msg notification.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

type fakeAnalyzer struct {
	result  *enrichment.Result
	summary string
	err     error
	calls   int
}

func (f *fakeAnalyzer) Analyze(_ context.Context, drugName, notes string) (*enrichment.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeAnalyzer) Summarize(_ context.Context, reason string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

type fakeRecorder struct {
	transitions []string
	rejections  int
}

func (f *fakeRecorder) TransitionApplied(kind, status string) {
	f.transitions = append(f.transitions, kind+":"+status)
}

func (f *fakeRecorder) LockRejected(string) { f.rejections++ }

var errStoreDown = errors.New("connection refused")
