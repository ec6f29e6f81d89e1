package export

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/NHSDigital/azure-fhir-server/internal/destination"
	"github.com/NHSDigital/azure-fhir-server/internal/domain"
	"github.com/NHSDigital/azure-fhir-server/internal/search"
)

// fakeJobStore keeps one job in memory under a version counter etag
type fakeJobStore struct {
	mu      sync.Mutex
	job     *domain.ExportJob
	version int

	updates int
	probes  int

	// beforeUpdate runs before every UpdateJob with the job being written
	beforeUpdate func(s *fakeJobStore, job *domain.ExportJob) error
	// getErr fails direct GetJobByID calls; probes are unaffected
	getErr error
}

func newFakeJobStore(job *domain.ExportJob) *fakeJobStore {
	return &fakeJobStore{job: job.Clone(), version: 1}
}

func (s *fakeJobStore) etag() domain.ETag {
	return domain.ETag(fmt.Sprintf("v%d", s.version))
}

func (s *fakeJobStore) snapshot() *domain.JobSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &domain.JobSnapshot{Job: s.job.Clone(), ETag: s.etag()}
}

// mutate applies fn as another actor would, bumping the etag
func (s *fakeJobStore) mutate(fn func(job *domain.ExportJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.job)
	s.version++
}

func (s *fakeJobStore) GetJobByID(ctx context.Context, jobID string) (*domain.JobSnapshot, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.get(jobID)
}

func (s *fakeJobStore) get(jobID string) (*domain.JobSnapshot, error) {
	if jobID != s.job.JobID {
		return nil, domain.ErrJobNotFound
	}
	return s.snapshot(), nil
}

func (s *fakeJobStore) UpdateJob(ctx context.Context, job *domain.ExportJob, etag domain.ETag) (*domain.JobSnapshot, error) {
	if s.beforeUpdate != nil {
		if err := s.beforeUpdate(s, job); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++

	if etag != s.etag() {
		return nil, domain.ErrJobConflict
	}
	if s.job.Status != job.Status && !s.job.Status.CanTransitionTo(job.Status) {
		return nil, domain.ErrInvalidStatusTransition
	}

	s.job = job.Clone()
	s.version++
	return &domain.JobSnapshot{Job: s.job.Clone(), ETag: s.etag()}, nil
}

func (s *fakeJobStore) TryGetUpdatedJob(ctx context.Context, jobID string, etag domain.ETag) (*domain.JobSnapshot, bool, error) {
	s.mu.Lock()
	s.probes++
	s.mu.Unlock()

	snapshot, err := s.get(jobID)
	if err != nil {
		return nil, false, err
	}
	if snapshot.ETag == etag {
		return nil, false, nil
	}
	return snapshot, true, nil
}

// fakeSearcher pages through a fixed record set using the record index as token
type fakeSearcher struct {
	mu      sync.Mutex
	records []search.Record
	calls   [][]search.Param

	// beforeSearch runs before each call with its 1-based number
	beforeSearch func(call int) error
}

func (f *fakeSearcher) add(records ...search.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, records...)
}

func (f *fakeSearcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSearcher) Search(ctx context.Context, resourceType string, params []search.Param) (*search.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, params)
	call := len(f.calls)
	f.mu.Unlock()

	if f.beforeSearch != nil {
		if err := f.beforeSearch(call); err != nil {
			return nil, err
		}
	}

	start, count := 0, search.DefaultPageSize
	var bound *time.Time
	for _, p := range params {
		switch p.Name {
		case search.ParamContinuationToken:
			start, _ = strconv.Atoi(p.Value)
		case search.ParamCount:
			count, _ = strconv.Atoi(p.Value)
		case search.ParamLastUpdated:
			t, err := time.Parse(time.RFC3339Nano, strings.TrimPrefix(p.Value, "le"))
			if err != nil {
				return nil, err
			}
			bound = &t
		}
	}

	f.mu.Lock()
	var matched []search.Record
	for _, rec := range f.records {
		if resourceType != "" && rec.ResourceType != resourceType {
			continue
		}
		if bound != nil && rec.LastUpdated.After(*bound) {
			continue
		}
		matched = append(matched, rec)
	}
	f.mu.Unlock()

	if start > len(matched) {
		start = len(matched)
	}
	end := start + count
	result := &search.Result{}
	if end < len(matched) {
		token := strconv.Itoa(end)
		result.ContinuationToken = &token
	} else {
		end = len(matched)
	}
	result.Records = matched[start:end]
	return result, nil
}

// memoryDestination is a destination backend shared by the clients it builds,
// so a second run sees what the first one committed.
type memoryDestination struct {
	mu        sync.Mutex
	files     map[string]bool
	committed map[string]map[int64][]byte

	clients    []*memoryClient
	creates    int
	opens      int
	commits    int
	connectErr error
	commitErr  error
}

func newMemoryDestination() *memoryDestination {
	return &memoryDestination{
		files:     make(map[string]bool),
		committed: make(map[string]map[int64][]byte),
	}
}

func (m *memoryDestination) factory() destination.Factory {
	return func(*slog.Logger) destination.Client {
		c := &memoryClient{backend: m, pending: destination.NewPendingBlocks(), open: map[string]bool{}}
		m.mu.Lock()
		m.clients = append(m.clients, c)
		m.mu.Unlock()
		return c
	}
}

// content returns the committed bytes of uri in batch order
func (m *memoryDestination) content(uri string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	batches := m.committed[uri]
	ids := make([]int64, 0, len(batches))
	for id := range batches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var sb strings.Builder
	for _, id := range ids {
		sb.Write(batches[id])
	}
	return sb.String()
}

func (m *memoryDestination) batchIDs(uri string) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int64
	for id := range m.committed[uri] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type memoryClient struct {
	backend *memoryDestination
	jobID   string
	pending *destination.PendingBlocks
	open    map[string]bool
	closed  bool
}

func (c *memoryClient) Connect(ctx context.Context, connectionString, jobID string) error {
	if c.backend.connectErr != nil {
		return c.backend.connectErr
	}
	c.jobID = jobID
	return nil
}

func (c *memoryClient) CreateFile(ctx context.Context, name string) (string, error) {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()

	uri := "mem://" + c.jobID + "/" + name
	c.backend.creates++
	c.backend.files[uri] = true
	c.open[uri] = true
	return uri, nil
}

func (c *memoryClient) OpenFile(ctx context.Context, fileURI string) error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()

	if !c.backend.files[fileURI] {
		return domain.ErrFileNotFound
	}
	c.backend.opens++
	c.open[fileURI] = true
	return nil
}

func (c *memoryClient) WriteFilePart(ctx context.Context, fileURI string, batchID int64, data []byte) error {
	if !c.open[fileURI] {
		return fmt.Errorf("file is not open: %s", fileURI)
	}
	c.pending.Append(fileURI, batchID, data)
	return nil
}

func (c *memoryClient) Commit(ctx context.Context) error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()

	if c.backend.commitErr != nil {
		return c.backend.commitErr
	}
	for _, b := range c.pending.Blocks() {
		if c.backend.committed[b.FileURI] == nil {
			c.backend.committed[b.FileURI] = make(map[int64][]byte)
		}
		c.backend.committed[b.FileURI][b.BatchID] = append([]byte(nil), b.Data...)
	}
	c.backend.commits++
	c.pending.Reset()
	return nil
}

func (c *memoryClient) Close() error {
	c.closed = true
	c.pending.Reset()
	return nil
}

type mockSecretStore struct {
	mock.Mock
}

func (m *mockSecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	args := m.Called(ctx, name)
	return args.String(0), args.Error(1)
}

func (m *mockSecretStore) SetSecret(ctx context.Context, name, value string) error {
	args := m.Called(ctx, name, value)
	return args.Error(0)
}

func (m *mockSecretStore) DeleteSecret(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}
