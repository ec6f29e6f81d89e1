package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/NHSDigital/azure-fhir-server/internal/destination"
	"github.com/NHSDigital/azure-fhir-server/internal/domain"
	"github.com/NHSDigital/azure-fhir-server/internal/search"
	"github.com/NHSDigital/azure-fhir-server/internal/testutil"
)

const (
	testSecretName  = "export-job-1"
	testSecretValue = `{"destinationType":"memory","destinationConnectionString":"mem"}`
	patientFileURI  = "mem://job-1/Patient.ndjson"
)

var queuedAt = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store    *fakeJobStore
	searcher *fakeSearcher
	dest     *memoryDestination
	secrets  *mockSecretStore
	orch     *Orchestrator
}

func newHarness(t *testing.T, job *domain.ExportJob, pageSize, pagesPerCommit int) *harness {
	t.Helper()

	h := &harness{
		store:    newFakeJobStore(job),
		searcher: &fakeSearcher{},
		dest:     newMemoryDestination(),
		secrets:  &mockSecretStore{},
	}

	registry := destination.NewRegistry()
	registry.Register("memory", h.dest.factory())

	h.orch = NewOrchestrator(&Config{
		Logger:          testutil.DiscardLogger(),
		JobStore:        h.store,
		Searcher:        h.searcher,
		Secrets:         h.secrets,
		Destinations:    registry,
		MaxItemsPerPage: pageSize,
		PagesPerCommit:  pagesPerCommit,
	})
	return h
}

// expectSecret stubs the secret lookup and, when deleted is true, its cleanup
func (h *harness) expectSecret(deleted bool) {
	h.secrets.On("GetSecret", mock.Anything, testSecretName).Return(testSecretValue, nil)
	if deleted {
		h.secrets.On("DeleteSecret", mock.Anything, testSecretName).Return(nil).Once()
	}
}

func (h *harness) run(ctx context.Context) error {
	return h.orch.Run(ctx, h.store.snapshot())
}

func runningJob(resourceType string) *domain.ExportJob {
	return &domain.ExportJob{
		JobID:        "job-1",
		ResourceType: resourceType,
		Status:       domain.JobStatusRunning,
		QueuedAt:     queuedAt,
		SecretName:   testSecretName,
		Output:       map[string]*domain.FileInfo{},
	}
}

func record(resourceType, id string, offset time.Duration) search.Record {
	return search.Record{
		ResourceType: resourceType,
		ResourceID:   id,
		LastUpdated:  queuedAt.Add(offset),
		Body:         json.RawMessage(fmt.Sprintf(`{ "resourceType": %q, "id": %q }`, resourceType, id)),
	}
}

func line(resourceType, id string) string {
	return fmt.Sprintf(`{"resourceType":%q,"id":%q}`, resourceType, id) + "\n"
}

func patients(n int) []search.Record {
	out := make([]search.Record, n)
	for i := range out {
		out[i] = record("Patient", fmt.Sprintf("p%d", i+1), -time.Duration(n-i)*time.Minute)
	}
	return out
}

func patientLines(ids ...int) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(line("Patient", fmt.Sprintf("p%d", id)))
	}
	return sb.String()
}

func TestRun_ExportsRecordsQueuedBeforeJob(t *testing.T) {
	h := newHarness(t, runningJob("Patient"), 2, 10)
	h.expectSecret(true)
	h.searcher.add(patients(5)...)
	h.searcher.add(record("Patient", "late", time.Minute))

	require.NoError(t, h.run(context.Background()))

	job := h.store.snapshot().Job
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	require.NotNil(t, job.EndedAt)
	assert.Equal(t, int64(3), job.Progress.Page)
	assert.Nil(t, job.Progress.ContinuationToken)

	require.Len(t, job.Output, 1)
	fi := job.Output["Patient"]
	assert.Equal(t, patientFileURI, fi.FileURI)
	assert.Equal(t, int64(5), fi.Count)
	assert.Equal(t, int64(len(patientLines(1, 2, 3, 4, 5))), fi.Bytes)
	assert.Equal(t, patientLines(1, 2, 3, 4, 5), h.dest.content(patientFileURI))

	require.Equal(t, 3, h.searcher.callCount())
	assert.Equal(t, []search.Param{
		{Name: search.ParamCount, Value: "2"},
		{Name: search.ParamLastUpdated, Value: "le2024-01-01T12:00:00Z"},
	}, h.searcher.calls[0], "first page is requested without a continuation token")
	assert.Equal(t, search.Param{Name: search.ParamContinuationToken, Value: "2"}, h.searcher.calls[1][0])
	assert.Equal(t, search.Param{Name: search.ParamContinuationToken, Value: "4"}, h.searcher.calls[2][0])

	assert.Equal(t, 1, h.store.updates, "only the final status is persisted")
	assert.Equal(t, 2, h.store.probes)
	require.Len(t, h.dest.clients, 1)
	assert.True(t, h.dest.clients[0].closed)
	h.secrets.AssertExpectations(t)
}

func TestRun_OneFilePerResourceType(t *testing.T) {
	h := newHarness(t, runningJob(""), 2, 10)
	h.expectSecret(true)
	h.searcher.add(
		record("Patient", "p1", -time.Hour),
		record("Observation", "o1", -time.Hour),
		record("Patient", "p2", -time.Hour),
		record("Encounter", "e1", -time.Hour),
		record("Observation", "o2", -time.Hour),
	)

	require.NoError(t, h.run(context.Background()))

	job := h.store.snapshot().Job
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	require.Len(t, job.Output, 3)
	assert.Equal(t, 3, h.dest.creates)

	tests := []struct {
		resourceType string
		want         string
	}{
		{"Patient", line("Patient", "p1") + line("Patient", "p2")},
		{"Observation", line("Observation", "o1") + line("Observation", "o2")},
		{"Encounter", line("Encounter", "e1")},
	}
	for _, tt := range tests {
		t.Run(tt.resourceType, func(t *testing.T) {
			fi := job.Output[tt.resourceType]
			require.NotNil(t, fi)
			assert.Equal(t, tt.resourceType, fi.ResourceType)
			assert.Equal(t, "mem://job-1/"+tt.resourceType+".ndjson", fi.FileURI)
			assert.Equal(t, int64(strings.Count(tt.want, "\n")), fi.Count)
			assert.Equal(t, int64(len(tt.want)), fi.Bytes)
			assert.Equal(t, tt.want, h.dest.content(fi.FileURI))
		})
	}
	assert.Equal(t, int64(5), job.TotalCount())
}

func TestRun_CheckpointsEveryCommitInterval(t *testing.T) {
	h := newHarness(t, runningJob("Patient"), 1, 2)
	h.expectSecret(true)
	h.searcher.add(patients(5)...)

	require.NoError(t, h.run(context.Background()))

	assert.Equal(t, domain.JobStatusCompleted, h.store.snapshot().Job.Status)
	assert.Equal(t, 3, h.store.updates, "checkpoints at pages 2 and 4 plus the final status")
	assert.Equal(t, 2, h.store.probes, "probes at pages 1 and 3")
	assert.Equal(t, 3, h.dest.commits)
	assert.Equal(t, []int64{0, 2, 4}, h.dest.batchIDs(patientFileURI))
	assert.Equal(t, patientLines(1, 2, 3, 4, 5), h.dest.content(patientFileURI))
}

func TestRun_ResumesFromLastCheckpoint(t *testing.T) {
	tests := []struct {
		name           string
		pageSize       int
		interruptAt    int
		checkpointPage int64
		committed      string
		creates        int
		opens          int
	}{
		{
			name:           "page size 1",
			pageSize:       1,
			interruptAt:    4,
			checkpointPage: 2,
			committed:      patientLines(1, 2),
			creates:        1,
			opens:          1,
		},
		{
			name:           "page size 2",
			pageSize:       2,
			interruptAt:    3,
			checkpointPage: 2,
			committed:      patientLines(1, 2, 3, 4),
			creates:        1,
			opens:          1,
		},
		{
			name:           "interrupted before first checkpoint",
			pageSize:       3,
			interruptAt:    2,
			checkpointPage: 0,
			committed:      "",
			creates:        2,
			opens:          0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, runningJob("Patient"), tt.pageSize, 2)
			h.expectSecret(true)
			h.searcher.add(patients(5)...)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			h.searcher.beforeSearch = func(call int) error {
				if call == tt.interruptAt {
					cancel()
					return ctx.Err()
				}
				return nil
			}

			err := h.run(ctx)
			require.Error(t, err)
			var retryable *domain.RetryableError
			assert.ErrorAs(t, err, &retryable)
			assert.ErrorIs(t, err, context.Canceled)

			interrupted := h.store.snapshot().Job
			assert.Equal(t, domain.JobStatusRunning, interrupted.Status)
			assert.Nil(t, interrupted.EndedAt)
			if tt.checkpointPage > 0 {
				require.NotNil(t, interrupted.Progress)
				assert.Equal(t, tt.checkpointPage, interrupted.Progress.Page)
				assert.NotNil(t, interrupted.Progress.ContinuationToken)
			}
			assert.Equal(t, tt.committed, h.dest.content(patientFileURI), "uncommitted batches are not visible")

			h.searcher.beforeSearch = nil
			require.NoError(t, h.run(context.Background()))

			job := h.store.snapshot().Job
			assert.Equal(t, domain.JobStatusCompleted, job.Status)
			assert.Equal(t, int64(5), job.Output["Patient"].Count)
			assert.Equal(t, int64(len(patientLines(1, 2, 3, 4, 5))), job.Output["Patient"].Bytes)
			assert.Equal(t, patientLines(1, 2, 3, 4, 5), h.dest.content(patientFileURI))
			assert.Equal(t, tt.creates, h.dest.creates)
			assert.Equal(t, tt.opens, h.dest.opens)
			h.secrets.AssertExpectations(t)
		})
	}
}

func TestRun_ReplaysBatchWhenCheckpointWasLost(t *testing.T) {
	h := newHarness(t, runningJob("Patient"), 1, 2)
	h.expectSecret(true)
	h.searcher.add(patients(5)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.store.beforeUpdate = func(s *fakeJobStore, job *domain.ExportJob) error {
		// The destination commit landed but the process died before persisting.
		cancel()
		return ctx.Err()
	}

	require.Error(t, h.run(ctx))
	assert.Equal(t, patientLines(1, 2), h.dest.content(patientFileURI))
	assert.Nil(t, h.store.snapshot().Job.Progress, "progress was never persisted")

	h.store.beforeUpdate = nil
	require.NoError(t, h.run(context.Background()))

	job := h.store.snapshot().Job
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, int64(5), job.Output["Patient"].Count)
	assert.Equal(t, patientLines(1, 2, 3, 4, 5), h.dest.content(patientFileURI), "replayed batch replaces committed bytes")
}

func TestRun_CancelDuringCheckpointMergesOutput(t *testing.T) {
	h := newHarness(t, runningJob("Patient"), 1, 2)
	h.expectSecret(false)
	h.searcher.add(patients(5)...)

	canceledAt := queuedAt.Add(time.Hour)
	group := &domain.FileInfo{ResourceType: "Group", FileURI: "mem://job-1/Group.ndjson", Count: 7, Bytes: 70}
	canceled := false
	h.store.beforeUpdate = func(s *fakeJobStore, job *domain.ExportJob) error {
		if !canceled {
			canceled = true
			s.mutate(func(j *domain.ExportJob) {
				j.Status = domain.JobStatusCanceled
				j.EndedAt = &canceledAt
				j.Output["Group"] = group
			})
		}
		return nil
	}

	require.NoError(t, h.run(context.Background()))

	job := h.store.snapshot().Job
	assert.Equal(t, domain.JobStatusCanceled, job.Status, "cancellation is never overwritten")
	require.NotNil(t, job.EndedAt)
	assert.Equal(t, canceledAt, *job.EndedAt)
	require.Len(t, job.Output, 2)
	assert.Equal(t, *group, *job.Output["Group"], "canceler's entries are kept")
	assert.Equal(t, int64(2), job.Output["Patient"].Count, "committed output is merged")
	assert.Equal(t, 2, h.searcher.callCount())
	assert.Equal(t, patientLines(1, 2), h.dest.content(patientFileURI))
	h.secrets.AssertNotCalled(t, "DeleteSecret", mock.Anything, mock.Anything)
}

func TestRun_CancelDetectedByProbe(t *testing.T) {
	h := newHarness(t, runningJob("Patient"), 1, 10)
	h.expectSecret(false)
	h.searcher.add(patients(5)...)

	h.searcher.beforeSearch = func(call int) error {
		if call == 1 {
			h.store.mutate(func(j *domain.ExportJob) {
				j.Status = domain.JobStatusCanceled
			})
		}
		return nil
	}

	require.NoError(t, h.run(context.Background()))

	job := h.store.snapshot().Job
	assert.Equal(t, domain.JobStatusCanceled, job.Status)
	assert.Empty(t, job.Output, "uncommitted output is never persisted")
	assert.Equal(t, 0, h.store.updates)
	assert.Equal(t, 1, h.searcher.callCount())
	assert.Empty(t, h.dest.content(patientFileURI))
	h.secrets.AssertNotCalled(t, "DeleteSecret", mock.Anything, mock.Anything)
}

func TestRun_AbandonsJobReclaimedByAnotherWorker(t *testing.T) {
	h := newHarness(t, runningJob("Patient"), 1, 2)
	h.expectSecret(false)
	h.searcher.add(patients(5)...)

	reclaimed := false
	h.store.beforeUpdate = func(s *fakeJobStore, job *domain.ExportJob) error {
		if !reclaimed {
			reclaimed = true
			s.mutate(func(*domain.ExportJob) {})
		}
		return nil
	}

	require.NoError(t, h.run(context.Background()))

	job := h.store.snapshot().Job
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.Empty(t, job.Output)
	assert.Equal(t, 1, h.store.updates, "only the conflicting checkpoint was attempted")
	assert.Equal(t, 2, h.searcher.callCount())
}

func TestRun_SetupFailuresMarkJobFailed(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		wantErr error
	}{
		{
			name: "secret missing",
			setup: func(h *harness) {
				h.secrets.On("GetSecret", mock.Anything, testSecretName).Return("", domain.ErrSecretNotFound)
			},
			wantErr: domain.ErrSecretNotFound,
		},
		{
			name: "secret is not destination info",
			setup: func(h *harness) {
				h.secrets.On("GetSecret", mock.Anything, testSecretName).Return("not json", nil)
			},
		},
		{
			name: "unknown destination kind",
			setup: func(h *harness) {
				h.secrets.On("GetSecret", mock.Anything, testSecretName).
					Return(`{"destinationType":"tape","destinationConnectionString":"x"}`, nil)
			},
			wantErr: domain.ErrUnknownDestination,
		},
		{
			name: "destination connect fails",
			setup: func(h *harness) {
				h.expectSecret(false)
				h.dest.connectErr = errors.New("connection refused")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, runningJob("Patient"), 2, 10)
			h.searcher.add(patients(3)...)
			tt.setup(h)

			err := h.run(context.Background())
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}

			job := h.store.snapshot().Job
			assert.Equal(t, domain.JobStatusFailed, job.Status)
			assert.NotNil(t, job.EndedAt)
			assert.Equal(t, 0, h.searcher.callCount())
			h.secrets.AssertNotCalled(t, "DeleteSecret", mock.Anything, mock.Anything)
		})
	}
}

func TestRun_CollaboratorFailuresMarkJobFailed(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{
			name: "search fails",
			setup: func(h *harness) {
				h.searcher.beforeSearch = func(call int) error {
					if call == 2 {
						return errors.New("search unavailable")
					}
					return nil
				}
			},
		},
		{
			name: "commit fails",
			setup: func(h *harness) {
				h.dest.commitErr = errors.New("disk full")
			},
		},
		{
			name: "record is not json",
			setup: func(h *harness) {
				h.searcher.add(search.Record{ResourceType: "Patient", ResourceID: "bad", LastUpdated: queuedAt, Body: json.RawMessage("{")})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, runningJob("Patient"), 2, 10)
			h.expectSecret(false)
			h.searcher.add(patients(3)...)
			tt.setup(h)

			require.Error(t, h.run(context.Background()))

			job := h.store.snapshot().Job
			assert.Equal(t, domain.JobStatusFailed, job.Status)
			assert.NotNil(t, job.EndedAt)
			h.secrets.AssertNotCalled(t, "DeleteSecret", mock.Anything, mock.Anything)
		})
	}
}

func TestRun_SecretCleanupFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, runningJob("Patient"), 2, 10)
	h.secrets.On("GetSecret", mock.Anything, testSecretName).Return(testSecretValue, nil)
	h.secrets.On("DeleteSecret", mock.Anything, testSecretName).Return(errors.New("vault sealed"))
	h.searcher.add(patients(3)...)

	require.NoError(t, h.run(context.Background()))
	assert.Equal(t, domain.JobStatusCompleted, h.store.snapshot().Job.Status)
	h.secrets.AssertExpectations(t)
}

func TestRun_FinalizeConflict(t *testing.T) {
	canceledAt := queuedAt.Add(time.Hour)

	tests := []struct {
		name        string
		mutate      func(j *domain.ExportJob)
		wantStatus  domain.JobStatus
		wantEndedAt *time.Time
		wantOutput  bool
	}{
		{
			name: "job canceled before completion",
			mutate: func(j *domain.ExportJob) {
				j.Status = domain.JobStatusCanceled
				j.EndedAt = &canceledAt
			},
			wantStatus:  domain.JobStatusCanceled,
			wantEndedAt: &canceledAt,
			wantOutput:  true,
		},
		{
			name:       "job reclaimed by another worker",
			mutate:     func(*domain.ExportJob) {},
			wantStatus: domain.JobStatusRunning,
		},
		{
			name: "job already failed",
			mutate: func(j *domain.ExportJob) {
				j.Status = domain.JobStatusFailed
				j.EndedAt = &canceledAt
			},
			wantStatus:  domain.JobStatusFailed,
			wantEndedAt: &canceledAt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, runningJob("Patient"), 2, 10)
			h.expectSecret(false)
			h.searcher.add(patients(3)...)

			conflicted := false
			h.store.beforeUpdate = func(s *fakeJobStore, job *domain.ExportJob) error {
				if job.Status == domain.JobStatusCompleted && !conflicted {
					conflicted = true
					s.mutate(tt.mutate)
				}
				return nil
			}

			require.NoError(t, h.run(context.Background()))

			job := h.store.snapshot().Job
			assert.Equal(t, tt.wantStatus, job.Status, "status set by the other actor is kept")
			assert.Equal(t, tt.wantEndedAt, job.EndedAt)
			if tt.wantOutput {
				require.Contains(t, job.Output, "Patient")
				assert.Equal(t, int64(3), job.Output["Patient"].Count, "committed output is merged")
			} else {
				assert.Empty(t, job.Output)
			}
			h.secrets.AssertNotCalled(t, "DeleteSecret", mock.Anything, mock.Anything)
		})
	}
}

func TestRun_FailureAfterReclaimLeavesJobRunning(t *testing.T) {
	h := newHarness(t, runningJob("Patient"), 1, 10)
	h.expectSecret(false)
	h.searcher.add(patients(3)...)

	h.searcher.beforeSearch = func(call int) error {
		if call == 2 {
			h.store.mutate(func(*domain.ExportJob) {})
			return errors.New("transient search failure")
		}
		return nil
	}

	require.NoError(t, h.run(context.Background()), "the run hands the job over")

	job := h.store.snapshot().Job
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.Nil(t, job.EndedAt)
	assert.Equal(t, 1, h.store.updates, "only the rejected FAILED write was attempted")
}

func TestRun_ReloadFailureAfterConflictAbandons(t *testing.T) {
	h := newHarness(t, runningJob("Patient"), 1, 2)
	h.expectSecret(false)
	h.searcher.add(patients(5)...)

	reclaimed := false
	h.store.beforeUpdate = func(s *fakeJobStore, job *domain.ExportJob) error {
		if !reclaimed {
			reclaimed = true
			s.mutate(func(*domain.ExportJob) {})
			s.getErr = domain.ErrJobNotFound
		}
		return nil
	}

	require.NoError(t, h.run(context.Background()))

	job := h.store.snapshot().Job
	assert.Equal(t, domain.JobStatusRunning, job.Status, "job is never marked FAILED")
	assert.Nil(t, job.EndedAt)
	assert.Equal(t, 1, h.store.updates)
	assert.Equal(t, 2, h.searcher.callCount())
	h.secrets.AssertNotCalled(t, "DeleteSecret", mock.Anything, mock.Anything)
}

func TestRun_FinishedPaginationOnlyFinalizes(t *testing.T) {
	job := runningJob("Patient")
	job.Progress = &domain.Progress{Page: 3}
	job.Output["Patient"] = &domain.FileInfo{ResourceType: "Patient", FileURI: patientFileURI, Count: 5, Bytes: 100}

	h := newHarness(t, job, 2, 10)
	h.expectSecret(true)

	require.NoError(t, h.run(context.Background()))

	got := h.store.snapshot().Job
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, int64(5), got.Output["Patient"].Count)
	assert.Equal(t, 0, h.searcher.callCount())
	assert.Equal(t, 0, h.dest.opens)
}

func TestRun_RecordsInsertedMidRunAreExcluded(t *testing.T) {
	h := newHarness(t, runningJob("Patient"), 2, 10)
	h.expectSecret(true)
	h.searcher.add(patients(4)...)

	h.searcher.beforeSearch = func(call int) error {
		if call == 2 {
			h.searcher.add(record("Patient", "late", time.Second))
		}
		return nil
	}

	require.NoError(t, h.run(context.Background()))

	content := h.dest.content(patientFileURI)
	assert.Equal(t, patientLines(1, 2, 3, 4), content)
	assert.NotContains(t, content, "late")
	for _, params := range h.searcher.calls {
		assert.Contains(t, params, search.Param{Name: search.ParamLastUpdated, Value: "le2024-01-01T12:00:00Z"})
	}
}

func TestNewOrchestrator_Defaults(t *testing.T) {
	o := NewOrchestrator(&Config{Logger: testutil.DiscardLogger()})
	assert.Equal(t, search.DefaultPageSize, o.pageSize)
	assert.Equal(t, int64(DefaultPagesPerCommit), o.pagesPerCommit)
}
