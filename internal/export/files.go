package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/NHSDigital/azure-fhir-server/internal/destination"
	"github.com/NHSDigital/azure-fhir-server/internal/domain"
	"github.com/NHSDigital/azure-fhir-server/internal/search"
)

// fileSet tracks which resource-type files this run has opened.
// Counters live in the job's output map; only the open handles are per run.
type fileSet struct {
	client destination.Client
	opened map[string]string // resource type -> file URI
}

func newFileSet(client destination.Client) *fileSet {
	return &fileSet{
		client: client,
		opened: make(map[string]string),
	}
}

// route returns the FileInfo records of resourceType are written to. The
// first call per type reopens the file listed in the job's output or creates
// a new one and registers it there.
func (s *fileSet) route(ctx context.Context, job *domain.ExportJob, resourceType string) (*domain.FileInfo, error) {
	fi, known := job.Output[resourceType]
	if _, open := s.opened[resourceType]; open && known {
		return fi, nil
	}

	if known {
		if err := s.client.OpenFile(ctx, fi.FileURI); err != nil {
			return nil, fmt.Errorf("failed to reopen %s file: %w", resourceType, err)
		}
	} else {
		uri, err := s.client.CreateFile(ctx, domain.FileName(resourceType))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s file: %w", resourceType, err)
		}
		fi = &domain.FileInfo{ResourceType: resourceType, FileURI: uri}
		job.Output[resourceType] = fi
	}

	s.opened[resourceType] = fi.FileURI
	return fi, nil
}

// encodeRecord renders a record as one NDJSON line
func encodeRecord(rec search.Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, rec.Body); err != nil {
		return nil, fmt.Errorf("failed to encode record %s/%s: %w", rec.ResourceType, rec.ResourceID, err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
