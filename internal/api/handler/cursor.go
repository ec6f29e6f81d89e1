package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/NHSDigital/azure-fhir-server/internal/jobstore"
)

// DecodeJobCursor parses the next_cursor value returned by ListJobs
func DecodeJobCursor(cursorStr string) (*jobstore.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	createdPart, jobID, ok := strings.Cut(string(decoded), "|")
	if !ok || jobID == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	if _, err := fmt.Sscanf(createdPart, "%d", &createdAt); err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &jobstore.JobCursor{
		CreatedAt: time.Unix(0, createdAt).UTC(),
		JobID:     jobID,
	}, nil
}

// EncodeJobCursor renders the keyset position of the last listed job
func EncodeJobCursor(cursor *jobstore.JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.JobID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
