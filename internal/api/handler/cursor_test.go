package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NHSDigital/azure-fhir-server/internal/jobstore"
)

func TestJobCursor_RoundTrip(t *testing.T) {
	cursor := &jobstore.JobCursor{
		CreatedAt: time.Date(2024, 3, 4, 5, 6, 7, 891011, time.UTC),
		JobID:     "6f1c0a4e-2c55-4a8e-9d8e-2f0c5a0c1d11",
	}

	decoded, err := DecodeJobCursor(EncodeJobCursor(cursor))
	require.NoError(t, err)
	assert.Equal(t, cursor.JobID, decoded.JobID)
	assert.True(t, cursor.CreatedAt.Equal(decoded.CreatedAt))
}

func TestDecodeJobCursor(t *testing.T) {
	encode := func(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name    string
		cursor  string
		wantNil bool
		wantErr bool
	}{
		{"empty", "", true, false},
		{"not base64", "%%%", false, true},
		{"missing separator", encode("12345"), false, true},
		{"missing job id", encode("12345|"), false, true},
		{"non-numeric time", encode("abc|job"), false, true},
		{"valid", encode("12345|job"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeJobCursor(tt.cursor)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNil, got == nil)
		})
	}
}
