package search

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/NHSDigital/azure-fhir-server/internal/domain"
)

// Cursor is the keyset position of the last record returned by a page
type Cursor struct {
	ResourceType string
	ResourceID   string
}

// DecodeCursor parses an opaque continuation token
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("%w: invalid cursor format", domain.ErrInvalidToken)
	}

	return &Cursor{ResourceType: parts[0], ResourceID: parts[1]}, nil
}

// EncodeCursor renders a cursor as an opaque continuation token
func EncodeCursor(cursor *Cursor) string {
	cs := fmt.Sprintf("%s|%s", cursor.ResourceType, cursor.ResourceID)
	return base64.StdEncoding.EncodeToString([]byte(cs))
}
