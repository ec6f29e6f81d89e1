package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/NHSDigital/azure-fhir-server/internal/search"
)

const maxImportLine = 16 * 1024 * 1024

// resourceHeader is the part of a resource the import needs to index it
type resourceHeader struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         struct {
		LastUpdated *time.Time `json:"lastUpdated"`
	} `json:"meta"`
}

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.ndjson>",
		Short: "Load NDJSON resources into the searchable resource table",
		Long: `Load NDJSON resources into the searchable resource table.

Each line must be a JSON object with resourceType and id. meta.lastUpdated is
used when present, otherwise the import time is recorded. Use "-" to read stdin.

Examples:
  exportctl import patients.ndjson
  cat observations.ndjson | exportctl import -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open %s: %w", args[0], err)
				}
				defer f.Close()
				r = f
			}

			store := search.NewStore(a.db, a.logger)
			scanner := bufio.NewScanner(r)
			scanner.Buffer(make([]byte, 64*1024), maxImportLine)

			imported, lineNo := 0, 0
			for scanner.Scan() {
				lineNo++
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}

				var header resourceHeader
				if err := json.Unmarshal([]byte(line), &header); err != nil {
					return fmt.Errorf("line %d: %w", lineNo, err)
				}

				lastUpdated := a.now()
				if header.Meta.LastUpdated != nil {
					lastUpdated = *header.Meta.LastUpdated
				}

				err := store.Upsert(cmd.Context(), search.Record{
					ResourceType: header.ResourceType,
					ResourceID:   header.ID,
					LastUpdated:  lastUpdated,
					Body:         json.RawMessage(line),
				})
				if err != nil {
					return fmt.Errorf("line %d: %w", lineNo, err)
				}
				imported++
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d resources\n", imported)
			return nil
		},
	}
}
