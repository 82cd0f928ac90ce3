package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ruteri/apas-records-backend/authz"
	"github.com/ruteri/apas-records-backend/interfaces"
)

// AliasPrefix starts every pseudonymous subject alias.
const AliasPrefix = "sid_"

const aliasDigestChars = 10

// Header is the column layout of an anonymised report.
var Header = []string{"id", "student_alias", "course", "marks", "attendance", "risk_score", "instructor_name", "timestamp"}

// RecordScanner is the part of the record store an export reads from.
type RecordScanner interface {
	ScanAll(ctx context.Context, grant authz.Grant) ([]interfaces.ConfidentialRecord, error)
}

// Report describes a stored export.
type Report struct {
	ContentID interfaces.ContentID `json:"content_id"`
	Location  string               `json:"location"`
	Rows      int                  `json:"rows"`
}

// Exporter renders every record to CSV with the subject replaced by an
// alias derived from its digest, and stores the result.
type Exporter struct {
	records RecordScanner
	backend interfaces.StorageBackend
	log     *slog.Logger
}

func NewExporter(records RecordScanner, backend interfaces.StorageBackend, log *slog.Logger) *Exporter {
	return &Exporter{records: records, backend: backend, log: log}
}

// Alias returns the pseudonym for a subject digest. It never requires
// decrypting the subject.
func Alias(digest interfaces.Digest) string {
	d := string(digest)
	if len(d) > aliasDigestChars {
		d = d[:aliasDigestChars]
	}
	return AliasPrefix + d
}

// Render writes records as CSV. Plaintext subjects are ignored even when present.
func Render(records []interfaces.ConfidentialRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(Header); err != nil {
		return nil, err
	}
	for _, rec := range records {
		row := []string{
			strconv.FormatInt(rec.ID, 10),
			Alias(rec.SubjectDigest),
			escapeFormula(rec.Course),
			formatFloat(rec.Marks),
			formatFloat(rec.Attendance),
			formatFloat(rec.RiskScore),
			escapeFormula(rec.Owner),
			rec.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// escapeFormula prefixes user-supplied cells that a spreadsheet would
// evaluate as a formula with a single quote.
func escapeFormula(cell string) string {
	if cell == "" {
		return cell
	}
	switch cell[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + cell
	}
	return cell
}

// Export scans all records (admin only, enforced by the store), renders
// them and stores the report.
func (e *Exporter) Export(ctx context.Context, grant authz.Grant) (*Report, error) {
	records, err := e.records.ScanAll(ctx, grant)
	if err != nil {
		return nil, err
	}

	data, err := Render(records)
	if err != nil {
		return nil, fmt.Errorf("failed to render report: %w", err)
	}

	id, err := e.backend.Store(ctx, data, interfaces.CSVReportType)
	if err != nil {
		return nil, fmt.Errorf("failed to store report: %w", err)
	}

	e.log.Info("Exported anonymised report",
		slog.String("contentID", id.String()),
		slog.Int("rows", len(records)),
		slog.String("backend", e.backend.Name()))

	return &Report{
		ContentID: id,
		Location:  e.backend.LocationURI(),
		Rows:      len(records),
	}, nil
}

// Fetch returns a previously stored report.
func (e *Exporter) Fetch(ctx context.Context, grant authz.Grant, id interfaces.ContentID) ([]byte, error) {
	if !grant.HasRole(interfaces.RoleAdmin) {
		return nil, fmt.Errorf("%w: reports are admin only", interfaces.ErrForbidden)
	}
	return e.backend.Fetch(ctx, id, interfaces.CSVReportType)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
