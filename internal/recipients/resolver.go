package recipients

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ttacon/libphonenumber"
	"github.com/xuri/excelize/v2"

	"github.com/foxzi/wapanel/internal/models"
)

// DefaultMinDigits is the shortest phone accepted by default
const DefaultMinDigits = 10

var phoneHeaders = map[string]bool{
	"telefono": true, "phone": true, "celular": true, "movil": true, "mobile": true,
	"whatsapp": true, "numero": true, "tel": true, "phone_number": true,
}

var nameHeaders = map[string]bool{
	"nombre": true, "name": true, "contacto": true, "contact": true,
	"paciente": true, "cliente": true, "full_name": true,
}

var accents = strings.NewReplacer("á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n")

// ParseError is returned when a recipient source cannot be read at all
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot read recipients from %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() []error {
	return []error{models.ErrValidation, e.Err}
}

// Config controls phone normalization
type Config struct {
	// DefaultRegion is an ISO 3166 code used to add the country code to
	// numbers written without one. Empty keeps digits as written.
	DefaultRegion string
	// MinDigits discards rows whose cleaned phone is shorter
	MinDigits int
}

// Result is the outcome of resolving a source
type Result struct {
	Recipients []models.ResolvedRecipient
	Skipped    int // rows dropped for a missing or short phone
	Duplicates int // rows collapsed into an earlier occurrence
}

// Resolver turns tabular or stored sources into de-duplicated recipients
type Resolver struct {
	region    string
	minDigits int
}

// New creates a resolver
func New(cfg Config) *Resolver {
	if cfg.MinDigits <= 0 {
		cfg.MinDigits = DefaultMinDigits
	}
	return &Resolver{
		region:    strings.ToUpper(cfg.DefaultRegion),
		minDigits: cfg.MinDigits,
	}
}

// FromFile picks a parser by file extension
func (r *Resolver) FromFile(filename string, src io.Reader) (*Result, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xlsm":
		return r.FromXLSX(src)
	case ".csv", ".txt":
		return r.FromCSV(src)
	default:
		return nil, &ParseError{Source: filename, Err: fmt.Errorf("unsupported file type")}
	}
}

// FromXLSX reads the first sheet of a workbook
func (r *Resolver) FromXLSX(src io.Reader) (*Result, error) {
	f, err := excelize.OpenReader(src)
	if err != nil {
		return nil, &ParseError{Source: "xlsx", Err: err}
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &ParseError{Source: "xlsx", Err: fmt.Errorf("workbook has no sheets")}
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, &ParseError{Source: "xlsx", Err: err}
	}
	return r.FromRows(rows), nil
}

// FromCSV reads comma or semicolon separated rows
func (r *Resolver) FromCSV(src io.Reader) (*Result, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, &ParseError{Source: "csv", Err: err}
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	firstLine, _, _ := bytes.Cut(data, []byte("\n"))
	if bytes.Count(firstLine, []byte(";")) > bytes.Count(firstLine, []byte(",")) {
		reader.Comma = ';'
	}

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, &ParseError{Source: "csv", Err: err}
	}
	return r.FromRows(rows), nil
}

// FromRows resolves rows of cells. The first row is a header when any of
// its cells names a phone or name column; otherwise column 0 is the phone,
// column 1 the name, and the first row is data.
func (r *Resolver) FromRows(rows [][]string) *Result {
	if len(rows) == 0 {
		return &Result{Recipients: []models.ResolvedRecipient{}}
	}

	phoneIdx, nameIdx, header := detectColumns(rows[0])
	if header {
		rows = rows[1:]
	}

	entries := make([]models.ResolvedRecipient, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		if phoneIdx >= len(row) {
			skipped++
			continue
		}
		e := models.ResolvedRecipient{Phone: row[phoneIdx]}
		if nameIdx >= 0 && nameIdx < len(row) {
			e.Name = strings.TrimSpace(row[nameIdx])
		}
		entries = append(entries, e)
	}

	res := r.FromEntries(entries)
	res.Skipped += skipped
	return res
}

// FromContacts resolves a saved contact list
func (r *Resolver) FromContacts(contacts []models.Contact) *Result {
	entries := make([]models.ResolvedRecipient, len(contacts))
	for i, c := range contacts {
		entries[i] = models.ResolvedRecipient{Phone: c.Phone, Name: c.Name}
	}
	return r.FromEntries(entries)
}

// FromEntries normalizes and de-duplicates already structured recipients,
// keeping the first occurrence of every phone.
func (r *Resolver) FromEntries(entries []models.ResolvedRecipient) *Result {
	res := &Result{Recipients: make([]models.ResolvedRecipient, 0, len(entries))}
	seen := make(map[string]bool, len(entries))

	for _, e := range entries {
		phone, ok := r.Normalize(e.Phone)
		if !ok {
			res.Skipped++
			continue
		}
		if seen[phone] {
			res.Duplicates++
			continue
		}
		seen[phone] = true

		e.Phone = phone
		e.Name = strings.TrimSpace(e.Name)
		res.Recipients = append(res.Recipients, e)
	}

	return res
}

// Normalize returns the digits-only form of a phone, with the country code
// applied when a default region is configured. The second value is false
// when the cleaned number is shorter than the minimum.
func (r *Resolver) Normalize(raw string) (string, bool) {
	cleaned := clean(raw)
	digits := strings.TrimPrefix(cleaned, "+")
	if len(digits) < r.minDigits {
		return "", false
	}

	if r.region != "" {
		if num, err := libphonenumber.Parse(cleaned, r.region); err == nil {
			digits = strings.TrimPrefix(libphonenumber.Format(num, libphonenumber.E164), "+")
		}
	}
	return digits, true
}

// clean drops everything but digits and a '+' that precedes all digits
func clean(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, ch := range raw {
		switch {
		case ch >= '0' && ch <= '9':
			b.WriteRune(ch)
		case ch == '+' && b.Len() == 0:
			b.WriteRune(ch)
		}
	}
	return b.String()
}

func detectColumns(header []string) (phoneIdx, nameIdx int, isHeader bool) {
	phoneIdx, nameIdx = -1, -1
	for i, cell := range header {
		key := accents.Replace(strings.ToLower(strings.TrimSpace(cell)))
		switch {
		case phoneIdx < 0 && phoneHeaders[key]:
			phoneIdx = i
		case nameIdx < 0 && nameHeaders[key]:
			nameIdx = i
		}
	}

	if phoneIdx < 0 && nameIdx < 0 {
		return 0, 1, false
	}
	if phoneIdx < 0 {
		phoneIdx = 0
		if nameIdx == 0 {
			phoneIdx = 1
		}
	}
	return phoneIdx, nameIdx, true
}
