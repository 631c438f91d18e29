// Package filing models registry filing records and the on-disk names
// derived from them.
package filing

import (
	"path"
	"strings"
	"time"
	"unicode"
)

// DateLayout is the registry's calendar date format.
const DateLayout = "2006-01-02"

const unknownDocument = "unknown_document"

// Company is the subset of a company profile the pipeline needs.
type Company struct {
	Number string
	Name   string
}

// DirName is the sanitised directory name for the company's documents.
// It falls back to company_{number} when the profile carries no usable name.
func (c Company) DirName() string {
	if name := SanitizeFilename(c.Name); name != "" {
		return name
	}
	return SanitizeFilename("company_" + c.Number)
}

// Reference is one filing-history entry.
type Reference struct {
	TransactionID     string
	Date              time.Time
	Category          string
	Description       string
	DescriptionValues map[string]string
	MetadataLink      string
}

// HasDocument reports whether the filing links to document metadata.
func (r Reference) HasDocument() bool {
	return r.MetadataLink != ""
}

// Label returns the human description of the filing. Legacy and
// miscellaneous filings carry their real description in description_values.
func (r Reference) Label() string {
	switch r.Description {
	case "legacy", "miscellaneous":
		if d := r.DescriptionValues["description"]; d != "" {
			return d
		}
		return unknownDocument
	case "":
		return unknownDocument
	default:
		return r.Description
	}
}

// Metadata is a resolved document-metadata record.
type Metadata struct {
	CreatedAt    string
	DocumentLink string
}

// CreatedDate returns the ISO date part of CreatedAt, or fallback formatted as
// a date when CreatedAt is empty.
func (m Metadata) CreatedDate(fallback time.Time) string {
	if m.CreatedAt == "" {
		return fallback.Format(DateLayout)
	}
	if i := strings.IndexByte(m.CreatedAt, 'T'); i >= 0 {
		return m.CreatedAt[:i]
	}
	return m.CreatedAt
}

// SanitizeFilename reduces name to letters, digits, spaces, dots, underscores
// and dashes. Path separators and colons become underscores and runs of
// spaces or dashes collapse to one.
func SanitizeFilename(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	name = strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(name)

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || strings.ContainsRune(" ._-", r) {
			b.WriteRune(r)
		}
	}
	name = b.String()

	for strings.Contains(name, "  ") {
		name = strings.ReplaceAll(name, "  ", " ")
	}
	for strings.Contains(name, "--") {
		name = strings.ReplaceAll(name, "--", "-")
	}
	return strings.TrimSpace(name)
}

// FileName builds {date}_{company}_{description}.pdf from already sanitised parts.
func FileName(date, company, description string) string {
	return date + "_" + company + "_" + description + ".pdf"
}

// DestinationPath joins the company directory and the document file name
// into a slash-separated storage key.
func DestinationPath(companyDir, date, company, description string) string {
	return path.Join(companyDir, FileName(date, company, description))
}
