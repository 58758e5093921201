package mwl

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ehr/worklist/internal/domain/worklist"
	"github.com/ehr/worklist/internal/platform/dimse"
)

// ErrInvalidIdentifier marks a query whose mandatory matching keys cannot be
// interpreted.
var ErrInvalidIdentifier = errors.New("invalid worklist identifier")

// DateRange is an inclusive DA range. An empty bound is open.
type DateRange struct {
	From string
	To   string
}

func (r DateRange) contains(date string) bool {
	if r.From != "" && date < r.From {
		return false
	}
	if r.To != "" && date > r.To {
		return false
	}
	return true
}

// Key is a single-value matching key. Empty Pattern is universal matching.
// Invalid keys match nothing.
type Key struct {
	Pattern string
	Invalid bool
}

func (k Key) universal() bool {
	return !k.Invalid && (k.Pattern == "" || k.Pattern == "*")
}

// Query is the typed form of a worklist C-FIND identifier.
type Query struct {
	PatientName     Key
	PatientID       Key
	AccessionNumber Key

	// Scheduled procedure step keys.
	Modality       string
	StationAETitle string
	Date           *DateRange

	// Extra lists requested return keys this responder does not populate.
	Extra []*dimse.Element
}

// responseKeys are the top-level keys every response carries.
var responseKeys = map[dimse.Tag]bool{
	dimse.TagSpecificCharacterSet:           true,
	dimse.TagAccessionNumber:                true,
	dimse.TagPatientName:                    true,
	dimse.TagPatientID:                      true,
	dimse.TagPatientBirthDate:               true,
	dimse.TagPatientSex:                     true,
	dimse.TagStudyInstanceUID:               true,
	dimse.TagStudyID:                        true,
	dimse.TagRequestedProcedureID:           true,
	dimse.TagScheduledProcedureStepSequence: true,
}

// ParseQuery reads the matching keys of identifier. Malformed optional keys
// are marked invalid; malformed scheduled step keys fail with
// ErrInvalidIdentifier.
func ParseQuery(identifier *dimse.Dataset) (*Query, error) {
	q := &Query{
		PatientName:     optionalKey(identifier.String(dimse.TagPatientName), 64*5),
		PatientID:       optionalKey(identifier.String(dimse.TagPatientID), 64),
		AccessionNumber: optionalKey(identifier.String(dimse.TagAccessionNumber), 16),
	}

	if items, ok := identifier.Sequence(dimse.TagScheduledProcedureStepSequence); ok {
		if len(items) > 1 {
			return nil, fmt.Errorf("%w: scheduled procedure step sequence has %d items", ErrInvalidIdentifier, len(items))
		}
		if len(items) == 1 {
			if err := q.parseStep(items[0]); err != nil {
				return nil, err
			}
		}
	} else if identifier.Has(dimse.TagScheduledProcedureStepSequence) {
		return nil, fmt.Errorf("%w: scheduled procedure step sequence is not a sequence", ErrInvalidIdentifier)
	}

	for _, e := range identifier.Elements() {
		if !responseKeys[e.Tag] && e.RawValueRepresentation != "SQ" && e.Tag.Element != 0x0000 {
			q.Extra = append(q.Extra, e)
		}
	}
	return q, nil
}

func (q *Query) parseStep(sps *dimse.Dataset) error {
	mod := strings.TrimSpace(sps.String(dimse.TagModality))
	if mod != "*" && !validCodeString(mod) {
		return fmt.Errorf("%w: modality %q", ErrInvalidIdentifier, mod)
	}
	if mod != "*" {
		q.Modality = mod
	}

	ae := strings.TrimSpace(sps.String(dimse.TagScheduledStationAETitle))
	if len(ae) > 16 || strings.ContainsAny(ae, "\\") {
		return fmt.Errorf("%w: station AE title %q", ErrInvalidIdentifier, ae)
	}
	if ae != "*" {
		q.StationAETitle = ae
	}

	raw := strings.TrimSpace(sps.String(dimse.TagScheduledProcedureStepStartDate))
	if raw != "" && raw != "*" {
		r, err := parseDateRange(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
		}
		q.Date = &r
	}
	return nil
}

func optionalKey(v string, max int) Key {
	v = strings.TrimSpace(v)
	if utf8.RuneCountInString(v) > max || strings.Contains(v, "\\") {
		return Key{Pattern: v, Invalid: true}
	}
	return Key{Pattern: v}
}

func validCodeString(s string) bool {
	if len(s) > 16 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == ' ':
		default:
			return false
		}
	}
	return true
}

func parseDate(s string) error {
	if len(s) != 8 {
		return fmt.Errorf("date %q is not YYYYMMDD", s)
	}
	if _, err := time.Parse("20060102", s); err != nil {
		return fmt.Errorf("date %q: %v", s, err)
	}
	return nil
}

// parseDateRange accepts D, D-D, -D and D-.
func parseDateRange(s string) (DateRange, error) {
	from, to, isRange := strings.Cut(s, "-")
	if !isRange {
		if err := parseDate(s); err != nil {
			return DateRange{}, err
		}
		return DateRange{From: s, To: s}, nil
	}
	if from == "" && to == "" {
		return DateRange{}, fmt.Errorf("empty date range")
	}
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if err := parseDate(d); err != nil {
			return DateRange{}, err
		}
	}
	if from != "" && to != "" && from > to {
		return DateRange{}, fmt.Errorf("date range %q is reversed", s)
	}
	return DateRange{From: from, To: to}, nil
}

// Matches reports whether entry satisfies every non-universal key. The
// station AE key is validated but never restricts matching; the routed AE
// only fills the response.
func (q *Query) Matches(e *worklist.Entry) bool {
	if !matchKey(q.PatientName, e.Patient.PatientName, true) &&
		!(e.Patient.NativeName != "" && matchKey(q.PatientName, e.Patient.NativeName, true)) {
		return false
	}
	if !matchKey(q.PatientID, e.Patient.PatientID, false) {
		return false
	}
	if !q.AccessionNumber.universal() {
		if q.AccessionNumber.Invalid || q.AccessionNumber.Pattern != e.AccessionNumber {
			return false
		}
	}
	if q.Modality != "" && q.Modality != e.Modality {
		return false
	}
	if q.Date != nil && !q.Date.contains(e.AppointmentDate) {
		return false
	}
	return true
}

func matchKey(k Key, value string, fold bool) bool {
	if k.universal() {
		return true
	}
	if k.Invalid {
		return false
	}
	return wildcardMatch(k.Pattern, value, fold)
}

// wildcardMatch applies DICOM wildcard matching: '*' matches any run of
// characters and '?' matches exactly one.
func wildcardMatch(pattern, value string, fold bool) bool {
	if fold {
		pattern, value = strings.ToUpper(pattern), strings.ToUpper(value)
	}
	p, v := []rune(pattern), []rune(value)
	pi, vi := 0, 0
	star, mark := -1, 0
	for vi < len(v) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == v[vi]):
			pi++
			vi++
		case pi < len(p) && p[pi] == '*':
			star, mark = pi, vi
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			vi = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
