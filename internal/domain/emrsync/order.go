package emrsync

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/worklist/internal/domain/worklist"
	"github.com/ehr/worklist/internal/platform/romanize"
)

// ErrIneligible marks a remote order that cannot be placed on the worklist.
var ErrIneligible = errors.New("order not eligible for worklist")

// DefaultModality is used when an order carries no unit code.
const DefaultModality = "OT"

// RemoteOrder is one pending order as published by the EMR order feed.
type RemoteOrder struct {
	OrderSeq        int64  `json:"order_seq"`
	OrderDatetime   string `json:"order_datetime"`
	UnitCode        string `json:"unit_code"`
	PatientName     string `json:"patient_name"`
	ChartNumber     string `json:"chart_number"`
	BirthDate       string `json:"birth_date"`
	Sex             string `json:"sex"`
	AccessionNumber string `json:"accession_number,omitempty"`
}

var orderTimeLayouts = []string{"200601021504", "20060102150405"}

// ParseOrderTime accepts YYYYMMDDHHMM, YYYYMMDDHHMMSS (hospital local time)
// or RFC 3339.
func ParseOrderTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range orderTimeLayouts {
		if len(s) == len(layout) {
			if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
				return t, nil
			}
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized order datetime %q", s)
}

// Accession returns the explicit accession number, or the order sequence
// zero-padded to eight digits.
func (o RemoteOrder) Accession() string {
	if acc := strings.TrimSpace(o.AccessionNumber); acc != "" {
		return acc
	}
	if o.OrderSeq <= 0 {
		return ""
	}
	return fmt.Sprintf("%08d", o.OrderSeq)
}

// Map converts the order into the rows the worklist stores. Orders missing
// the chart number, name, order datetime or an order identity are rejected
// with ErrIneligible.
func (o RemoteOrder) Map() (*worklist.Patient, *worklist.ScheduledProcedure, error) {
	patientID := strings.TrimSpace(o.ChartNumber)
	name := strings.TrimSpace(o.PatientName)
	accession := o.Accession()
	switch {
	case patientID == "":
		return nil, nil, fmt.Errorf("%w: missing chart number", ErrIneligible)
	case name == "":
		return nil, nil, fmt.Errorf("%w: missing patient name", ErrIneligible)
	case accession == "":
		return nil, nil, fmt.Errorf("%w: missing order identity", ErrIneligible)
	case len(accession) > 16:
		return nil, nil, fmt.Errorf("%w: accession %q exceeds 16 characters", ErrIneligible, accession)
	}
	at, err := ParseOrderTime(o.OrderDatetime)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrIneligible, err)
	}

	modality := strings.ToUpper(strings.TrimSpace(o.UnitCode))
	if modality == "" {
		modality = DefaultModality
	}

	p := &worklist.Patient{
		PatientID:   patientID,
		PatientName: romanize.Name(name),
		BirthDate:   normalizeDate(o.BirthDate),
		Sex:         normalizeSex(o.Sex),
	}
	if p.PatientName != name {
		p.NativeName = name
	}

	// The study UID stays unassigned until the first procedure step supplies
	// one; responses derive it from the accession meanwhile.
	sp := &worklist.ScheduledProcedure{
		AccessionNumber: accession,
		PatientID:       patientID,
		AppointmentDate: at.Format("20060102"),
		AppointmentTime: at.Format("150405"),
		Modality:        modality,
		Status:          worklist.StatusScheduled,
	}
	if o.OrderSeq > 0 {
		seq := o.OrderSeq
		sp.RemoteOrderSeq = &seq
	}
	return p, sp, nil
}

// normalizeDate renders YYYY-MM-DD or YYYYMMDD as DICOM DA. Anything else is
// dropped.
func normalizeDate(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	if len(s) != 8 {
		return ""
	}
	if _, err := strconv.Atoi(s); err != nil {
		return ""
	}
	if _, err := time.Parse("20060102", s); err != nil {
		return ""
	}
	return s
}

func normalizeSex(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "M", "MALE":
		return "M"
	case "F", "FEMALE":
		return "F"
	case "O", "OTHER":
		return "O"
	}
	return ""
}
