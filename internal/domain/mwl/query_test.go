package mwl

import (
	"errors"
	"testing"

	"github.com/ehr/worklist/internal/domain/worklist"
	"github.com/ehr/worklist/internal/platform/dimse"
)

func identifier(name, accession string, step func(sps *dimse.Dataset)) *dimse.Dataset {
	ds := dimse.NewDataset()
	ds.SetString(dimse.TagPatientName, name)
	ds.SetString(dimse.TagAccessionNumber, accession)
	ds.SetString(dimse.TagPatientID, "")
	if step != nil {
		sps := dimse.NewDataset()
		sps.SetString(dimse.TagModality, "")
		sps.SetString(dimse.TagScheduledStationAETitle, "")
		sps.SetString(dimse.TagScheduledProcedureStepStartDate, "")
		step(sps)
		ds.SetSequence(dimse.TagScheduledProcedureStepSequence, sps)
	}
	return ds
}

func TestWildcardMatch(t *testing.T) {
	tests := []struct {
		pattern, value string
		fold           bool
		want           bool
	}{
		{"DOE*", "DOE^JOHN", false, true},
		{"*JOHN", "DOE^JOHN", false, true},
		{"*OE^J*", "DOE^JOHN", false, true},
		{"D?E^JOHN", "DOE^JOHN", false, true},
		{"doe*", "DOE^JOHN", true, true},
		{"doe*", "DOE^JOHN", false, false},
		{"SMITH*", "DOE^JOHN", false, false},
		{"DOE", "DOE^JOHN", false, false},
		{"**", "", false, true},
		{"?", "", false, false},
		{"HONG*", "HONG^GIL DONG", true, true},
	}
	for _, tt := range tests {
		if got := wildcardMatch(tt.pattern, tt.value, tt.fold); got != tt.want {
			t.Errorf("wildcardMatch(%q, %q, %v) = %v, want %v", tt.pattern, tt.value, tt.fold, got, tt.want)
		}
	}
}

func TestParseDateRange(t *testing.T) {
	tests := []struct {
		in      string
		want    DateRange
		wantErr bool
	}{
		{"20240101", DateRange{"20240101", "20240101"}, false},
		{"20240101-20240131", DateRange{"20240101", "20240131"}, false},
		{"-20240131", DateRange{"", "20240131"}, false},
		{"20240101-", DateRange{"20240101", ""}, false},
		{"-", DateRange{}, true},
		{"20240131-20240101", DateRange{}, true},
		{"2024-01-01", DateRange{}, true},
		{"20241301", DateRange{}, true},
		{"today", DateRange{}, true},
	}
	for _, tt := range tests {
		got, err := parseDateRange(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseDateRange(%q): expected error, got %+v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseDateRange(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseDateRange(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseQuery(t *testing.T) {
	q, err := ParseQuery(identifier("DOE*", "", func(sps *dimse.Dataset) {
		sps.SetString(dimse.TagModality, "MR")
		sps.SetString(dimse.TagScheduledProcedureStepStartDate, "20240101-20240102")
	}))
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if q.Modality != "MR" {
		t.Errorf("expected modality MR, got %q", q.Modality)
	}
	if q.Date == nil || q.Date.From != "20240101" || q.Date.To != "20240102" {
		t.Errorf("unexpected date range %+v", q.Date)
	}
	if q.PatientName.Pattern != "DOE*" || q.PatientName.Invalid {
		t.Errorf("unexpected patient name key %+v", q.PatientName)
	}
	if !q.AccessionNumber.universal() {
		t.Error("expected universal accession key")
	}
}

func TestParseQuery_MandatoryKeyErrors(t *testing.T) {
	tests := []struct {
		name string
		ds   *dimse.Dataset
	}{
		{"bad date", identifier("", "", func(sps *dimse.Dataset) {
			sps.SetString(dimse.TagScheduledProcedureStepStartDate, "2024-01-01")
		})},
		{"bad modality", identifier("", "", func(sps *dimse.Dataset) {
			sps.SetString(dimse.TagModality, "m r!")
		})},
		{"long station AE", identifier("", "", func(sps *dimse.Dataset) {
			sps.SetString(dimse.TagScheduledStationAETitle, "ABCDEFGHIJKLMNOPQ")
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseQuery(tt.ds); !errors.Is(err, ErrInvalidIdentifier) {
				t.Errorf("expected ErrInvalidIdentifier, got %v", err)
			}
		})
	}

	two := identifier("", "", nil)
	two.SetSequence(dimse.TagScheduledProcedureStepSequence, dimse.NewDataset(), dimse.NewDataset())
	if _, err := ParseQuery(two); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("expected ErrInvalidIdentifier for two step items, got %v", err)
	}
}

func TestQueryMatches(t *testing.T) {
	entry := &worklist.Entry{
		ScheduledProcedure: worklist.ScheduledProcedure{
			AccessionNumber: "A1",
			AppointmentDate: "20240101",
			Modality:        "MR",
		},
		Patient: worklist.Patient{PatientID: "P1", PatientName: "HONG^GIL DONG", NativeName: "홍^길동"},
	}
	tests := []struct {
		name string
		q    Query
		want bool
	}{
		{"empty query", Query{}, true},
		{"name prefix folded", Query{PatientName: Key{Pattern: "hong*"}}, true},
		{"native name", Query{PatientName: Key{Pattern: "홍*"}}, true},
		{"name mismatch", Query{PatientName: Key{Pattern: "KIM*"}}, false},
		{"invalid optional key", Query{PatientID: Key{Pattern: "x", Invalid: true}}, false},
		{"accession exact", Query{AccessionNumber: Key{Pattern: "A1"}}, true},
		{"accession is not a wildcard", Query{AccessionNumber: Key{Pattern: "A?"}}, false},
		{"modality mismatch", Query{Modality: "CT"}, false},
		{"date in range", Query{Date: &DateRange{From: "20231231", To: "20240102"}}, true},
		{"date out of range", Query{Date: &DateRange{From: "20240102"}}, false},
		{"station key never excludes", Query{StationAETitle: "MR02"}, true},
		{"station key with other keys", Query{StationAETitle: "ELSEWHERE", Modality: "MR"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.Matches(entry); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRenderedName(t *testing.T) {
	patient := worklist.Patient{PatientName: "HONG^GIL DONG", NativeName: "홍^길동"}
	tests := []struct {
		modality string
		patient  worklist.Patient
		want     string
	}{
		{"MR", patient, "홍^길동"},
		{"CT", patient, "홍^길동"},
		{"US", patient, "HONG^GIL DONG"},
		{"MR", worklist.Patient{PatientName: "DOE^JANE"}, "DOE^JANE"},
	}
	for _, tt := range tests {
		e := &worklist.Entry{ScheduledProcedure: worklist.ScheduledProcedure{Modality: tt.modality}, Patient: tt.patient}
		if got := RenderedName(e); got != tt.want {
			t.Errorf("RenderedName(%s, %q) = %q, want %q", tt.modality, tt.patient.NativeName, got, tt.want)
		}
	}
}
