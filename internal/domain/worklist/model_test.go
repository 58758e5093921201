package worklist

import (
	"strings"
	"testing"
)

func TestStudyInstanceUID(t *testing.T) {
	a := StudyInstanceUID("00001234")
	if a != StudyInstanceUID("00001234") {
		t.Error("expected derived UID to be stable")
	}
	if a == StudyInstanceUID("00001235") {
		t.Error("expected distinct accessions to yield distinct UIDs")
	}
	if !strings.HasPrefix(a, "2.25.") || len(a) > 64 {
		t.Errorf("unexpected UID form %q", a)
	}
}

func TestEntry_EffectiveStudyUID(t *testing.T) {
	e := &Entry{ScheduledProcedure: ScheduledProcedure{AccessionNumber: "A1"}}
	if e.EffectiveStudyUID() != StudyInstanceUID("A1") {
		t.Error("expected derived UID for empty column")
	}
	e.StudyInstanceUID = "1.2.3"
	if e.EffectiveStudyUID() != "1.2.3" {
		t.Error("expected stored UID to win")
	}
}

func TestIsTerminal(t *testing.T) {
	tests := map[string]bool{
		StatusScheduled:    false,
		StatusInProgress:   false,
		StatusCompleted:    true,
		StatusDiscontinued: true,
	}
	for status, want := range tests {
		if got := IsTerminal(status); got != want {
			t.Errorf("IsTerminal(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestFilterWhere(t *testing.T) {
	f := Filter{Statuses: ActiveStatuses, Modality: "MR", DateFrom: "20240101"}
	where, args := f.where(pgPlaceholder)
	want := " WHERE sp.status IN ($1, $2) AND sp.modality = $3 AND sp.appointment_date >= $4"
	if where != want {
		t.Errorf("where = %q, want %q", where, want)
	}
	if len(args) != 4 {
		t.Errorf("expected 4 args, got %d", len(args))
	}

	where, args = Filter{}.where(sqlitePlaceholder)
	if where != "" || len(args) != 0 {
		t.Errorf("expected empty clause, got %q %v", where, args)
	}
}

func TestParseStatuses(t *testing.T) {
	got, err := ParseStatuses("")
	if err != nil || len(got) != len(ActiveStatuses) {
		t.Fatalf("expected active statuses, got %v, %v", got, err)
	}

	got, err = ParseStatuses(" completed, Discontinued ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != StatusCompleted || got[1] != StatusDiscontinued {
		t.Errorf("unexpected statuses %v", got)
	}

	if _, err := ParseStatuses("SCHEDULED,ARRIVED"); err == nil {
		t.Error("expected error for unknown status")
	}
}
