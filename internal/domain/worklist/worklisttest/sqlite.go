// Package worklisttest provides a migrated SQLite worklist store for tests in
// other packages.
package worklisttest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ehr/worklist/internal/domain/worklist"
	"github.com/ehr/worklist/internal/platform/db"
	"github.com/ehr/worklist/migrations"
)

// NewSQLiteStore opens a fresh database under t.TempDir and applies the
// schema. The handle is closed when the test ends.
func NewSQLiteStore(t testing.TB) worklist.Store {
	t.Helper()
	ctx := context.Background()
	handle, lock, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "worklist.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		handle.Close()
		lock.Unlock()
	})
	if _, err := db.NewSQLiteMigrator(handle, migrations.SQLite()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return worklist.NewStoreSQLite(handle)
}

// Seed stores a patient and a SCHEDULED procedure for it.
func Seed(t testing.TB, s worklist.Store, patientID, name, accession, modality, date, tm string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.UpsertPatient(ctx, &worklist.Patient{PatientID: patientID, PatientName: name, BirthDate: "19800101", Sex: "M"}); err != nil {
		t.Fatalf("UpsertPatient(%s): %v", patientID, err)
	}
	if _, err := s.UpsertScheduledProcedure(ctx, &worklist.ScheduledProcedure{
		AccessionNumber: accession,
		PatientID:       patientID,
		AppointmentDate: date,
		AppointmentTime: tm,
		Modality:        modality,
	}); err != nil {
		t.Fatalf("UpsertScheduledProcedure(%s): %v", accession, err)
	}
}
