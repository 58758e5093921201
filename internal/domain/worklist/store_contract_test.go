package worklist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func seed(t *testing.T, ctx context.Context, s Store, patientID, accession, modality, date, status string) {
	t.Helper()
	if _, err := s.UpsertPatient(ctx, &Patient{PatientID: patientID, PatientName: "DOE^" + patientID, BirthDate: "19800101", Sex: "F"}); err != nil {
		t.Fatalf("UpsertPatient(%s): %v", patientID, err)
	}
	if _, err := s.UpsertScheduledProcedure(ctx, &ScheduledProcedure{
		AccessionNumber:  accession,
		PatientID:        patientID,
		AppointmentDate:  date,
		AppointmentTime:  "100000",
		Modality:         modality,
		StudyInstanceUID: StudyInstanceUID(accession),
	}); err != nil {
		t.Fatalf("UpsertScheduledProcedure(%s): %v", accession, err)
	}
	if status == StatusScheduled {
		return
	}
	sop := "1.2.826.0.1." + accession
	if err := s.CreateProcedureStep(ctx, &ProcedureStep{
		SOPInstanceUID:  sop,
		AccessionNumber: accession,
		Modality:        modality,
		Status:          StatusInProgress,
		StartTime:       time.Now(),
	}); err != nil {
		t.Fatalf("CreateProcedureStep(%s): %v", sop, err)
	}
	if status == StatusInProgress {
		return
	}
	if _, err := s.UpdateProcedureStep(ctx, sop, status, time.Now()); err != nil {
		t.Fatalf("UpdateProcedureStep(%s): %v", sop, err)
	}
}

// runStoreContract exercises the behavior every Store backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("IdempotentUpsert", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := &Patient{PatientID: "P1", PatientName: "HONG GIL DONG", NativeName: "홍길동", BirthDate: "19800101", Sex: "M"}
		sp := &ScheduledProcedure{AccessionNumber: "A1", PatientID: "P1", AppointmentDate: "20240101", AppointmentTime: "093000", Modality: "MR"}

		for i := 0; i < 2; i++ {
			if _, err := s.UpsertPatient(ctx, p); err != nil {
				t.Fatalf("UpsertPatient: %v", err)
			}
		}
		changed, err := s.UpsertScheduledProcedure(ctx, sp)
		if err != nil || !changed {
			t.Fatalf("first upsert: changed=%v err=%v", changed, err)
		}
		changed, err = s.UpsertScheduledProcedure(ctx, sp)
		if err != nil {
			t.Fatalf("second upsert: %v", err)
		}
		if changed {
			t.Error("expected identical upsert to report no change")
		}

		n, err := s.CountScheduledProcedures(ctx, Filter{})
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if n != 1 {
			t.Errorf("expected exactly one procedure, got %d", n)
		}
		e, err := s.GetScheduledProcedure(ctx, "A1")
		if err != nil {
			t.Fatalf("GetScheduledProcedure: %v", err)
		}
		if e.Status != StatusScheduled {
			t.Errorf("expected SCHEDULED, got %s", e.Status)
		}
		if e.Patient.NativeName != "홍길동" || e.Patient.PatientName != "HONG GIL DONG" {
			t.Errorf("unexpected patient names %q / %q", e.Patient.PatientName, e.Patient.NativeName)
		}
	})

	t.Run("RescheduleOnlyWhileScheduled", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed(t, ctx, s, "P1", "A1", "MR", "20240101", StatusScheduled)
		seed(t, ctx, s, "P2", "A2", "MR", "20240101", StatusInProgress)

		changed, err := s.UpsertScheduledProcedure(ctx, &ScheduledProcedure{AccessionNumber: "A1", PatientID: "P1", AppointmentDate: "20240105", AppointmentTime: "100000", Modality: "MR"})
		if err != nil || !changed {
			t.Fatalf("reschedule A1: changed=%v err=%v", changed, err)
		}
		changed, err = s.UpsertScheduledProcedure(ctx, &ScheduledProcedure{AccessionNumber: "A2", PatientID: "P2", AppointmentDate: "20240105", AppointmentTime: "100000", Modality: "MR"})
		if err != nil {
			t.Fatalf("reschedule A2: %v", err)
		}
		if changed {
			t.Error("expected in-progress procedure to be left alone")
		}

		a1, _ := s.GetScheduledProcedure(ctx, "A1")
		if a1.AppointmentDate != "20240105" {
			t.Errorf("expected A1 rescheduled, got %s", a1.AppointmentDate)
		}
		a2, _ := s.GetScheduledProcedure(ctx, "A2")
		if a2.AppointmentDate != "20240101" {
			t.Errorf("expected A2 date unchanged, got %s", a2.AppointmentDate)
		}
		if a2.StudyInstanceUID != StudyInstanceUID("A2") {
			t.Errorf("expected study uid kept, got %q", a2.StudyInstanceUID)
		}
	})

	t.Run("FindByStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed(t, ctx, s, "P1", "A", "MR", "20240101", StatusScheduled)
		seed(t, ctx, s, "P2", "B", "CT", "20240101", StatusScheduled)
		seed(t, ctx, s, "P3", "C", "MR", "20240102", StatusCompleted)

		active, err := s.FindScheduledProcedures(ctx, Filter{Statuses: ActiveStatuses})
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		if len(active) != 2 {
			t.Fatalf("expected 2 active procedures, got %d", len(active))
		}
		mr, err := s.FindScheduledProcedures(ctx, Filter{Statuses: ActiveStatuses, Modality: "MR"})
		if err != nil {
			t.Fatalf("Find MR: %v", err)
		}
		if len(mr) != 1 || mr[0].AccessionNumber != "A" {
			t.Errorf("expected only A, got %d entries", len(mr))
		}
		page, err := s.FindScheduledProcedures(ctx, Filter{Limit: 1, Offset: 1})
		if err != nil {
			t.Fatalf("Find page: %v", err)
		}
		if len(page) != 1 || page[0].AccessionNumber != "B" {
			t.Errorf("expected second page to hold B")
		}
	})

	t.Run("StepLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed(t, ctx, s, "P1", "4567", "MR", "20240101", StatusScheduled)

		step := &ProcedureStep{SOPInstanceUID: "S1", AccessionNumber: "4567", Modality: "MR", Status: StatusInProgress, StartTime: time.Now()}
		if err := s.CreateProcedureStep(ctx, step); err != nil {
			t.Fatalf("CreateProcedureStep: %v", err)
		}
		if err := s.CreateProcedureStep(ctx, step); !errors.Is(err, ErrDuplicateStep) {
			t.Errorf("expected ErrDuplicateStep, got %v", err)
		}
		missing := &ProcedureStep{SOPInstanceUID: "S2", AccessionNumber: "nope", Status: StatusInProgress, StartTime: time.Now()}
		if err := s.CreateProcedureStep(ctx, missing); !errors.Is(err, ErrProcedureNotFound) {
			t.Errorf("expected ErrProcedureNotFound, got %v", err)
		}
		if _, err := s.GetProcedureStep(ctx, "S2"); !errors.Is(err, ErrStepNotFound) {
			t.Errorf("expected no row for rejected step, got %v", err)
		}

		e, _ := s.GetScheduledProcedure(ctx, "4567")
		if e.Status != StatusInProgress {
			t.Errorf("expected procedure IN_PROGRESS, got %s", e.Status)
		}

		end := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)
		got, err := s.UpdateProcedureStep(ctx, "S1", StatusCompleted, end)
		if err != nil {
			t.Fatalf("UpdateProcedureStep: %v", err)
		}
		if got.Status != StatusCompleted || got.EndTime == nil || !got.EndTime.Equal(end) {
			t.Errorf("unexpected step after update: %+v", got)
		}
		e, _ = s.GetScheduledProcedure(ctx, "4567")
		if e.Status != StatusCompleted {
			t.Errorf("expected procedure COMPLETED, got %s", e.Status)
		}

		_, err = s.UpdateProcedureStep(ctx, "S1", StatusDiscontinued, time.Now())
		if !errors.Is(err, ErrStepTerminal) {
			t.Errorf("expected ErrStepTerminal, got %v", err)
		}
		again, _ := s.GetProcedureStep(ctx, "S1")
		if again.Status != StatusCompleted || !again.EndTime.Equal(end) {
			t.Errorf("expected terminal step unchanged, got %+v", again)
		}
		if _, err := s.UpdateProcedureStep(ctx, "S9", StatusCompleted, time.Now()); !errors.Is(err, ErrStepNotFound) {
			t.Errorf("expected ErrStepNotFound, got %v", err)
		}
	})

	t.Run("NoRegressionAfterTerminal", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed(t, ctx, s, "P1", "A1", "CT", "20240101", StatusDiscontinued)

		// A later step for the same order must not reopen it.
		if err := s.CreateProcedureStep(ctx, &ProcedureStep{SOPInstanceUID: "S-late", AccessionNumber: "A1", Status: StatusInProgress, StartTime: time.Now()}); err != nil {
			t.Fatalf("CreateProcedureStep: %v", err)
		}
		e, _ := s.GetScheduledProcedure(ctx, "A1")
		if e.Status != StatusDiscontinued {
			t.Errorf("expected DISCONTINUED to stick, got %s", e.Status)
		}
	})

	t.Run("TxRollback", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		boom := errors.New("boom")
		err := s.InTx(ctx, func(ctx context.Context) error {
			seed(t, ctx, s, "P1", "A1", "MR", "20240101", StatusScheduled)
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if _, err := s.GetScheduledProcedure(ctx, "A1"); !errors.Is(err, ErrProcedureNotFound) {
			t.Errorf("expected rolled back procedure to be absent, got %v", err)
		}
	})

	t.Run("ConcurrentUpsertsSameKey", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.UpsertPatient(ctx, &Patient{PatientID: "P1", PatientName: "X"}); err != nil {
			t.Fatalf("UpsertPatient: %v", err)
		}
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s.UpsertScheduledProcedure(ctx, &ScheduledProcedure{
					AccessionNumber: "A1", PatientID: "P1", AppointmentDate: "2024010" + string(rune('1'+i)),
					AppointmentTime: "100000", Modality: "MR",
				})
			}(i)
		}
		wg.Wait()
		n, err := s.CountScheduledProcedures(ctx, Filter{AccessionNumber: "A1"})
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if n != 1 {
			t.Errorf("expected one row after concurrent upserts, got %d", n)
		}
	})
}
