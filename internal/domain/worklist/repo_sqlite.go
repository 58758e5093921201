package worklist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ehr/worklist/internal/platform/db"
)

type sqlQueryable interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type storeSQLite struct{ db *sql.DB }

// NewStoreSQLite returns a Store backed by an embedded SQLite database.
func NewStoreSQLite(handle *sql.DB) Store { return &storeSQLite{db: handle} }

func (r *storeSQLite) conn(ctx context.Context) sqlQueryable {
	if tx := db.SQLTxFromContext(ctx); tx != nil {
		return tx
	}
	return r.db
}

func sqlitePlaceholder(int) string { return "?" }

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func (r *storeSQLite) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithSQLTx(ctx, r.db, fn)
}

func (r *storeSQLite) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *storeSQLite) UpsertPatient(ctx context.Context, p *Patient) (string, error) {
	ts := now()
	_, err := r.conn(ctx).ExecContext(ctx, `
		INSERT INTO patients (patient_id, patient_name, native_name, birth_date, sex, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (patient_id) DO UPDATE SET
			patient_name = excluded.patient_name, native_name = excluded.native_name,
			birth_date = excluded.birth_date, sex = excluded.sex, updated_at = excluded.updated_at
		WHERE patients.patient_name IS NOT excluded.patient_name
			OR patients.native_name IS NOT excluded.native_name
			OR patients.birth_date IS NOT excluded.birth_date
			OR patients.sex IS NOT excluded.sex`,
		p.PatientID, p.PatientName, p.NativeName, p.BirthDate, p.Sex, ts, ts)
	if err != nil {
		return "", fmt.Errorf("upsert patient %s: %w", p.PatientID, err)
	}
	return p.PatientID, nil
}

func (r *storeSQLite) UpsertScheduledProcedure(ctx context.Context, sp *ScheduledProcedure) (bool, error) {
	ts := now()
	var acc string
	err := r.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO scheduled_procedures (accession_number, patient_id, appointment_date, appointment_time,
			modality, study_instance_uid, status, remote_order_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), 'SCHEDULED', ?, ?, ?)
		ON CONFLICT (accession_number) DO UPDATE SET
			patient_id = excluded.patient_id, appointment_date = excluded.appointment_date,
			appointment_time = excluded.appointment_time, modality = excluded.modality,
			remote_order_seq = excluded.remote_order_seq, updated_at = excluded.updated_at
		WHERE scheduled_procedures.status = 'SCHEDULED'
			AND (scheduled_procedures.patient_id IS NOT excluded.patient_id
				OR scheduled_procedures.appointment_date IS NOT excluded.appointment_date
				OR scheduled_procedures.appointment_time IS NOT excluded.appointment_time
				OR scheduled_procedures.modality IS NOT excluded.modality)
		RETURNING accession_number`,
		sp.AccessionNumber, sp.PatientID, sp.AppointmentDate, sp.AppointmentTime,
		sp.Modality, sp.StudyInstanceUID, sp.RemoteOrderSeq, ts, ts).Scan(&acc)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("upsert scheduled procedure %s: %w", sp.AccessionNumber, err)
	}
	return true, nil
}

const entryColsSQLite = `sp.accession_number, sp.patient_id, sp.appointment_date, sp.appointment_time,
	sp.modality, COALESCE(sp.study_instance_uid, ''), sp.status, sp.remote_order_seq,
	sp.created_at, sp.updated_at,
	p.patient_id, p.patient_name, p.native_name, p.birth_date, p.sex, p.created_at, p.updated_at`

func (r *storeSQLite) scanEntry(row rowScanner) (*Entry, error) {
	var (
		e                                        Entry
		seq                                      sql.NullInt64
		spCreated, spUpdated, pCreated, pUpdated string
	)
	err := row.Scan(&e.AccessionNumber, &e.PatientID, &e.AppointmentDate, &e.AppointmentTime,
		&e.Modality, &e.StudyInstanceUID, &e.Status, &seq,
		&spCreated, &spUpdated,
		&e.Patient.PatientID, &e.Patient.PatientName, &e.Patient.NativeName,
		&e.Patient.BirthDate, &e.Patient.Sex, &pCreated, &pUpdated)
	if err != nil {
		return nil, err
	}
	if seq.Valid {
		v := seq.Int64
		e.RemoteOrderSeq = &v
	}
	e.CreatedAt, e.UpdatedAt = parseTime(spCreated), parseTime(spUpdated)
	e.Patient.CreatedAt, e.Patient.UpdatedAt = parseTime(pCreated), parseTime(pUpdated)
	return &e, nil
}

func (r *storeSQLite) FindScheduledProcedures(ctx context.Context, f Filter) ([]*Entry, error) {
	where, args := f.where(sqlitePlaceholder)
	query := `SELECT ` + entryColsSQLite + entryFrom + where + entryOrder
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, f.Limit, f.Offset)
	}
	rows, err := r.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scheduled procedures: %w", err)
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled procedure: %w", err)
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *storeSQLite) CountScheduledProcedures(ctx context.Context, f Filter) (int, error) {
	where, args := f.where(sqlitePlaceholder)
	var total int
	if err := r.conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*)`+entryFrom+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count scheduled procedures: %w", err)
	}
	return total, nil
}

func (r *storeSQLite) GetScheduledProcedure(ctx context.Context, accession string) (*Entry, error) {
	e, err := r.scanEntry(r.conn(ctx).QueryRowContext(ctx,
		`SELECT `+entryColsSQLite+entryFrom+` WHERE sp.accession_number = ?`, accession))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProcedureNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled procedure %s: %w", accession, err)
	}
	return e, nil
}

const stepColsSQLite = `sop_instance_uid, accession_number, study_instance_uid, modality,
	performed_station_ae, status, start_time, end_time`

func (r *storeSQLite) scanStep(row rowScanner) (*ProcedureStep, error) {
	var (
		s     ProcedureStep
		start string
		end   sql.NullString
	)
	err := row.Scan(&s.SOPInstanceUID, &s.AccessionNumber, &s.StudyInstanceUID, &s.Modality,
		&s.PerformedStationAE, &s.Status, &start, &end)
	if err != nil {
		return nil, err
	}
	s.StartTime = parseTime(start)
	if end.Valid {
		t := parseTime(end.String)
		s.EndTime = &t
	}
	return &s, nil
}

func (r *storeSQLite) CreateProcedureStep(ctx context.Context, step *ProcedureStep) error {
	return r.InTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		var status string
		err := q.QueryRowContext(ctx,
			`SELECT status FROM scheduled_procedures WHERE accession_number = ?`,
			step.AccessionNumber).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrProcedureNotFound
		}
		if err != nil {
			return fmt.Errorf("load scheduled procedure %s: %w", step.AccessionNumber, err)
		}

		res, err := q.ExecContext(ctx, `
			INSERT INTO procedure_steps (sop_instance_uid, accession_number, study_instance_uid, modality,
				performed_station_ae, status, start_time)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (sop_instance_uid) DO NOTHING`,
			step.SOPInstanceUID, step.AccessionNumber, step.StudyInstanceUID, step.Modality,
			step.PerformedStationAE, step.Status, step.StartTime.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert procedure step %s: %w", step.SOPInstanceUID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrDuplicateStep
		}

		_, err = q.ExecContext(ctx, `
			UPDATE scheduled_procedures SET status = 'IN_PROGRESS',
				study_instance_uid = COALESCE(study_instance_uid, NULLIF(?, '')), updated_at = ?
			WHERE accession_number = ? AND status IN ('SCHEDULED', 'IN_PROGRESS')`,
			step.StudyInstanceUID, now(), step.AccessionNumber)
		if err != nil {
			return fmt.Errorf("start scheduled procedure %s: %w", step.AccessionNumber, err)
		}
		return nil
	})
}

func (r *storeSQLite) UpdateProcedureStep(ctx context.Context, sopInstanceUID, status string, endTime time.Time) (*ProcedureStep, error) {
	var out *ProcedureStep
	err := r.InTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		step, err := r.scanStep(q.QueryRowContext(ctx, `
			UPDATE procedure_steps SET status = ?, end_time = ?
			WHERE sop_instance_uid = ? AND status = 'IN_PROGRESS'
			RETURNING `+stepColsSQLite,
			status, endTime.UTC().Format(time.RFC3339Nano), sopInstanceUID))
		if errors.Is(err, sql.ErrNoRows) {
			var exists int
			if err := q.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM procedure_steps WHERE sop_instance_uid = ?)`,
				sopInstanceUID).Scan(&exists); err != nil {
				return fmt.Errorf("check procedure step %s: %w", sopInstanceUID, err)
			}
			if exists == 1 {
				return ErrStepTerminal
			}
			return ErrStepNotFound
		}
		if err != nil {
			return fmt.Errorf("update procedure step %s: %w", sopInstanceUID, err)
		}

		_, err = q.ExecContext(ctx, `
			UPDATE scheduled_procedures SET status = ?, updated_at = ?
			WHERE accession_number = ? AND status IN ('SCHEDULED', 'IN_PROGRESS')`,
			status, now(), step.AccessionNumber)
		if err != nil {
			return fmt.Errorf("propagate status to %s: %w", step.AccessionNumber, err)
		}
		out = step
		return nil
	})
	return out, err
}

func (r *storeSQLite) GetProcedureStep(ctx context.Context, sopInstanceUID string) (*ProcedureStep, error) {
	s, err := r.scanStep(r.conn(ctx).QueryRowContext(ctx,
		`SELECT `+stepColsSQLite+` FROM procedure_steps WHERE sop_instance_uid = ?`, sopInstanceUID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStepNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get procedure step %s: %w", sopInstanceUID, err)
	}
	return s, nil
}
