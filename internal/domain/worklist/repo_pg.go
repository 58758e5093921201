package worklist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/worklist/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG returns a Store backed by PostgreSQL.
func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

func (r *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func (r *storePG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, fn)
}

func (r *storePG) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }

func (r *storePG) UpsertPatient(ctx context.Context, p *Patient) (string, error) {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patients (patient_id, patient_name, native_name, birth_date, sex)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (patient_id) DO UPDATE SET
			patient_name = EXCLUDED.patient_name, native_name = EXCLUDED.native_name,
			birth_date = EXCLUDED.birth_date, sex = EXCLUDED.sex, updated_at = NOW()
		WHERE (patients.patient_name, patients.native_name, patients.birth_date, patients.sex)
			IS DISTINCT FROM (EXCLUDED.patient_name, EXCLUDED.native_name, EXCLUDED.birth_date, EXCLUDED.sex)`,
		p.PatientID, p.PatientName, p.NativeName, p.BirthDate, p.Sex)
	if err != nil {
		return "", fmt.Errorf("upsert patient %s: %w", p.PatientID, err)
	}
	return p.PatientID, nil
}

func (r *storePG) UpsertScheduledProcedure(ctx context.Context, sp *ScheduledProcedure) (bool, error) {
	var acc string
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO scheduled_procedures (accession_number, patient_id, appointment_date, appointment_time,
			modality, study_instance_uid, status, remote_order_seq)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),'SCHEDULED',$7)
		ON CONFLICT (accession_number) DO UPDATE SET
			patient_id = EXCLUDED.patient_id, appointment_date = EXCLUDED.appointment_date,
			appointment_time = EXCLUDED.appointment_time, modality = EXCLUDED.modality,
			remote_order_seq = EXCLUDED.remote_order_seq, updated_at = NOW()
		WHERE scheduled_procedures.status = 'SCHEDULED'
			AND (scheduled_procedures.patient_id, scheduled_procedures.appointment_date,
				scheduled_procedures.appointment_time, scheduled_procedures.modality)
			IS DISTINCT FROM (EXCLUDED.patient_id, EXCLUDED.appointment_date,
				EXCLUDED.appointment_time, EXCLUDED.modality)
		RETURNING accession_number`,
		sp.AccessionNumber, sp.PatientID, sp.AppointmentDate, sp.AppointmentTime,
		sp.Modality, sp.StudyInstanceUID, sp.RemoteOrderSeq).Scan(&acc)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("upsert scheduled procedure %s: %w", sp.AccessionNumber, err)
	}
	return true, nil
}

const entryColsPG = `sp.accession_number, sp.patient_id, sp.appointment_date, sp.appointment_time,
	sp.modality, COALESCE(sp.study_instance_uid, ''), sp.status, sp.remote_order_seq,
	sp.created_at, sp.updated_at,
	p.patient_id, p.patient_name, p.native_name, p.birth_date, p.sex, p.created_at, p.updated_at`

func (r *storePG) scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.AccessionNumber, &e.PatientID, &e.AppointmentDate, &e.AppointmentTime,
		&e.Modality, &e.StudyInstanceUID, &e.Status, &e.RemoteOrderSeq,
		&e.CreatedAt, &e.UpdatedAt,
		&e.Patient.PatientID, &e.Patient.PatientName, &e.Patient.NativeName,
		&e.Patient.BirthDate, &e.Patient.Sex, &e.Patient.CreatedAt, &e.Patient.UpdatedAt)
	return &e, err
}

func (r *storePG) FindScheduledProcedures(ctx context.Context, f Filter) ([]*Entry, error) {
	where, args := f.where(pgPlaceholder)
	query := `SELECT ` + entryColsPG + entryFrom + where + entryOrder
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, f.Limit, f.Offset)
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
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

func (r *storePG) CountScheduledProcedures(ctx context.Context, f Filter) (int, error) {
	where, args := f.where(pgPlaceholder)
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+entryFrom+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count scheduled procedures: %w", err)
	}
	return total, nil
}

func (r *storePG) GetScheduledProcedure(ctx context.Context, accession string) (*Entry, error) {
	e, err := r.scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+entryColsPG+entryFrom+` WHERE sp.accession_number = $1`, accession))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProcedureNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled procedure %s: %w", accession, err)
	}
	return e, nil
}

const stepColsPG = `sop_instance_uid, accession_number, study_instance_uid, modality,
	performed_station_ae, status, start_time, end_time`

func (r *storePG) scanStep(row pgx.Row) (*ProcedureStep, error) {
	var s ProcedureStep
	err := row.Scan(&s.SOPInstanceUID, &s.AccessionNumber, &s.StudyInstanceUID, &s.Modality,
		&s.PerformedStationAE, &s.Status, &s.StartTime, &s.EndTime)
	return &s, err
}

func (r *storePG) CreateProcedureStep(ctx context.Context, step *ProcedureStep) error {
	return r.InTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		var status string
		err := q.QueryRow(ctx,
			`SELECT status FROM scheduled_procedures WHERE accession_number = $1 FOR UPDATE`,
			step.AccessionNumber).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrProcedureNotFound
		}
		if err != nil {
			return fmt.Errorf("lock scheduled procedure %s: %w", step.AccessionNumber, err)
		}

		tag, err := q.Exec(ctx, `
			INSERT INTO procedure_steps (sop_instance_uid, accession_number, study_instance_uid, modality,
				performed_station_ae, status, start_time)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (sop_instance_uid) DO NOTHING`,
			step.SOPInstanceUID, step.AccessionNumber, step.StudyInstanceUID, step.Modality,
			step.PerformedStationAE, step.Status, step.StartTime)
		if err != nil {
			return fmt.Errorf("insert procedure step %s: %w", step.SOPInstanceUID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicateStep
		}

		_, err = q.Exec(ctx, `
			UPDATE scheduled_procedures SET status = 'IN_PROGRESS',
				study_instance_uid = COALESCE(study_instance_uid, NULLIF($2, '')), updated_at = NOW()
			WHERE accession_number = $1 AND status IN ('SCHEDULED', 'IN_PROGRESS')`,
			step.AccessionNumber, step.StudyInstanceUID)
		if err != nil {
			return fmt.Errorf("start scheduled procedure %s: %w", step.AccessionNumber, err)
		}
		return nil
	})
}

func (r *storePG) UpdateProcedureStep(ctx context.Context, sopInstanceUID, status string, endTime time.Time) (*ProcedureStep, error) {
	var out *ProcedureStep
	err := r.InTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		step, err := r.scanStep(q.QueryRow(ctx, `
			UPDATE procedure_steps SET status = $2, end_time = $3
			WHERE sop_instance_uid = $1 AND status = 'IN_PROGRESS'
			RETURNING `+stepColsPG,
			sopInstanceUID, status, endTime))
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := q.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM procedure_steps WHERE sop_instance_uid = $1)`,
				sopInstanceUID).Scan(&exists); err != nil {
				return fmt.Errorf("check procedure step %s: %w", sopInstanceUID, err)
			}
			if exists {
				return ErrStepTerminal
			}
			return ErrStepNotFound
		}
		if err != nil {
			return fmt.Errorf("update procedure step %s: %w", sopInstanceUID, err)
		}

		_, err = q.Exec(ctx, `
			UPDATE scheduled_procedures SET status = $2, updated_at = NOW()
			WHERE accession_number = $1 AND status IN ('SCHEDULED', 'IN_PROGRESS')`,
			step.AccessionNumber, status)
		if err != nil {
			return fmt.Errorf("propagate status to %s: %w", step.AccessionNumber, err)
		}
		out = step
		return nil
	})
	return out, err
}

func (r *storePG) GetProcedureStep(ctx context.Context, sopInstanceUID string) (*ProcedureStep, error) {
	s, err := r.scanStep(r.conn(ctx).QueryRow(ctx,
		`SELECT `+stepColsPG+` FROM procedure_steps WHERE sop_instance_uid = $1`, sopInstanceUID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStepNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get procedure step %s: %w", sopInstanceUID, err)
	}
	return s, nil
}
