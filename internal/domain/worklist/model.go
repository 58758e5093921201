package worklist

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/worklist/internal/platform/dimse"
)

// Scheduled procedure statuses. Procedure steps use the last three.
const (
	StatusScheduled    = "SCHEDULED"
	StatusInProgress   = "IN_PROGRESS"
	StatusCompleted    = "COMPLETED"
	StatusDiscontinued = "DISCONTINUED"
)

// ActiveStatuses are the procedure statuses offered to modalities.
var ActiveStatuses = []string{StatusScheduled, StatusInProgress}

// IsTerminal reports whether status ends a procedure step lifecycle.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusDiscontinued
}

// ParseStatuses parses a comma separated status list. An empty list yields
// ActiveStatuses.
func ParseStatuses(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return ActiveStatuses, nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		switch s {
		case StatusScheduled, StatusInProgress, StatusCompleted, StatusDiscontinued:
			out = append(out, s)
		default:
			return nil, fmt.Errorf("invalid status %q", s)
		}
	}
	return out, nil
}

// Patient maps to the patients table.
type Patient struct {
	PatientID   string    `db:"patient_id" json:"patient_id"`
	PatientName string    `db:"patient_name" json:"patient_name"`
	NativeName  string    `db:"native_name" json:"native_name,omitempty"`
	BirthDate   string    `db:"birth_date" json:"birth_date,omitempty"`
	Sex         string    `db:"sex" json:"sex,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// ScheduledProcedure maps to the scheduled_procedures table. Dates and times
// are kept in DICOM DA (YYYYMMDD) and TM (HHMMSS) form.
type ScheduledProcedure struct {
	AccessionNumber  string    `db:"accession_number" json:"accession_number"`
	PatientID        string    `db:"patient_id" json:"patient_id"`
	AppointmentDate  string    `db:"appointment_date" json:"appointment_date"`
	AppointmentTime  string    `db:"appointment_time" json:"appointment_time"`
	Modality         string    `db:"modality" json:"modality"`
	StudyInstanceUID string    `db:"study_instance_uid" json:"study_instance_uid,omitempty"`
	Status           string    `db:"status" json:"status"`
	RemoteOrderSeq   *int64    `db:"remote_order_seq" json:"remote_order_seq,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Entry is a scheduled procedure joined with its patient.
type Entry struct {
	ScheduledProcedure
	Patient Patient `json:"patient"`
}

// EffectiveStudyUID returns the stored study instance UID, or the UID
// derived from the accession number when none was stored.
func (e *Entry) EffectiveStudyUID() string {
	if e.StudyInstanceUID != "" {
		return e.StudyInstanceUID
	}
	return StudyInstanceUID(e.AccessionNumber)
}

// ProcedureStep maps to the procedure_steps table.
type ProcedureStep struct {
	SOPInstanceUID     string     `db:"sop_instance_uid" json:"sop_instance_uid"`
	AccessionNumber    string     `db:"accession_number" json:"accession_number"`
	StudyInstanceUID   string     `db:"study_instance_uid" json:"study_instance_uid,omitempty"`
	Modality           string     `db:"modality" json:"modality,omitempty"`
	PerformedStationAE string     `db:"performed_station_ae" json:"performed_station_ae,omitempty"`
	Status             string     `db:"status" json:"status"`
	StartTime          time.Time  `db:"start_time" json:"start_time"`
	EndTime            *time.Time `db:"end_time" json:"end_time,omitempty"`
}

var studyNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("github.com/ehr/worklist/study"))

// StudyInstanceUID derives a stable study instance UID from an accession
// number, so the same order always maps to the same study.
func StudyInstanceUID(accession string) string {
	return dimse.UIDFromUUID(uuid.NewSHA1(studyNamespace, []byte(accession)))
}
