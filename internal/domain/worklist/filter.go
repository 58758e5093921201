package worklist

import "strings"

// where renders f as a SQL WHERE clause. placeholder returns the bind marker
// for the n-th argument (1-based).
func (f Filter) where(placeholder func(n int) string) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, strings.Replace(clause, "?", placeholder(len(args)), 1))
	}

	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			args = append(args, s)
			marks[i] = placeholder(len(args))
		}
		clauses = append(clauses, "sp.status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.AccessionNumber != "" {
		add("sp.accession_number = ?", f.AccessionNumber)
	}
	if f.PatientID != "" {
		add("sp.patient_id = ?", f.PatientID)
	}
	if f.Modality != "" {
		add("sp.modality = ?", f.Modality)
	}
	if f.DateFrom != "" {
		add("sp.appointment_date >= ?", f.DateFrom)
	}
	if f.DateTo != "" {
		add("sp.appointment_date <= ?", f.DateTo)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

const entryFrom = ` FROM scheduled_procedures sp JOIN patients p ON p.patient_id = sp.patient_id`

const entryOrder = ` ORDER BY sp.appointment_date, sp.appointment_time, sp.accession_number`
