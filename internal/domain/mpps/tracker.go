// Package mpps tracks Modality Performed Procedure Steps and moves the
// linked scheduled procedures through their lifecycle.
package mpps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/worklist/internal/domain/worklist"
	"github.com/ehr/worklist/internal/platform/dimse"
	"github.com/ehr/worklist/internal/platform/telemetry"
)

// Performed Procedure Step Status values on the wire.
const (
	WireInProgress   = "IN PROGRESS"
	WireCompleted    = "COMPLETED"
	WireDiscontinued = "DISCONTINUED"
)

// Create is the typed content of an N-CREATE request.
type Create struct {
	SOPInstanceUID   string
	Status           string
	AccessionNumber  string
	StudyInstanceUID string
	Modality         string
	StationAETitle   string
}

// Set is the typed content of an N-SET request. Status is empty when the
// request does not change it.
type Set struct {
	SOPInstanceUID string
	Status         string
	EndTime        *time.Time
}

// requestError carries the DIMSE status a malformed request maps to.
type requestError struct {
	status uint16
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func invalid(status uint16, format string, args ...interface{}) error {
	return &requestError{status: status, msg: fmt.Sprintf(format, args...)}
}

// ParseCreate validates an N-CREATE attribute list.
func ParseCreate(sopInstanceUID string, ds *dimse.Dataset) (*Create, error) {
	c := &Create{
		SOPInstanceUID: strings.TrimSpace(sopInstanceUID),
		Modality:       strings.TrimSpace(ds.String(dimse.TagModality)),
		StationAETitle: strings.TrimSpace(ds.String(dimse.TagPerformedStationAETitle)),
	}
	if c.SOPInstanceUID == "" {
		return nil, invalid(dimse.StatusInvalidAttributeValue, "missing affected SOP instance UID")
	}
	if !ds.Has(dimse.TagPerformedProcedureStepStatus) {
		return nil, invalid(dimse.StatusMissingAttribute, "missing performed procedure step status")
	}
	status := strings.ToUpper(strings.TrimSpace(ds.String(dimse.TagPerformedProcedureStepStatus)))
	if status != WireInProgress {
		return nil, invalid(dimse.StatusInvalidAttributeValue, "initial status must be IN PROGRESS, got %q", status)
	}
	c.Status = worklist.StatusInProgress

	items, _ := ds.Sequence(dimse.TagScheduledStepAttributesSequence)
	for _, item := range items {
		if acc := strings.TrimSpace(item.String(dimse.TagAccessionNumber)); acc != "" {
			c.AccessionNumber = acc
			c.StudyInstanceUID = strings.TrimSpace(item.String(dimse.TagStudyInstanceUID))
			break
		}
	}
	if c.AccessionNumber == "" {
		return nil, invalid(dimse.StatusMissingAttribute, "missing accession number in scheduled step attributes")
	}
	return c, nil
}

// ParseSet validates an N-SET modification list.
func ParseSet(sopInstanceUID string, ds *dimse.Dataset) (*Set, error) {
	s := &Set{SOPInstanceUID: strings.TrimSpace(sopInstanceUID)}
	if s.SOPInstanceUID == "" {
		return nil, invalid(dimse.StatusNoSuchObjectInstance, "missing requested SOP instance UID")
	}
	switch status := strings.ToUpper(strings.TrimSpace(ds.String(dimse.TagPerformedProcedureStepStatus))); status {
	case "", WireInProgress:
	case WireCompleted:
		s.Status = worklist.StatusCompleted
	case WireDiscontinued:
		s.Status = worklist.StatusDiscontinued
	default:
		return nil, invalid(dimse.StatusInvalidAttributeValue, "unknown performed procedure step status %q", status)
	}

	da := strings.TrimSpace(ds.String(dimse.TagPerformedProcedureStepEndDate))
	tm := strings.TrimSpace(ds.String(dimse.TagPerformedProcedureStepEndTime))
	if da != "" {
		end, err := parseDateTime(da, tm)
		if err != nil {
			return nil, invalid(dimse.StatusInvalidAttributeValue, "end date/time: %v", err)
		}
		s.EndTime = &end
	}
	return s, nil
}

// parseDateTime combines a DA and an optional TM (HH, HHMM, HHMMSS with an
// optional fraction) in local time.
func parseDateTime(da, tm string) (time.Time, error) {
	if i := strings.IndexByte(tm, '.'); i >= 0 {
		tm = tm[:i]
	}
	tm = strings.ReplaceAll(tm, ":", "")
	switch len(tm) {
	case 0:
		tm = "000000"
	case 2:
		tm += "0000"
	case 4:
		tm += "00"
	case 6:
	default:
		return time.Time{}, fmt.Errorf("malformed time %q", tm)
	}
	return time.ParseInLocation("20060102150405", da+tm, time.Local)
}

// Tracker implements dimse.ProcedureStepHandler.
type Tracker struct {
	store   worklist.Store
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewTracker creates a tracker. metrics may be nil.
func NewTracker(store worklist.Store, metrics *telemetry.Metrics, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:   store,
		metrics: metrics,
		logger:  logger.With().Str("component", "mpps").Logger(),
		now:     time.Now,
	}
}

var _ dimse.ProcedureStepHandler = (*Tracker)(nil)

func (t *Tracker) HandleNCreate(ctx context.Context, req *dimse.Request) dimse.Response {
	resp := t.create(ctx, req)
	t.metrics.StepMessage("N-CREATE", fmt.Sprintf("0x%04X", resp.Status))
	return resp
}

func (t *Tracker) HandleNSet(ctx context.Context, req *dimse.Request) dimse.Response {
	resp := t.set(ctx, req)
	t.metrics.StepMessage("N-SET", fmt.Sprintf("0x%04X", resp.Status))
	return resp
}

func (t *Tracker) create(ctx context.Context, req *dimse.Request) dimse.Response {
	log := t.logger.With().Str("calling_ae", req.Peer.CallingAE).Str("sop_instance_uid", req.SOPInstanceUID).Logger()

	c, err := ParseCreate(req.SOPInstanceUID, req.Dataset)
	if err != nil {
		log.Warn().Err(err).Msg("rejecting N-CREATE")
		return failure(err)
	}

	step := &worklist.ProcedureStep{
		SOPInstanceUID:     c.SOPInstanceUID,
		AccessionNumber:    c.AccessionNumber,
		StudyInstanceUID:   c.StudyInstanceUID,
		Modality:           c.Modality,
		PerformedStationAE: c.StationAETitle,
		Status:             c.Status,
		StartTime:          t.now(),
	}
	if err := t.store.CreateProcedureStep(ctx, step); err != nil {
		switch {
		case errors.Is(err, worklist.ErrProcedureNotFound):
			log.Warn().Str("accession", c.AccessionNumber).Msg("N-CREATE for unknown accession")
			return dimse.Response{Status: dimse.StatusNoSuchObjectInstance, ErrorComment: "unknown accession number"}
		case errors.Is(err, worklist.ErrDuplicateStep):
			log.Warn().Msg("N-CREATE for existing procedure step")
			return dimse.Response{Status: dimse.StatusDuplicateSOPInstance, ErrorComment: "duplicate SOP instance"}
		default:
			log.Error().Err(err).Msg("recording procedure step failed")
			return dimse.Response{Status: dimse.StatusProcessingFailure, ErrorComment: "worklist store unavailable"}
		}
	}
	log.Info().Str("accession", c.AccessionNumber).Str("modality", c.Modality).Msg("procedure step started")

	out := dimse.NewDataset()
	for _, e := range req.Dataset.Elements() {
		out.Put(e)
	}
	out.SetString(dimse.TagSOPClassUID, dimse.ModalityPerformedProcedureStepSOPClass)
	out.SetString(dimse.TagSOPInstanceUID, c.SOPInstanceUID)
	return dimse.Response{Status: dimse.StatusSuccess, Dataset: out}
}

func (t *Tracker) set(ctx context.Context, req *dimse.Request) dimse.Response {
	log := t.logger.With().Str("calling_ae", req.Peer.CallingAE).Str("sop_instance_uid", req.SOPInstanceUID).Logger()

	s, err := ParseSet(req.SOPInstanceUID, req.Dataset)
	if err != nil {
		log.Warn().Err(err).Msg("rejecting N-SET")
		return failure(err)
	}

	if s.Status == "" {
		// Attribute-only update: the step must still be open.
		step, err := t.store.GetProcedureStep(ctx, s.SOPInstanceUID)
		if err != nil {
			return t.setFailure(log, err)
		}
		if worklist.IsTerminal(step.Status) {
			return t.setFailure(log, worklist.ErrStepTerminal)
		}
		return dimse.Response{Status: dimse.StatusSuccess}
	}

	end := t.now()
	if s.EndTime != nil {
		end = *s.EndTime
	}
	step, err := t.store.UpdateProcedureStep(ctx, s.SOPInstanceUID, s.Status, end)
	if err != nil {
		return t.setFailure(log, err)
	}
	log.Info().Str("accession", step.AccessionNumber).Str("status", step.Status).Msg("procedure step finished")
	return dimse.Response{Status: dimse.StatusSuccess}
}

func (t *Tracker) setFailure(log zerolog.Logger, err error) dimse.Response {
	switch {
	case errors.Is(err, worklist.ErrStepNotFound):
		log.Warn().Msg("N-SET for unknown procedure step")
		return dimse.Response{Status: dimse.StatusNoSuchObjectInstance, ErrorComment: "unknown SOP instance"}
	case errors.Is(err, worklist.ErrStepTerminal):
		log.Warn().Msg("N-SET on finished procedure step")
		return dimse.Response{Status: dimse.StatusStepNoLongerUpdatable, ErrorComment: "procedure step already finished"}
	default:
		log.Error().Err(err).Msg("updating procedure step failed")
		return dimse.Response{Status: dimse.StatusProcessingFailure, ErrorComment: "worklist store unavailable"}
	}
}

func failure(err error) dimse.Response {
	var re *requestError
	if errors.As(err, &re) {
		return dimse.Response{Status: re.status, ErrorComment: re.msg}
	}
	return dimse.Response{Status: dimse.StatusProcessingFailure, ErrorComment: err.Error()}
}
