// Package mwl answers Modality Worklist C-FIND queries from the worklist
// store.
package mwl

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/worklist/internal/domain/worklist"
	"github.com/ehr/worklist/internal/platform/dimse"
	"github.com/ehr/worklist/internal/platform/telemetry"
)

// CharacterSet is declared on every response; names are stored as UTF-8.
const CharacterSet = "ISO_IR 192"

// Syncer refreshes the store before a query is answered.
type Syncer interface {
	TriggerForQuery(ctx context.Context) error
}

// StationRouter resolves the station AE title for a modality.
type StationRouter interface {
	AETitle(modality string) string
}

// Responder implements dimse.FindHandler for the worklist SOP class.
type Responder struct {
	store   worklist.Store
	syncer  Syncer
	router  StationRouter
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// NewResponder creates a responder. syncer, router and metrics may be nil.
func NewResponder(store worklist.Store, syncer Syncer, router StationRouter, metrics *telemetry.Metrics, logger zerolog.Logger) *Responder {
	return &Responder{
		store:   store,
		syncer:  syncer,
		router:  router,
		metrics: metrics,
		logger:  logger.With().Str("component", "mwl").Logger(),
	}
}

var _ dimse.FindHandler = (*Responder)(nil)

func (r *Responder) HandleFind(ctx context.Context, req *dimse.Request, emit func(*dimse.Dataset) error) dimse.Response {
	log := r.logger.With().Str("calling_ae", req.Peer.CallingAE).Logger()

	q, err := ParseQuery(req.Dataset)
	if err != nil {
		log.Warn().Err(err).Msg("rejecting worklist query")
		return r.finish(dimse.Response{Status: dimse.StatusIdentifierDoesNotMatch, ErrorComment: err.Error()}, 0)
	}

	if r.syncer != nil {
		// Failures are logged by the syncer; stale data is served.
		_ = r.syncer.TriggerForQuery(ctx)
	}

	entries, err := r.store.FindScheduledProcedures(ctx, worklist.Filter{Statuses: worklist.ActiveStatuses})
	if err != nil {
		log.Error().Err(err).Msg("worklist store read failed")
		return r.finish(dimse.Response{Status: dimse.StatusUnableToProcess, ErrorComment: "worklist store unavailable"}, 0)
	}

	matches := 0
	for _, e := range entries {
		if !q.Matches(e) {
			continue
		}
		if err := emit(BuildResponse(q, e, r.stationAE(e.Modality))); err != nil {
			log.Warn().Err(err).Int("sent", matches).Msg("worklist response interrupted")
			return r.finish(dimse.Response{Status: dimse.StatusUnableToProcess, ErrorComment: "response interrupted"}, matches)
		}
		matches++
	}
	log.Info().
		Int("candidates", len(entries)).
		Int("matches", matches).
		Str("modality", q.Modality).
		Msg("worklist query answered")
	return r.finish(dimse.Response{Status: dimse.StatusSuccess}, matches)
}

func (r *Responder) finish(resp dimse.Response, matches int) dimse.Response {
	r.metrics.QueryFinished(fmt.Sprintf("0x%04X", resp.Status), matches)
	return resp
}

func (r *Responder) stationAE(modality string) string {
	if r.router == nil {
		return ""
	}
	return r.router.AETitle(modality)
}

// latinNameModalities receive the romanized patient name. Every other
// modality gets the native form when one is stored.
var latinNameModalities = map[string]bool{"US": true}

// RenderedName returns the patient name a response for e carries.
func RenderedName(e *worklist.Entry) string {
	if e.Patient.NativeName == "" || latinNameModalities[e.Modality] {
		return e.Patient.PatientName
	}
	return e.Patient.NativeName
}

// BuildResponse renders one pending C-FIND response for entry.
func BuildResponse(q *Query, e *worklist.Entry, stationAE string) *dimse.Dataset {
	ds := dimse.NewDataset()
	ds.SetString(dimse.TagSpecificCharacterSet, CharacterSet)
	ds.SetString(dimse.TagAccessionNumber, e.AccessionNumber)
	ds.SetString(dimse.TagPatientName, RenderedName(e))
	ds.SetString(dimse.TagPatientID, e.Patient.PatientID)
	ds.SetString(dimse.TagPatientBirthDate, e.Patient.BirthDate)
	ds.SetString(dimse.TagPatientSex, e.Patient.Sex)
	ds.SetString(dimse.TagStudyInstanceUID, e.EffectiveStudyUID())
	ds.SetString(dimse.TagStudyID, e.AccessionNumber)
	ds.SetString(dimse.TagRequestedProcedureID, e.AccessionNumber)

	sps := dimse.NewDataset()
	sps.SetString(dimse.TagModality, e.Modality)
	sps.SetString(dimse.TagScheduledStationAETitle, stationAE)
	sps.SetString(dimse.TagScheduledProcedureStepStartDate, e.AppointmentDate)
	sps.SetString(dimse.TagScheduledProcedureStepStartTime, e.AppointmentTime)
	sps.SetString(dimse.TagScheduledPerformingPhysicianName, "")
	sps.SetString(dimse.TagScheduledProcedureStepDescription, "")
	sps.SetString(dimse.TagScheduledProcedureStepID, e.AccessionNumber)
	ds.SetSequence(dimse.TagScheduledProcedureStepSequence, sps)

	// Requested keys without a value here come back empty.
	for _, extra := range q.Extra {
		ds.SetEmpty(extra.Tag, extra.RawValueRepresentation)
	}
	return ds
}
