package dimse

import (
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Tag identifies a DICOM attribute by group and element number.
type Tag = tag.Tag

func tagLess(a, b Tag) bool {
	if a.Group != b.Group {
		return a.Group < b.Group
	}
	return a.Element < b.Element
}

// Command set attributes (PS3.7 Annex E).
var (
	TagCommandGroupLength        = Tag{Group: 0x0000, Element: 0x0000}
	TagAffectedSOPClassUID       = Tag{Group: 0x0000, Element: 0x0002}
	TagRequestedSOPClassUID      = Tag{Group: 0x0000, Element: 0x0003}
	TagCommandField              = Tag{Group: 0x0000, Element: 0x0100}
	TagMessageID                 = Tag{Group: 0x0000, Element: 0x0110}
	TagMessageIDBeingRespondedTo = Tag{Group: 0x0000, Element: 0x0120}
	TagPriority                  = Tag{Group: 0x0000, Element: 0x0700}
	TagCommandDataSetType        = Tag{Group: 0x0000, Element: 0x0800}
	TagStatus                    = Tag{Group: 0x0000, Element: 0x0900}
	TagErrorComment              = Tag{Group: 0x0000, Element: 0x0902}
	TagAffectedSOPInstanceUID    = Tag{Group: 0x0000, Element: 0x1000}
	TagRequestedSOPInstanceUID   = Tag{Group: 0x0000, Element: 0x1001}
)

// Data set attributes used by the worklist and procedure step services.
var (
	TagSpecificCharacterSet              = Tag{Group: 0x0008, Element: 0x0005}
	TagSOPClassUID                       = Tag{Group: 0x0008, Element: 0x0016}
	TagSOPInstanceUID                    = Tag{Group: 0x0008, Element: 0x0018}
	TagAccessionNumber                   = Tag{Group: 0x0008, Element: 0x0050}
	TagModality                          = Tag{Group: 0x0008, Element: 0x0060}
	TagReferringPhysicianName            = Tag{Group: 0x0008, Element: 0x0090}
	TagPatientName                       = Tag{Group: 0x0010, Element: 0x0010}
	TagPatientID                         = Tag{Group: 0x0010, Element: 0x0020}
	TagPatientBirthDate                  = Tag{Group: 0x0010, Element: 0x0030}
	TagPatientSex                        = Tag{Group: 0x0010, Element: 0x0040}
	TagStudyInstanceUID                  = Tag{Group: 0x0020, Element: 0x000D}
	TagStudyID                           = Tag{Group: 0x0020, Element: 0x0010}
	TagRequestedProcedureDescription     = Tag{Group: 0x0032, Element: 0x1060}
	TagScheduledStationAETitle           = Tag{Group: 0x0040, Element: 0x0001}
	TagScheduledProcedureStepStartDate   = Tag{Group: 0x0040, Element: 0x0002}
	TagScheduledProcedureStepStartTime   = Tag{Group: 0x0040, Element: 0x0003}
	TagScheduledPerformingPhysicianName  = Tag{Group: 0x0040, Element: 0x0006}
	TagScheduledProcedureStepDescription = Tag{Group: 0x0040, Element: 0x0007}
	TagScheduledProcedureStepID          = Tag{Group: 0x0040, Element: 0x0009}
	TagScheduledProcedureStepSequence    = Tag{Group: 0x0040, Element: 0x0100}
	TagPerformedStationAETitle           = Tag{Group: 0x0040, Element: 0x0241}
	TagPerformedProcedureStepStartDate   = Tag{Group: 0x0040, Element: 0x0244}
	TagPerformedProcedureStepStartTime   = Tag{Group: 0x0040, Element: 0x0245}
	TagPerformedProcedureStepEndDate     = Tag{Group: 0x0040, Element: 0x0250}
	TagPerformedProcedureStepEndTime     = Tag{Group: 0x0040, Element: 0x0251}
	TagPerformedProcedureStepStatus      = Tag{Group: 0x0040, Element: 0x0252}
	TagPerformedProcedureStepID          = Tag{Group: 0x0040, Element: 0x0253}
	TagPerformedProcedureStepDescription = Tag{Group: 0x0040, Element: 0x0254}
	TagScheduledStepAttributesSequence   = Tag{Group: 0x0040, Element: 0x0270}
	TagRequestedProcedureID              = Tag{Group: 0x0040, Element: 0x1001}
)

// commandVRs pins the command group so encoding never depends on the data
// dictionary carrying group 0000.
var commandVRs = map[Tag]string{
	TagCommandGroupLength:        "UL",
	TagAffectedSOPClassUID:       "UI",
	TagRequestedSOPClassUID:      "UI",
	TagCommandField:              "US",
	TagMessageID:                 "US",
	TagMessageIDBeingRespondedTo: "US",
	TagPriority:                  "US",
	TagCommandDataSetType:        "US",
	TagStatus:                    "US",
	TagErrorComment:              "LO",
	TagAffectedSOPInstanceUID:    "UI",
	TagRequestedSOPInstanceUID:   "UI",
}

// LookupVR returns the value representation of t from the DICOM data
// dictionary. Group length elements are always UL; unknown tags are UN.
func LookupVR(t Tag) string {
	if vr, ok := commandVRs[t]; ok {
		return vr
	}
	if t.Element == 0x0000 {
		return "UL"
	}
	if info, err := tag.Find(t); err == nil && info.VR != "" {
		return info.VR
	}
	return "UN"
}

// Keyword returns the attribute keyword for t, or its numeric form.
func Keyword(t Tag) string {
	if info, err := tag.Find(t); err == nil && info.Name != "" {
		return info.Name
	}
	return t.String()
}
