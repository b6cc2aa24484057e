package scheduling

// Push channel topics.
const (
	TopicSlots             = "/topic/slots"
	TopicAppointmentStatus = "/topic/appointments/status"
	TopicTreatmentNotes    = "/topic/appointments/treatment-notes"
)

// SlotAction says whether a slot event consumed or released a window.
type SlotAction string

const (
	SlotRemove SlotAction = "REMOVE"
	SlotAdd    SlotAction = "ADD"
)

// SlotEvent is the payload published on TopicSlots.
type SlotEvent struct {
	Date      string     `json:"date"`
	StartTime string     `json:"start_time"`
	EndTime   string     `json:"end_time,omitempty"`
	DoctorID  string     `json:"doctor_id,omitempty"`
	ClinicID  string     `json:"clinic_id,omitempty"`
	Action    SlotAction `json:"action"`
}

// StatusEvent is the payload published on TopicAppointmentStatus.
type StatusEvent struct {
	AppointmentID string `json:"appointment_id"`
	ClinicID      string `json:"clinic_id,omitempty"`
	Status        Status `json:"status"`
}

// TreatmentNoteEvent is the payload published on TopicTreatmentNotes.
type TreatmentNoteEvent struct {
	AppointmentID string `json:"appointment_id"`
	NoteID        string `json:"note_id,omitempty"`
}
