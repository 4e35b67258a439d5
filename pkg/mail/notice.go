package mail

import "strings"

// DefaultSubject is used when a notice carries no subject.
const DefaultSubject = "Appointment Schedule Change Notification"

// Schedule is one appointment slot.
type Schedule struct {
	Day  string `json:"day"`
	Date string `json:"date"`
	Time string `json:"time"`
}

func (s *Schedule) complete() bool {
	return s != nil &&
		strings.TrimSpace(s.Day) != "" &&
		strings.TrimSpace(s.Date) != "" &&
		strings.TrimSpace(s.Time) != ""
}

// ScheduleChangeNotice is the payload of a single schedule-change email.
type ScheduleChangeNotice struct {
	Recipient        string    `json:"recipient"`
	Subject          string    `json:"subject,omitempty"`
	PatientName      string    `json:"patientName"`
	DoctorName       string    `json:"doctorName,omitempty"`
	PreviousSchedule *Schedule `json:"previousSchedule"`
	NewSchedule      *Schedule `json:"newSchedule"`
}

// Validate checks required fields in order and returns the first failure as a
// ValidationError.
func (n *ScheduleChangeNotice) Validate(requireDoctorName bool) error {
	if n == nil {
		return validationError("notice required")
	}
	if strings.TrimSpace(n.Recipient) == "" {
		return validationError("recipient required")
	}
	if strings.TrimSpace(n.PatientName) == "" {
		return validationError("patient name required")
	}
	if requireDoctorName && strings.TrimSpace(n.DoctorName) == "" {
		return validationError("doctor name required")
	}
	if !n.PreviousSchedule.complete() || !n.NewSchedule.complete() {
		return validationError("both schedules required")
	}
	return nil
}

// EffectiveSubject returns the notice subject or DefaultSubject.
func (n *ScheduleChangeNotice) EffectiveSubject() string {
	if s := strings.TrimSpace(n.Subject); s != "" {
		return s
	}
	return DefaultSubject
}

// Outcome acknowledges a successful send.
type Outcome struct {
	MessageID         string `json:"messageId"`
	TransportResponse string `json:"transportResponse"`
}
