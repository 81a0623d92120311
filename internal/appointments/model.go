package appointments

import (
	"time"

	"github.com/google/uuid"
)

// Appointment statuses. Inbound WhatsApp replies advance scheduled
// appointments through confirmed / reschedule_requested / canceled.
const (
	StatusScheduled           = "scheduled"
	StatusConfirmed           = "confirmed"
	StatusRescheduleRequested = "reschedule_requested"
	StatusCanceled            = "canceled"
	StatusCompleted           = "completed"
)

// Appointment is one booked slot for a company's client.
type Appointment struct {
	ID        uuid.UUID
	CompanyID string
	ClientID  uuid.UUID
	ServiceID uuid.UUID
	Date      time.Time
	Time      string
	Status    string
}

// Detail joins the names needed to render notification templates.
type Detail struct {
	Appointment
	ClientName  string
	ClientPhone string
	ServiceName string
}
