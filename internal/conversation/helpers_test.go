package conversation

import (
	"time"

	"github.com/wolfman30/clinic-booking-engine/internal/extraction"
	"github.com/wolfman30/clinic-booking-engine/internal/tenancy"
)

var mexicoCity = mustLocation("America/Mexico_City")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// testNow is Monday 2 June 2025, 10:00 in Mexico City.
var testNow = time.Date(2025, 6, 2, 10, 0, 0, 0, mexicoCity)

func weekdayHours() *tenancy.BusinessHours {
	h := &tenancy.DayHours{Open: "09:00", Close: "18:00"}
	return &tenancy.BusinessHours{Monday: h, Tuesday: h, Wednesday: h, Thursday: h, Friday: h, Saturday: h}
}

func testTenant(id string) *tenancy.Tenant {
	return &tenancy.Tenant{
		ID:              id,
		ChannelNumberID: "channel-" + id,
		Name:            "Clínica " + id,
		CalendarID:      "cal-" + id,
		LocationID:      "loc-" + id,
		Status:          tenancy.StatusActive,
		Timezone:        "America/Mexico_City",
		BusinessHours:   weekdayHours(),
	}
}

func slot(value string, confidence float64) extraction.Slot {
	return extraction.Slot{Value: value, Confidence: confidence}
}

func confirmed(value string) Field {
	return Field{Status: FieldConfirmed, Value: value, Confidence: 0.95}
}

func fullResult(name, service, date, clock string, confidence float64) *extraction.Result {
	return &extraction.Result{
		HasAppointmentInfo: true,
		Name:               slot(name, confidence),
		Service:            slot(service, confidence),
		Date:               slot(date, confidence),
		Time:               slot(clock, confidence),
	}
}

func completeCandidate() Candidate {
	return Candidate{
		Name:    confirmed("Juan Pérez"),
		Service: confirmed("Consulta general"),
		Date:    confirmed("2025-06-03"),
		Time:    confirmed("10:00"),
	}
}
