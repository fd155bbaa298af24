package conversation

import (
	"fmt"
	"time"

	"github.com/wolfman30/clinic-booking-engine/internal/extraction"
	"github.com/wolfman30/clinic-booking-engine/internal/messaging"
	"github.com/wolfman30/clinic-booking-engine/internal/tenancy"
)

// Input is everything the state machine learns from one inbound turn.
type Input struct {
	Text          string
	ButtonID      string
	Extraction    *extraction.Result
	ExtractionErr error
}

// Decision is the machine's verdict for a turn. Book asks the engine to call
// the calendar; the outcome is fed back through Booked or BookingFailed.
type Decision struct {
	State     State
	Candidate Candidate
	Reply     messaging.Content
	Book      bool
	Issues    []FieldIssue
}

// BookingFailure classifies why the calendar did not accept a booking.
type BookingFailure int

const (
	BookingTransient BookingFailure = iota
	BookingRejected
	BookingAuthExpired
)

// Machine holds the pure transition rules. It performs no I/O.
type Machine struct {
	Threshold float64
}

func NewMachine(threshold float64) Machine {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultConfidenceThreshold
	}
	return Machine{Threshold: threshold}
}

// IsConfirmationReply reports whether in is a plain yes or no to a pending
// confirmation, in which case extraction is skipped.
func IsConfirmationReply(state State, in Input) bool {
	if state != StateAwaitingConfirmation {
		return false
	}
	switch in.ButtonID {
	case ButtonConfirmYes, ButtonConfirmNo:
		return true
	}
	return IsAffirmative(in.Text) || IsNegative(in.Text)
}

// Next computes the state and reply for one inbound turn.
func (m Machine) Next(conv *Conversation, tenant *tenancy.Tenant, in Input, now time.Time) Decision {
	switch conv.State {
	case StateAwaitingConfirmation:
		switch {
		case in.ButtonID == ButtonConfirmYes || (in.ButtonID == "" && IsAffirmative(in.Text)):
			return m.confirm(conv, tenant, now)
		case in.ButtonID == ButtonConfirmNo || (in.ButtonID == "" && IsNegative(in.Text)):
			return cancelled(conv)
		}
		return m.collect(conv, tenant, in, now)
	case StateNew, StateCollecting:
		if in.ButtonID == "" && IsCancelIntent(in.Text) {
			return cancelled(conv)
		}
		return m.collect(conv, tenant, in, now)
	case StatePaymentPending:
		return Decision{State: StatePaymentPending, Candidate: conv.Candidate, Reply: messaging.Text(msgPaymentPending)}
	}
	return Decision{State: conv.State, Candidate: conv.Candidate}
}

// Booked is the transition after the calendar accepted the appointment.
func (m Machine) Booked(conv *Conversation, tenant *tenancy.Tenant) Decision {
	state := StateConfirmed
	if tenant.RequiresPrepayment {
		state = StatePaymentPending
	}
	return Decision{
		State:     state,
		Candidate: conv.Candidate,
		Reply:     messaging.Text(bookedText(&conv.Candidate, tenant.RequiresPrepayment)),
	}
}

// BookingFailed is the transition after the calendar refused or failed.
func (m Machine) BookingFailed(conv *Conversation, failure BookingFailure) Decision {
	cand := conv.Candidate
	switch failure {
	case BookingRejected:
		cand.Time = Field{Status: FieldUnset}
		return Decision{
			State:     StateCollecting,
			Candidate: cand,
			Reply:     messaging.Text(msgSlotRejected),
			Issues:    []FieldIssue{{Field: FieldTime, Reason: IssueMissing}},
		}
	case BookingAuthExpired:
		return Decision{State: conv.State, Candidate: cand, Reply: messaging.Text(msgUnavailable)}
	default:
		return Decision{State: StateAwaitingConfirmation, Candidate: cand, Reply: retryConfirmationPrompt(&cand)}
	}
}

// Paid completes a conversation waiting on prepayment.
func (m Machine) Paid(conv *Conversation) (Decision, error) {
	if conv.State != StatePaymentPending {
		return Decision{}, fmt.Errorf("conversation: cannot mark paid in state %s", conv.State)
	}
	reply := fmt.Sprintf("✅ ¡Recibimos tu pago! Tu cita para el %s a las %s quedó confirmada.", formatDate(conv.Candidate.Date.Value), conv.Candidate.Time.Value)
	return Decision{State: StateCompleted, Candidate: conv.Candidate, Reply: messaging.Text(reply)}, nil
}

func (m Machine) confirm(conv *Conversation, tenant *tenancy.Tenant, now time.Time) Decision {
	cand := conv.Candidate
	issues := pendingIssues(&cand, tenant, now, nil)
	if len(issues) > 0 {
		// The slot went stale while we waited for the answer.
		clearInvalid(&cand, issues)
		return Decision{State: StateCollecting, Candidate: cand, Reply: messaging.Text(reaskText(issues, tenant, false)), Issues: issues}
	}
	return Decision{State: StateAwaitingConfirmation, Candidate: cand, Book: true}
}

func (m Machine) collect(conv *Conversation, tenant *tenancy.Tenant, in Input, now time.Time) Decision {
	cand := conv.Candidate
	conflicts := make(map[FieldName]string)
	learned := false

	if in.Extraction != nil && in.ExtractionErr == nil {
		slots := map[FieldName]extraction.Slot{
			FieldPatientName: in.Extraction.Name,
			FieldService:     in.Extraction.Service,
			FieldDate:        in.Extraction.Date,
			FieldTime:        in.Extraction.Time,
		}
		for _, name := range requiredFields {
			merged, outcome := MergeField(cand.Get(name), slots[name], m.Threshold)
			cand.Set(name, merged)
			switch outcome {
			case MergeConflict:
				conflicts[name] = slots[name].Value
				learned = true
			case MergeConfirmed, MergeLowConfidence:
				learned = true
			}
		}
	}

	issues := pendingIssues(&cand, tenant, now, conflicts)
	clearInvalid(&cand, issues)

	if len(issues) == 0 {
		return Decision{State: StateAwaitingConfirmation, Candidate: cand, Reply: confirmationPrompt(&cand), Issues: nil}
	}

	next := StateCollecting
	if in.ExtractionErr != nil && !learned {
		// Fail closed: nothing new was understood, so nothing moves.
		if conv.State == StateAwaitingConfirmation {
			return Decision{State: StateAwaitingConfirmation, Candidate: conv.Candidate, Reply: messaging.Text(msgFallbackReask + "\n\n" + msgAwaitingDecision)}
		}
		return Decision{State: next, Candidate: cand, Reply: messaging.Text(msgFallbackReask), Issues: issues}
	}
	return Decision{State: next, Candidate: cand, Reply: messaging.Text(reaskText(issues, tenant, conv.State == StateNew)), Issues: issues}
}

// clearInvalid resets fields that failed validation so the patient's next
// answer is accepted without a conflict.
func clearInvalid(c *Candidate, issues []FieldIssue) {
	for _, issue := range issues {
		if issue.Invalid() {
			c.Set(issue.Field, Field{Status: FieldUnset})
		}
	}
}

func cancelled(conv *Conversation) Decision {
	return Decision{State: StateCancelled, Candidate: conv.Candidate, Reply: messaging.Text(msgCancelled)}
}
