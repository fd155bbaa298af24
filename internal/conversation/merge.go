package conversation

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/wolfman30/clinic-booking-engine/internal/extraction"
	"github.com/wolfman30/clinic-booking-engine/internal/tenancy"
)

// DefaultConfidenceThreshold is deliberately high: below it, extracted
// values are remembered but never booked.
const DefaultConfidenceThreshold = 0.8

const confidenceEpsilon = 1e-9

// MergeOutcome describes what MergeField did with an offered value.
type MergeOutcome int

const (
	MergeUnchanged MergeOutcome = iota
	MergeLowConfidence
	MergeConfirmed
	MergeConflict
)

// MergeField folds one extracted slot into the prior field value.
//
//   - nothing offered: prior is kept.
//   - below threshold: prior is kept; only an unset prior records the offer
//     as LowConfidence. A low-confidence or confirmed value is never replaced.
//   - at or above threshold: the offer is confirmed unless a different
//     confirmed value has exactly the same confidence, in which case the prior
//     value stays and the field is marked disputed.
//
// A disputed field is resolved by the next confident offer.
func MergeField(prior Field, offered extraction.Slot, threshold float64) (Field, MergeOutcome) {
	prior = prior.normalized()
	value := strings.TrimSpace(offered.Value)
	if value == "" {
		return prior, MergeUnchanged
	}

	if offered.Confidence < threshold {
		if prior.Status != FieldUnset {
			return prior, MergeUnchanged
		}
		return Field{Status: FieldLowConfidence, Value: value, Confidence: offered.Confidence}, MergeLowConfidence
	}

	next := Field{Status: FieldConfirmed, Value: value, Confidence: offered.Confidence}
	if prior.Status != FieldConfirmed || prior.Disputed {
		return next, MergeConfirmed
	}
	if sameValue(prior.Value, value) {
		next.Confidence = math.Max(prior.Confidence, offered.Confidence)
		next.Value = prior.Value
		return next, MergeConfirmed
	}
	if math.Abs(prior.Confidence-offered.Confidence) < confidenceEpsilon {
		prior.Disputed = true
		return prior, MergeConflict
	}
	return next, MergeConfirmed
}

func sameValue(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// IssueReason explains why a field needs to be asked for again.
type IssueReason string

const (
	IssueMissing       IssueReason = "missing"
	IssueLowConfidence IssueReason = "low_confidence"
	IssueConflict      IssueReason = "conflict"
	IssueBadFormat     IssueReason = "bad_format"
	IssuePastDate      IssueReason = "past_date"
	IssuePastTime      IssueReason = "past_time"
	IssueClosedDay     IssueReason = "closed_day"
	IssueOutsideHours  IssueReason = "outside_hours"
)

// FieldIssue is a targeted re-ask for a single field.
type FieldIssue struct {
	Field   FieldName
	Reason  IssueReason
	Value   string
	Offered string
}

// Invalid reports whether the issue came from a consistency check rather
// than from the value being absent.
func (i FieldIssue) Invalid() bool {
	switch i.Reason {
	case IssueBadFormat, IssuePastDate, IssuePastTime, IssueClosedDay, IssueOutsideHours:
		return true
	}
	return false
}

func (i FieldIssue) Error() string {
	return fmt.Sprintf("%s: %s", i.Field, i.Reason)
}

func (i FieldIssue) Unwrap() error {
	if i.Invalid() {
		return ErrValidation
	}
	return nil
}

// Validate checks confirmed date and time values against the tenant's clock
// and nominal hours. Only confirmed fields are checked.
func Validate(c *Candidate, tenant *tenancy.Tenant, now time.Time) []FieldIssue {
	loc := tenant.Location()
	localNow := now.In(loc)
	today := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, loc)

	var issues []FieldIssue
	date := c.Get(FieldDate)
	dateOK := false
	if date.Status == FieldConfirmed {
		parsed, err := time.ParseInLocation(extraction.DateLayout, date.Value, loc)
		switch {
		case err != nil:
			issues = append(issues, FieldIssue{Field: FieldDate, Reason: IssueBadFormat, Value: date.Value})
		case parsed.Before(today):
			issues = append(issues, FieldIssue{Field: FieldDate, Reason: IssuePastDate, Value: date.Value})
		case tenant.BusinessHours.HasAnyHours() && tenant.BusinessHours.ForDay(parsed.Weekday()) == nil:
			issues = append(issues, FieldIssue{Field: FieldDate, Reason: IssueClosedDay, Value: date.Value})
		default:
			dateOK = true
		}
	}

	clock := c.Get(FieldTime)
	if clock.Status == FieldConfirmed {
		if _, err := time.Parse(extraction.TimeLayout, clock.Value); err != nil {
			issues = append(issues, FieldIssue{Field: FieldTime, Reason: IssueBadFormat, Value: clock.Value})
		} else if dateOK {
			start, _ := c.StartsAt(loc)
			switch {
			case !start.After(now):
				issues = append(issues, FieldIssue{Field: FieldTime, Reason: IssuePastTime, Value: clock.Value})
			case !tenant.IsOpenAt(start):
				issues = append(issues, FieldIssue{Field: FieldTime, Reason: IssueOutsideHours, Value: clock.Value})
			}
		}
	}
	return issues
}

// pendingIssues lists every field that keeps the candidate from being booked,
// in the order they should be asked for.
func pendingIssues(c *Candidate, tenant *tenancy.Tenant, now time.Time, conflicts map[FieldName]string) []FieldIssue {
	invalid := Validate(c, tenant, now)
	byField := make(map[FieldName]FieldIssue, len(invalid))
	for _, issue := range invalid {
		byField[issue.Field] = issue
	}

	var issues []FieldIssue
	for _, name := range requiredFields {
		f := c.Get(name)
		if issue, ok := byField[name]; ok {
			issues = append(issues, issue)
			continue
		}
		switch {
		case f.Status == FieldConfirmed && f.Disputed:
			issues = append(issues, FieldIssue{Field: name, Reason: IssueConflict, Value: f.Value, Offered: conflicts[name]})
		case f.Status == FieldLowConfidence:
			issues = append(issues, FieldIssue{Field: name, Reason: IssueLowConfidence, Value: f.Value})
		case !f.Ready():
			issues = append(issues, FieldIssue{Field: name, Reason: IssueMissing})
		}
	}
	return issues
}

var (
	affirmativeVocabulary = vocabulary("sí", "si", "confirmar", "confirmo", "yes", "ok", "correcto", "claro", "de acuerdo")
	negativeVocabulary    = vocabulary("no", "cancelar", "cancel", "cancela", "no quiero", "dejalo", "déjalo", "olvídalo", "olvidalo")
	// A bare "no" while collecting usually answers some other question, so
	// it does not count as cancelling there.
	cancelVocabulary = vocabulary("cancelar", "cancel", "cancela", "no quiero", "dejalo", "déjalo", "olvídalo", "olvidalo")
)

var accentReplacer = strings.NewReplacer("á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u")

func normalizeReply(text string) string {
	text = accentReplacer.Replace(strings.ToLower(text))
	var b strings.Builder
	for _, r := range text {
		switch {
		case r >= 'a' && r <= 'z', r == 'ñ', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

type vocab map[string]struct{}

func vocabulary(words ...string) vocab {
	v := make(vocab, len(words))
	for _, w := range words {
		v[normalizeReply(w)] = struct{}{}
	}
	return v
}

// matches accepts the whole reply as a vocabulary entry, or a reply made only
// of single-word entries ("si claro", "ok, confirmo").
func (v vocab) matches(text string) bool {
	norm := normalizeReply(text)
	if norm == "" {
		return false
	}
	if _, ok := v[norm]; ok {
		return true
	}
	for _, token := range strings.Fields(norm) {
		if _, ok := v[token]; !ok {
			return false
		}
	}
	return true
}

// IsAffirmative reports whether text is an explicit yes.
func IsAffirmative(text string) bool { return affirmativeVocabulary.matches(text) }

// IsNegative reports whether text is an explicit no while awaiting confirmation.
func IsNegative(text string) bool { return negativeVocabulary.matches(text) }

// IsCancelIntent reports whether text asks to abandon the booking while collecting.
func IsCancelIntent(text string) bool { return cancelVocabulary.matches(text) }
