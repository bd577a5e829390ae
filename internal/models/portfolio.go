package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// ValidationStatus tracks a portfolio's progress through the review cycle.
type ValidationStatus string

const (
	StatusIncomplete ValidationStatus = "incomplete"
	StatusRequested  ValidationStatus = "requested"
	StatusWithdrawn  ValidationStatus = "withdrawn"
	StatusValidated  ValidationStatus = "validated"
)

// IssueStatus tracks whether the badge behind a portfolio has been awarded.
type IssueStatus string

const (
	IssueUnissued  IssueStatus = "unissued"
	IssueIssued    IssueStatus = "issued"
	IssueRetracted IssueStatus = "retracted"
)

// RecomputeTrigger identifies which input changed ahead of a state recomputation.
type RecomputeTrigger string

const (
	TriggerCounters   RecomputeTrigger = "counters"
	TriggerRetraction RecomputeTrigger = "retraction"
	TriggerRequest    RecomputeTrigger = "request"
	TriggerWithdraw   RecomputeTrigger = "withdraw"
)

// Portfolio records one user's progress toward one badge. It is the source of
// truth for membership state; the denormalized sets on Badge and User are
// caches derived from it.
type Portfolio struct {
	BaseModel

	UserID  string `gorm:"type:uuid;not null;uniqueIndex:idx_portfolios_user_badge;index" json:"user_id"`
	BadgeID string `gorm:"type:uuid;not null;uniqueIndex:idx_portfolios_user_badge;index" json:"badge_id"`

	ValidationStatus ValidationStatus `gorm:"not null;default:'incomplete';index" json:"validation_status"`
	IssueStatus      IssueStatus      `gorm:"not null;default:'unissued'" json:"issue_status"`

	Retracted   bool    `gorm:"default:false" json:"retracted"`
	RetractedBy *string `gorm:"type:uuid" json:"retracted_by,omitempty"`

	ValidationCount int `gorm:"default:0" json:"validation_count"`
	RejectionCount  int `gorm:"default:0" json:"rejection_count"`

	DateRequested        *time.Time `json:"date_requested,omitempty"`
	DateWithdrawn        *time.Time `json:"date_withdrawn,omitempty"`
	DateIssued           *time.Time `json:"date_issued,omitempty"`
	DateRetracted        *time.Time `json:"date_retracted,omitempty"`
	DateOriginallyIssued *time.Time `json:"date_originally_issued,omitempty"`

	// Detached portfolios are retained for history but excluded from the
	// active membership caches.
	Detached bool `gorm:"default:false;index" json:"detached"`

	// NewlyIssued is raised when the badge is first issued and cleared when
	// the recipient views their award.
	NewlyIssued bool `gorm:"default:false" json:"newly_issued"`

	// ValidationsCache maps validator id to that validator's latest judgment.
	ValidationsCache datatypes.JSON `json:"validations_cache,omitempty"`
}

// CachedValidation is the per-validator entry stored in ValidationsCache.
type CachedValidation struct {
	Validated bool   `json:"validated"`
	Summary   string `json:"summary"`
	Body      string `json:"body"`
}

// Transition captures the before/after of a state recomputation so callers can
// decide which propagation and notification side effects to schedule.
type Transition struct {
	FromStatus  ValidationStatus
	ToStatus    ValidationStatus
	FromIssue   IssueStatus
	ToIssue     IssueStatus
	NewlyIssued bool
}

// StatusChanged reports whether the validation status moved.
func (t Transition) StatusChanged() bool {
	return t.FromStatus != t.ToStatus
}

// IssueChanged reports whether the issue status moved.
func (t Transition) IssueChanged() bool {
	return t.FromIssue != t.ToIssue
}

// PendingChanged reports whether the portfolio entered or left the requested
// state, which is the only case that invalidates pending-request counters.
func (t Transition) PendingChanged() bool {
	return (t.FromStatus == StatusRequested) != (t.ToStatus == StatusRequested)
}

// NetValidations returns approvals minus rejections, clamped at zero on each side.
func (p *Portfolio) NetValidations() int {
	return maxInt(p.ValidationCount, 0) - maxInt(p.RejectionCount, 0)
}

// ClampCounters forces both counters non-negative. Negative values indicate a
// prior anomaly and are corrected silently rather than raised.
func (p *Portfolio) ClampCounters() {
	if p.ValidationCount < 0 {
		p.ValidationCount = 0
	}
	if p.RejectionCount < 0 {
		p.RejectionCount = 0
	}
}

// Recompute derives validation and issue status from the portfolio's counters,
// retraction flag and transition dates. It is pure over those inputs, never
// fails, and recomputing from identical inputs yields an identical record, so
// it is safe to run redundantly from background retries.
func (p *Portfolio) Recompute(threshold int, now time.Time, trigger RecomputeTrigger) Transition {
	p.ClampCounters()

	t := Transition{
		FromStatus: p.ValidationStatus,
		FromIssue:  p.IssueStatus,
	}

	validated := p.NetValidations() >= maxInt(threshold, 1)

	if p.Retracted {
		if p.ValidationStatus == StatusValidated {
			p.ValidationStatus = StatusIncomplete
		}
		if p.IssueStatus == IssueIssued {
			p.IssueStatus = IssueRetracted
			p.DateOriginallyIssued = p.DateIssued
			retractedAt := now
			p.DateRetracted = &retractedAt
			p.DateIssued = nil
		}
	} else {
		if p.IssueStatus == IssueRetracted {
			p.IssueStatus = IssueUnissued
			p.DateRetracted = nil
			p.RetractedBy = nil
		}

		switch {
		case validated:
			p.ValidationStatus = StatusValidated
			if p.IssueStatus != IssueIssued {
				p.IssueStatus = IssueIssued
				if p.DateIssued == nil {
					if p.DateOriginallyIssued != nil {
						// Un-retraction restores the original award date.
						p.DateIssued = p.DateOriginallyIssued
					} else {
						issuedAt := now
						p.DateIssued = &issuedAt
					}
				}
				p.NewlyIssued = true
				t.NewlyIssued = true
			}
		case trigger == TriggerWithdraw && p.DateWithdrawn != nil:
			p.ValidationStatus = StatusWithdrawn
		case trigger == TriggerRequest && p.DateRequested != nil:
			p.ValidationStatus = StatusRequested
			p.DateWithdrawn = nil
		default:
			if p.ValidationStatus == StatusValidated {
				// Counters dropped below the threshold without a retraction.
				switch {
				case p.DateWithdrawn != nil:
					p.ValidationStatus = StatusWithdrawn
				case p.DateRequested != nil:
					p.ValidationStatus = StatusRequested
				default:
					p.ValidationStatus = StatusIncomplete
				}
			}
		}
	}

	t.ToStatus = p.ValidationStatus
	t.ToIssue = p.IssueStatus
	return t
}

// ValidationSummaries decodes the per-validator cache.
func (p *Portfolio) ValidationSummaries() map[string]CachedValidation {
	if len(p.ValidationsCache) == 0 {
		return map[string]CachedValidation{}
	}
	out := map[string]CachedValidation{}
	if err := json.Unmarshal(p.ValidationsCache, &out); err != nil {
		return map[string]CachedValidation{}
	}
	return out
}

// SetValidationSummary stores a validator's latest judgment, replacing any
// earlier entry for the same validator.
func (p *Portfolio) SetValidationSummary(authorID string, entry CachedValidation) {
	cache := p.ValidationSummaries()
	cache[authorID] = entry
	p.encodeValidationSummaries(cache)
}

// RemoveValidationSummary deletes a validator's entry from the cache.
func (p *Portfolio) RemoveValidationSummary(authorID string) {
	cache := p.ValidationSummaries()
	delete(cache, authorID)
	p.encodeValidationSummaries(cache)
}

func (p *Portfolio) encodeValidationSummaries(cache map[string]CachedValidation) {
	data, err := json.Marshal(cache)
	if err != nil {
		return
	}
	p.ValidationsCache = datatypes.JSON(data)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
