package models

// EntryKind distinguishes evidence posts from validation judgments.
type EntryKind string

const (
	KindEvidence   EntryKind = "evidence"
	KindValidation EntryKind = "validation"
)

// EvidenceFormat describes the shape of an evidence entry's content.
type EvidenceFormat string

const (
	FormatText  EvidenceFormat = "text"
	FormatLink  EvidenceFormat = "link"
	FormatImage EvidenceFormat = "image"
)

// ValidationEntry is one record in a portfolio's validation ledger. Evidence
// entries accumulate; validation entries are held to at most one active row
// per (portfolio, author) pair, with re-submission overwriting in place.
type ValidationEntry struct {
	BaseModel

	PortfolioID string    `gorm:"type:uuid;not null;index" json:"portfolio_id"`
	AuthorID    string    `gorm:"type:uuid;not null;index" json:"author_id"`
	Kind        EntryKind `gorm:"not null;index" json:"kind"`

	// Validation fields.
	Approved bool   `gorm:"default:false" json:"approved"`
	Summary  string `json:"summary"`
	Body     string `gorm:"type:text" json:"body"`

	// Evidence fields.
	Format  EvidenceFormat `json:"format,omitempty"`
	Content string         `gorm:"type:text" json:"content,omitempty"`
	LinkURL string         `json:"link_url,omitempty"`
}
