package model

import (
	"regexp"
	"time"
)

// externalIDPattern matches a provider-assigned stable message identifier:
// a decimal number of at most 20 digits (fits a uint64).
var externalIDPattern = regexp.MustCompile(`^[0-9]{1,20}$`)

// ValidExternalID reports whether id is a well-formed stable identifier.
func ValidExternalID(id string) bool {
	return externalIDPattern.MatchString(id)
}

// Message is the persistent record of one ingested email. Subject, Sender
// and ReceivedAt are captured once at first ingestion; the verdict fields
// are only written by the verification workflow.
type Message struct {
	// ExternalID is the provider's stable identifier and the primary key.
	ExternalID string `db:"external_id" json:"external_id"`

	Subject    string     `db:"subject" json:"subject"`
	Sender     string     `db:"sender" json:"sender"`
	ReceivedAt *time.Time `db:"received_at" json:"received_at,omitempty"`
	IngestedAt time.Time  `db:"ingested_at" json:"ingested_at"`

	Verified   bool       `db:"verified" json:"verified"`
	IsPhishing bool       `db:"is_phishing" json:"is_phishing"`
	RiskScore  float64    `db:"risk_score" json:"risk_score"`
	VerifiedAt *time.Time `db:"verified_at" json:"verified_at,omitempty"`

	// HeaderScore and URLScore are the two components of RiskScore.
	HeaderScore float64 `db:"header_score" json:"header_score"`
	URLScore    float64 `db:"url_score" json:"url_score"`

	// VerifyAttempts counts verification runs that could not score the
	// message. The queue serves the least-attempted messages first.
	VerifyAttempts int `db:"verify_attempts" json:"verify_attempts"`

	// Signals lists the names of the checks that fired at verification.
	Signals []string `db:"-" json:"signals,omitempty"`
}

// Link is one distinct URL found in a message body.
type Link struct {
	ExternalID string `db:"external_id" json:"external_id"`
	URL        string `db:"url" json:"url"`
}

// Attachment is one named, non-container MIME part of a message.
type Attachment struct {
	ExternalID  string `db:"external_id" json:"external_id"`
	Filename    string `db:"filename" json:"filename"`
	ContentType string `db:"content_type" json:"content_type"`
	SizeBytes   int64  `db:"size_bytes" json:"size_bytes"`
	Data        []byte `db:"raw_bytes" json:"-"`
}

// SignalSource identifies which sub-scorer produced a Signal.
type SignalSource string

const (
	SignalSourceHeader SignalSource = "header"
	SignalSourceURL    SignalSource = "url"
)

// Signal is one triggered heuristic check and its contribution to a score.
type Signal struct {
	Name   string       `json:"name"`
	Source SignalSource `json:"source"`
	Weight float64      `json:"weight"`

	// Detail is a human-readable explanation, e.g. the offending URL.
	Detail string `json:"detail,omitempty"`
}

// Verdict is the combined outcome of scoring one message.
type Verdict struct {
	IsPhishing     bool     `json:"is_phishing"`
	RiskScore      float64  `json:"risk_score"`
	HeaderScore    float64  `json:"header_score"`
	URLScore       float64  `json:"url_score"`
	HeaderPhishing bool     `json:"header_phishing"`
	URLPhishing    bool     `json:"url_phishing"`
	Signals        []Signal `json:"signals,omitempty"`
}

// SignalNames returns the names of all triggered signals in order.
func (v Verdict) SignalNames() []string {
	names := make([]string, 0, len(v.Signals))
	for _, s := range v.Signals {
		names = append(names, s.Name)
	}
	return names
}

// Stats summarizes the contents of the message store.
type Stats struct {
	Total      int `db:"total" json:"total"`
	Verified   int `db:"verified" json:"verified"`
	Phishing   int `db:"phishing" json:"phishing"`
	Unverified int `db:"unverified" json:"unverified"`
}
