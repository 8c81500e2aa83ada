package model

import "time"

// Provider identifies which IMAP provider family a backend mailbox
// belongs to. It determines both connection parameters and which
// alias-generation rules apply.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderDomain  Provider = "domain"
)

// Attachment describes a single attachment without carrying its bytes;
// the raw payload lives in the payload cache, keyed by message ID.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
}

// Message is the canonical, normalized representation of an email,
// independent of which backend or alias it arrived through.
type Message struct {
	ID          string       `json:"id"`
	UID         uint32       `json:"uid"`
	From        string       `json:"from"`
	FromName    string       `json:"fromName"`
	To          string       `json:"to"`
	Subject     string       `json:"subject"`
	Date        time.Time    `json:"date"`
	TextBody    string       `json:"textBody,omitempty"`
	HTMLBody    string       `json:"htmlBody,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Backend     string       `json:"backend"`
	Provider    Provider     `json:"provider"`
	IsAlias     bool         `json:"isAlias"`
}

// Payload holds the fully parsed MIME body of a message, including raw
// attachment bytes, separate from the lighter Message record so that a
// list view never has to carry attachment payloads.
type Payload struct {
	MessageID   string
	TextBody    string
	HTMLBody    string
	Attachments []AttachmentBlob
}

// AttachmentBlob pairs an Attachment's metadata with its raw bytes.
type AttachmentBlob struct {
	Attachment
	Data []byte
}

// Viewer is the per-request identity the HTTP layer injects into every
// core call. The core never authenticates anyone itself.
type Viewer struct {
	Authenticated bool
}

// Anonymous is the zero-value, unauthenticated viewer.
var Anonymous = Viewer{}

// Account is an IMAP mailbox the core owns credentials for.
type Account struct {
	Address  string
	Provider Provider
	IMAPHost string
	IMAPPort string
}

// Alias describes a derived address that routes to a base Account.
type Alias struct {
	AliasAddress string
	BaseAddress  string
	Provider     Provider
	Suffix       string
}
