package bridge

// Campaign is one unit of outbound work owned by the bridge service. The
// dispatcher reads it once per cycle and reports per-recipient outcomes back;
// it never mutates campaign state locally.
type Campaign struct {
	ID         int64       `json:"id"`
	Message    string      `json:"message"`
	MediaURL   string      `json:"media_url,omitempty"`
	Recipients []Recipient `json:"recipients"`
}

type Recipient struct {
	ID    int64  `json:"id"`
	Phone string `json:"phone"`
	Name  string `json:"name"`
	// Vars are extra template variables (branch, payroll date, ...).
	Vars map[string]string `json:"vars,omitempty"`
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// InboundReply is the bridge's decision for one forwarded inbound message.
type InboundReply struct {
	Reply    bool   `json:"reply"`
	Text     string `json:"text,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
}
