package domain

// PushMessage is the rendered content delivered to each device token.
// Data values are already coerced to text; the gateway's data channel is
// text-only.
type PushMessage struct {
	Title     string
	Body      string
	ImageURL  string
	ActionURL string
	Category  string
	Data      map[string]string
	Silent    bool
	Badge     int
}

// PushResult is the per-token outcome of one gateway send.
type PushResult struct {
	Delivered   bool
	ErrorText   string
	TokenPruned bool
}
