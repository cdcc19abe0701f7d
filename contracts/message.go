package contracts

// Type names of the built-in messages
const (
	CompletionMessageType   = "mmate.CompletionMessage"
	SubscriptionRequestType = "mmate.SubscriptionRequest"
)

// CompletionMessage carries the status code sent back by Return
type CompletionMessage struct {
	ReturnCode int64 `json:"returnCode"`
}

// SubscriptionRequest is the body of subscription control envelopes
type SubscriptionRequest struct {
	MessageType string `json:"messageType"`
	Subscriber  string `json:"subscriber"`
}
