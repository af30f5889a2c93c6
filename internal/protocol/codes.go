package protocol

// WebSocket close codes used by the relay on agent connections.
const (
	CloseAuthTimeout   = 4001
	CloseInvalidAuth   = 4002
	CloseInvalidAPIKey = 4003
	CloseReplaced      = 4004
)

// Close reasons paired with the codes above.
const (
	ReasonAuthTimeout   = "Auth timeout"
	ReasonInvalidAuth   = "Invalid auth"
	ReasonInvalidAPIKey = "Invalid API key"
	ReasonAuthError     = "Auth error"
	ReasonReplaced      = "Replaced by new connection"
)
