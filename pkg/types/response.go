package types

// SuccessEnvelope wraps every 2xx body. Replayed marks a request that was
// already applied earlier and changed nothing this time.
type SuccessEnvelope struct {
	Data     any  `json:"data"`
	Replayed bool `json:"replayed,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}
