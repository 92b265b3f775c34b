package session

// Close codes carried by the server's close frame.
const (
	CloseNormal           = 1000
	CloseAbnormal         = 1006
	CloseEndpointRejected = 4001
	CloseSecretRejected   = 4002
	CloseSecretMismatch   = 4003
	CloseMalformedSecret  = 4004
)

const clientClosureReason = "Client initiated closure"

// CloseMessage is the user-facing explanation for a close code.
func CloseMessage(code int) string {
	switch code {
	case CloseNormal:
		return "Connection closed"
	case CloseAbnormal:
		return "Server unreachable. Check the endpoint and your network connection."
	case CloseEndpointRejected:
		return "The server rejected this endpoint."
	case CloseSecretRejected:
		return "The server rejected this secret."
	case CloseSecretMismatch:
		return "The secret does not match this endpoint type."
	case CloseMalformedSecret:
		return "The secret is malformed."
	}
	return "Connection lost"
}
