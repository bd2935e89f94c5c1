// Package v1 defines the public wire types of the bitk HTTP API.
package v1

// Response is the uniform HTTP envelope. Every endpoint, including health
// and service info, responds with it.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// OK wraps a payload in a success envelope.
func OK(data interface{}) Response {
	return Response{Success: true, Data: data}
}

// Err wraps an error message in a failure envelope.
func Err(message string) Response {
	return Response{Success: false, Error: message}
}

// ServiceInfo describes the running service.
type ServiceInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Health reports service liveness.
type Health struct {
	Status string `json:"status"`
}
