package adminserver

// Status is the outcome discriminator for an adminserver JSON response,
// mirroring the teacher's internal/http Response shape.
type Status string

const (
	StatusOK    Status = "OK"
	StatusError Status = "error"
)

// Response is the standard adminserver API response envelope.
type Response struct {
	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func newOKResponse() Response { return Response{Status: StatusOK} }
func newErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
