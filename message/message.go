// Package message defines the control messages exchanged between peers.
//
// Each message is serialized as JSON and wrapped in a protocol frame:
//
//   - Request:             sent by the caller, answered by exactly one Response.
//   - Response:            carries either Data or Error for the Request with the same id.
//   - CancellationRequest: fire-and-forget notice that the caller gave up on a Request.
package message

import (
	"encoding/json"
	"io"
	"math"
	"time"
)

// Request asks the remote peer to invoke MethodName on Endpoint.
//
// Id is unique on its connection for the life of the call. TimeoutSeconds tells
// the remote how long the caller is prepared to wait; zero means no limit.
type Request struct {
	Endpoint       string            `json:"Endpoint"`
	Id             string            `json:"Id"`
	MethodName     string            `json:"MethodName"`
	Parameters     []json.RawMessage `json:"Parameters"`
	TimeoutSeconds float64           `json:"TimeoutSeconds"`

	// Upload is the raw payload of an UploadRequest. It is never part of the JSON body.
	Upload io.Reader `json:"-"`
	// UploadLen is the number of bytes Upload will produce.
	UploadLen int64 `json:"-"`
}

// Timeout converts TimeoutSeconds into a duration. Non-positive or non-finite
// values mean the caller did not set a limit.
func (r *Request) Timeout() time.Duration {
	if r.TimeoutSeconds <= 0 || math.IsInf(r.TimeoutSeconds, 0) || math.IsNaN(r.TimeoutSeconds) {
		return 0
	}
	return time.Duration(r.TimeoutSeconds * float64(time.Second))
}

// TimeoutSeconds converts d to the fixed unit used on the wire.
func TimeoutSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}

// Response answers the Request whose Id equals RequestId.
type Response struct {
	RequestId string          `json:"RequestId"`
	Data      json.RawMessage `json:"Data,omitempty"`
	Error     *Error          `json:"Error,omitempty"`

	// Download is the raw payload of a DownloadResponse. It is never part of the JSON body.
	Download io.Reader `json:"-"`
	// DownloadLen is the number of bytes Download will produce.
	DownloadLen int64 `json:"-"`
}

// Failed builds a Response that carries err as its Error.
func Failed(requestID string, err error) *Response {
	return &Response{RequestId: requestID, Error: NewError(err)}
}

// CancellationRequest tells the remote to abort the Request with RequestId, if it is still running.
// No reply is expected.
type CancellationRequest struct {
	RequestId string `json:"RequestId"`
}
