package apiclient

import (
	"encoding/json"
	"net/http"
)

// Request describes a request issued through Client.
type Request struct {
	Method string
	// Path is resolved against BaseURL, or the client's base URL when
	// BaseURL is empty.
	Path    string
	BaseURL string
	Header  http.Header
	Body    []byte

	id      string
	retried bool
}

// Retried reports whether this request is the reissue that follows a
// successful token refresh.
func (r *Request) Retried() bool {
	return r.retried
}

// ID returns the correlation id shared by a request and its retry.
func (r *Request) ID() string {
	return r.id
}

func (r *Request) clone() *Request {
	c := *r
	if r.Header != nil {
		c.Header = r.Header.Clone()
	} else {
		c.Header = make(http.Header)
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Response is a completed exchange. Request is the descriptor as it was
// dispatched, including the Authorization header it carried.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Data       []byte
	Request    *Request
}

// JSON decodes the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Data, v)
}
