package s3request

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
)

// TransportError reports a request that never produced a response.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ErrorResponse is the XML error document returned by S3 targets.
type ErrorResponse struct {
	XMLName    xml.Name `xml:"Error"`
	StatusCode int      `xml:"-"`
	Code       string   `xml:"Code"`
	Message    string   `xml:"Message"`
	Resource   string   `xml:"Resource"`
	BucketName string   `xml:"BucketName"`
	Key        string   `xml:"Key"`
	RequestID  string   `xml:"RequestId"`
	HostID     string   `xml:"HostId"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
}

// MalformedResponseError reports an error body that is not an S3 error
// document.
type MalformedResponseError struct {
	StatusCode int
	Body       []byte
	Err        error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed %d response body: %v", e.StatusCode, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// DecodeError reads and closes resp.Body and parses it as an S3 error
// document.
func DecodeError(resp *http.Response) (*ErrorResponse, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &MalformedResponseError{StatusCode: resp.StatusCode, Body: body, Err: err}
	}

	var out ErrorResponse
	if err := xml.Unmarshal(body, &out); err != nil {
		return nil, &MalformedResponseError{StatusCode: resp.StatusCode, Body: body, Err: err}
	}
	out.StatusCode = resp.StatusCode
	return &out, nil
}
