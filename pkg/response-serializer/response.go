package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// Duplicate reads the response body so that the response can be both stored and sent.
// The body of res is replaced by an independent reader positioned at the start,
// so the caller can still consume it.
// It returns the HTTP/1.1 representation of the response, suitable for storing.
func Duplicate(res *http.Response) ([]byte, error) {
	var body []byte
	if res.Body != nil && res.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			res.Body = io.NopCloser(bytes.NewReader(body))
			return nil, errors.Wrap(err, "read response body")
		}
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	// the length is known now, so the stored representation does not need chunking
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	res.Uncompressed = false

	stored := *res
	stored.Body = io.NopCloser(bytes.NewReader(body))
	buf := &bytes.Buffer{}
	if err := stored.Write(buf); err != nil {
		return nil, errors.Wrap(err, "write response")
	}
	return buf.Bytes(), nil
}

// ToResponse converts stored bytes back to a http.Response for the given request.
// The request may be nil.
func ToResponse(b []byte, req *http.Request) (*http.Response, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return nil, errors.Wrap(err, "read stored response")
	}
	return res, nil
}
