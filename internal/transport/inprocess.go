package transport

import (
	"bytes"
	"io"
	"net/http"
)

// NewInProcessClient returns an http.Client whose requests are served by h
// directly, without a network round trip. The server uses it when the
// backend is mounted in the same process.
func NewInProcessClient(h http.Handler) *http.Client {
	return &http.Client{Transport: handlerTransport{h: h}}
}

type handlerTransport struct {
	h http.Handler
}

func (t handlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	rec := &recorder{header: make(http.Header), status: http.StatusOK}
	t.h.ServeHTTP(rec, req)

	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode:    rec.status,
		Status:        http.StatusText(rec.status),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        rec.header,
		Body:          io.NopCloser(bytes.NewReader(rec.body.Bytes())),
		ContentLength: int64(rec.body.Len()),
		Request:       req,
	}, nil
}

type recorder struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
}

func (r *recorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	return r.body.Write(p)
}
