package client

import (
	"encoding/json"
	"io"

	"github.com/imgd-io/imgd/api"
)

// Stream reads newline-delimited GenerateUpdate frames from a streaming
// generate response.
type Stream struct {
	body    io.ReadCloser
	decoder *json.Decoder
}

func NewStream(body io.ReadCloser) *Stream {
	return &Stream{
		body:    body,
		decoder: json.NewDecoder(body),
	}
}

// Next returns the next frame, or io.EOF at end of stream. A terminal
// error frame from the peer surfaces as an *api.Error.
func (s *Stream) Next() (*api.GenerateUpdate, error) {
	var u api.GenerateUpdate
	if err := s.decoder.Decode(&u); err != nil {
		return nil, err
	}
	if u.ErrorID != "" {
		return nil, &api.Error{ErrorID: u.ErrorID, Message: u.Message}
	}
	return &u, nil
}

func (s *Stream) Close() error {
	return s.body.Close()
}
