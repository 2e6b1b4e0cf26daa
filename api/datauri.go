package api

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// EncodeDataURI renders image bytes as the data URI form the generate
// endpoints use on the wire.
func EncodeDataURI(mediaType string, b []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(b))
}

// DecodeDataURI returns the media type and raw bytes of a data URI.
func DecodeDataURI(s string) (string, []byte, error) {
	if !strings.HasPrefix(s, "data:") {
		return "", nil, fmt.Errorf("not a data URI")
	}
	rest := strings.TrimPrefix(s, "data:")
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data URI")
	}
	mediaType, enc := meta, ""
	if i := strings.LastIndexByte(meta, ';'); i >= 0 {
		mediaType, enc = meta[:i], meta[i+1:]
	}
	if enc != "base64" {
		return "", nil, fmt.Errorf("unsupported data URI encoding %q", enc)
	}
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, err
	}
	return mediaType, b, nil
}
