package service

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"bestprice-proxy/internal/client"
	"bestprice-proxy/internal/model"
	"bestprice-proxy/internal/rewrite"
)

// ErrDecode is returned when a gzip body cannot be decoded or re-encoded.
var ErrDecode = errors.New("decode response body")

// hopByHopHeaders are headers that should not be forwarded by proxies.
// Transfer-Encoding in particular must go: the body is sent with a known
// length after post-processing.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// PostProcess prepares a fetched page for the inbound caller: gzip bodies are
// decoded, URLs are rewritten to point at port when replace is set, the body
// is re-encoded if it arrived gzipped, and headers are corrected to match.
// The decoded body may not exceed maxBody bytes; a larger one is rejected
// with client.ErrBodyTooLarge. The fetched result is not modified.
func PostProcess(res *model.FetchResult, replace bool, port uint16, maxBody int64) (*model.ProxyResponse, error) {
	header := res.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	body := res.Body

	gzipped := false
	if enc := header.Values("Content-Encoding"); len(enc) > 0 && enc[0] == "gzip" {
		decoded, err := gunzip(body, maxBody)
		if err != nil {
			return nil, err
		}
		body = decoded
		gzipped = true
	}

	var stats rewrite.Stats
	if replace {
		body, stats = rewrite.Body(body, port)
	}

	if gzipped {
		encoded, err := gzipBytes(body)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %w", ErrDecode, err)
		}
		body = encoded
	}

	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))

	return &model.ProxyResponse{
		StatusCode:   res.StatusCode,
		Header:       header,
		Body:         body,
		Replacements: stats.Replacements,
	}, nil
}

func gunzip(data []byte, limit int64) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: gunzip: %w", ErrDecode, err)
	}
	defer func() { _ = zr.Close() }()

	out, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: gunzip: %w", ErrDecode, err)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("%w: decoded body exceeds %d bytes", client.ErrBodyTooLarge, limit)
	}
	return out, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
