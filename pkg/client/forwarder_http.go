package client

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/ductlabs/duct/internal/protocol"
)

// hopByHopHeaders are stripped from both the reissued local request
// and the response sent back to the relay, per RFC 7230 §6.1.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// handleHTTPRequest forwards a reissued HTTP request to the local
// upstream and sends the response back over the control connection.
func (t *Tunnel) handleHTTPRequest(ctx context.Context, req protocol.HTTPRequest) {
	resp, err := t.forwardHTTP(ctx, req)
	if err != nil {
		t.agent.config.Logger.Error("http forward failed", "stream_id", req.StreamID, "error", err)
		resp = protocol.HTTPResponse{
			StreamID: req.StreamID,
			Status:   http.StatusBadGateway,
			Headers:  []protocol.Header{{Name: "Content-Type", Value: "text/plain"}},
			Body:     []byte("bad gateway: " + err.Error()),
		}
	}
	t.sendOutbound(resp)
}

func (t *Tunnel) forwardHTTP(ctx context.Context, req protocol.HTTPRequest) (protocol.HTTPResponse, error) {
	url := "http://" + t.config.LocalAddr() + req.URI

	ctx, cancel := context.WithTimeout(ctx, LocalDialTimeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = strings.NewReader(string(req.Body))
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return protocol.HTTPResponse{}, err
	}
	for _, h := range req.Headers {
		if hopByHopHeaders[strings.ToLower(h.Name)] {
			continue
		}
		httpReq.Header.Add(h.Name, h.Value)
	}
	httpReq.Host = t.config.LocalHost()

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return protocol.HTTPResponse{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return protocol.HTTPResponse{}, err
	}

	var headers []protocol.Header
	for name, values := range resp.Header {
		if hopByHopHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			headers = append(headers, protocol.Header{Name: name, Value: v})
		}
	}

	return protocol.HTTPResponse{
		StreamID: req.StreamID,
		Status:   uint16(resp.StatusCode),
		Headers:  headers,
		Body:     respBody,
	}, nil
}
