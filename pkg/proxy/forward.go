package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/keygate-dev/keygate/pkg/router"
)

const (
	maxRequestBodyBytes = 16 << 20
	maxUsageParseBytes  = 32 << 20
	streamCopyBufSize   = 32 * 1024
)

// Hop-by-hop headers, plus the proxy's own auth headers, never forwarded.
var dropHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"X-Proxy-Token",
	"X-Admin-Token",
}

type attemptOutcome int

const (
	attemptCommitted attemptOutcome = iota
	attemptRetry
	attemptClientGone
)

type requestLogContext struct {
	start      time.Time
	clientIP   string
	method     string
	path       string
	model      string
	upstreamID string
	reqBytes   int
}

func (s *Server) recordRequest(ctx *requestLogContext, status int, respBytes int, usage *usageTokens) {
	entry := router.LogEntry{
		TSMS:       time.Now().UnixMilli(),
		ClientIP:   ctx.clientIP,
		Method:     ctx.method,
		Path:       ctx.path,
		Model:      ctx.model,
		UpstreamID: ctx.upstreamID,
		Status:     status,
		LatencyMS:  time.Since(ctx.start).Milliseconds(),
		ReqBytes:   ctx.reqBytes,
		RespBytes:  respBytes,
	}
	if usage != nil {
		prompt, completion, total := usage.Prompt, usage.Completion, usage.Total
		entry.PromptTokens = &prompt
		entry.CompletionTokens = &completion
		entry.TotalTokens = &total
	}
	s.state.Log.Record(entry)
}

// handleProxy forwards one client request across the candidate stream.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	logCtx := requestLogContext{
		start:    time.Now(),
		clientIP: clientIP(r),
		method:   r.Method,
		path:     r.URL.Path,
	}

	if !s.state.AuthorizeProxy(r.Header.Get("X-Proxy-Token"), bearerToken(r.Header)) {
		writeProxyError(w, http.StatusUnauthorized, "missing or invalid proxy token", "proxy_unauthorized")
		s.recordRequest(&logCtx, http.StatusUnauthorized, 0, nil)
		return
	}

	s.state.Stats.RequestsTotal.Add(1)
	s.state.Stats.RequestsInflight.Add(1)
	s.metricRequestStart()
	defer func() {
		s.state.Stats.RequestsInflight.Add(-1)
		d := time.Since(logCtx.start)
		s.state.Stats.RecordLatency(d)
		s.metricRequestEnd(d)
	}()

	if r.Method == http.MethodGet && (r.URL.Path == "/v1/models" || r.URL.Path == "/v1/models/") {
		n := s.writeModelsList(w)
		s.recordRequest(&logCtx, http.StatusOK, n, nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
	if err != nil {
		writeProxyError(w, http.StatusBadGateway, "failed to read request body", "body_read_error")
		s.recordRequest(&logCtx, http.StatusBadGateway, 0, nil)
		return
	}
	if len(body) > maxRequestBodyBytes {
		writeProxyError(w, http.StatusRequestEntityTooLarge, "request body too large", "body_too_large")
		s.recordRequest(&logCtx, http.StatusRequestEntityTooLarge, 0, nil)
		return
	}
	logCtx.reqBytes = len(body)

	model, streamReq := peekModel(body)
	logCtx.model = model

	billingKey := bearerToken(r.Header)
	cands := s.state.Candidates(model)
	for {
		sel, ok := cands.Next()
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"no_available_upstream"}`))
			s.recordRequest(&logCtx, http.StatusBadGateway, 0, nil)
			return
		}
		switch s.attempt(w, r, sel, body, streamReq, billingKey, &logCtx) {
		case attemptCommitted, attemptClientGone:
			return
		case attemptRetry:
			continue
		}
	}
}

func (s *Server) attempt(w http.ResponseWriter, r *http.Request, sel router.Selected, body []byte, streamReq bool, billingKey string, logCtx *requestLogContext) attemptOutcome {
	nowMS := time.Now().UnixMilli()
	logCtx.upstreamID = sel.Upstream.ID

	outBody := body
	if streamReq && isChatCompletionsPath(r.URL.Path) && s.state.ShouldInjectUsage(sel.Upstream.ID) {
		outBody, _ = injectStreamUsage(body)
	}

	// The deadline covers send through response headers only; body streaming
	// is bounded by client liveness, not by the timer.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	var timedOut atomic.Bool
	timer := time.AfterFunc(s.state.RequestTimeout, func() {
		timedOut.Store(true)
		cancel()
	})

	req, err := http.NewRequestWithContext(ctx, r.Method, sel.Upstream.TargetURL(r.URL.RequestURI()), bytes.NewReader(outBody))
	if err != nil {
		timer.Stop()
		s.state.OnNetworkError(sel, nowMS)
		return attemptRetry
	}
	copyRequestHeaders(req.Header, r.Header)
	req.Header.Set("Authorization", sel.Key.AuthHeader)
	req.Host = sel.Upstream.Host()
	req.ContentLength = int64(len(outBody))

	resp, err := s.client.Do(req)
	timer.Stop()
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away; nothing to cool down.
			return attemptClientGone
		}
		if timedOut.Load() {
			s.state.OnTimeout(sel, nowMS)
		} else {
			s.state.OnNetworkError(sel, nowMS)
		}
		return attemptRetry
	}

	status := resp.StatusCode
	s.state.OnStatus(sel, status, nowMS)

	switch {
	case status >= 200 && status < 300:
		s.relayCommitted(w, resp, sel, billingKey, logCtx)
		return attemptCommitted
	case status == 401 || status == 403 || status == 429 || status >= 500:
		drainAndClose(resp.Body)
		return attemptRetry
	default:
		// Redirects and client errors belong to the caller; pass through.
		n := s.relayVerbatim(w, resp)
		s.recordRequest(logCtx, status, n, nil)
		return attemptCommitted
	}
}

// relayCommitted streams a 2xx upstream response to the client while parsing
// usage on the side. Once the first body byte is written the attempt is
// committed; later transport errors only truncate the client stream.
func (s *Server) relayCommitted(w http.ResponseWriter, resp *http.Response, sel router.Selected, billingKey string, logCtx *requestLogContext) {
	defer resp.Body.Close()
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	contentType := resp.Header.Get("Content-Type")
	contentEncoding := resp.Header.Get("Content-Encoding")
	isSSE := strings.Contains(contentType, "text/event-stream")

	flusher, _ := w.(http.Flusher)
	var parser *sseUsageParser
	if isSSE {
		parser = newSSEUsageParser()
	}
	var jsonBuf []byte
	jsonOverflow := false

	respBytes := 0
	buf := make([]byte, streamCopyBufSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			respBytes += n
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				break
			}
			if isSSE {
				parser.Consume(buf[:n])
				if flusher != nil {
					flusher.Flush()
				}
			} else if !jsonOverflow {
				if len(jsonBuf)+n > maxUsageParseBytes {
					jsonOverflow = true
					jsonBuf = nil
				} else {
					jsonBuf = append(jsonBuf, buf[:n]...)
				}
			}
		}
		if readErr != nil {
			break
		}
	}

	var usage *usageTokens
	if isSSE {
		if u, ok := parser.Usage(); ok {
			usage = &u
		}
	} else if !jsonOverflow && len(jsonBuf) > 0 {
		parseBytes := jsonBuf
		if contentEncoding != "" && contentEncoding != "identity" {
			if s.state.ShouldInjectUsage(sel.Upstream.ID) {
				parseBytes = decodeForAccounting(jsonBuf, contentEncoding)
			} else {
				parseBytes = nil
			}
		}
		if len(parseBytes) > 0 {
			if u, ok := usageFromJSON(parseBytes); ok {
				usage = &u
			}
		}
	}

	if usage != nil {
		s.state.Ledger.ApplyUsage(billingKey, usage.Total)
	}
	s.recordRequest(logCtx, resp.StatusCode, respBytes, usage)
}

func (s *Server) relayVerbatim(w http.ResponseWriter, resp *http.Response) int {
	defer resp.Body.Close()
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	return int(n)
}

func copyRequestHeaders(dst, src http.Header) {
	for name, values := range src {
		if name == "Authorization" || name == "Host" || name == "Content-Length" || isDropHeader(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if name == "Content-Length" || isDropHeader(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isDropHeader(name string) bool {
	for _, h := range dropHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

func isChatCompletionsPath(path string) bool {
	path = strings.TrimSuffix(path, "/")
	return strings.HasSuffix(path, "/chat/completions")
}

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func clientIP(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
