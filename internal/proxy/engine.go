package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gemini_proxy/internal/obs"
	"gemini_proxy/internal/retry"
)

const (
	ReasonEmptyBody      = "empty-body-after-retries"
	ReasonTransportError = "upstream-transport-error"
	ReasonClientCanceled = "client-canceled"
	ReasonStreamAborted  = "stream-aborted"

	emptyBodyMessage = "Bad Gateway: the upstream server returned an empty response."
	copyBufferSize   = 32 * 1024
	maxLoggedBody    = 64 * 1024
)

var ErrNoTransport = errors.New("proxy engine requires an upstream transport")

// StatsRecorder counts inbound requests and the terminal outcome of each
// forwarded one.
type StatsRecorder interface {
	RecordRequest()
	RecordSuccess(retryCount int)
	RecordFailure()
}

type OutcomeKind int

const (
	// OutcomeSuccess means the upstream response was forwarded.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeFailure means every attempt came back empty.
	OutcomeFailure
	// OutcomeError means a transport error ended the request.
	OutcomeError
	// OutcomeCanceled means the client went away first.
	OutcomeCanceled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeError:
		return "error"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

type Outcome struct {
	Kind             OutcomeKind
	Status           int
	BytesTransferred int64
	RetryCount       int
	Reason           string
	Err              error
	// Aborted is set when the response broke off after its status was sent.
	Aborted bool
}

type EngineConfig struct {
	// TargetAddr is the ip:port every attempt is sent to.
	TargetAddr string
	// TargetDomain is the Host header presented upstream.
	TargetDomain string
	Transport    http.RoundTripper
	Policy       retry.Policy
	Stats        StatsRecorder
	Metrics      *obs.Metrics
	Logger       *obs.Logger
}

// Engine forwards a buffered request to the fixed upstream, replaying it
// while the upstream answers 200 with an empty body.
type Engine struct {
	targetAddr   string
	targetDomain string
	transport    http.RoundTripper
	policy       retry.Policy
	stats        StatsRecorder
	metrics      *obs.Metrics
	logger       *obs.Logger
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	if cfg.TargetAddr == "" {
		return nil, errors.New("proxy engine requires a target address")
	}
	if cfg.TargetDomain == "" {
		cfg.TargetDomain = cfg.TargetAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = obs.Nop()
	}
	return &Engine{
		targetAddr:   cfg.TargetAddr,
		targetDomain: cfg.TargetDomain,
		transport:    cfg.Transport,
		policy:       cfg.Policy.Normalize(),
		stats:        cfg.Stats,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}, nil
}

// CountRequest records one inbound request. The handler calls it at entry,
// before preflights and rejected bodies branch off.
func (e *Engine) CountRequest() {
	if e.stats != nil {
		e.stats.RecordRequest()
	}
}

// Forward runs the attempt loop for rc and writes the final response to w.
// ctx is the inbound request context; its cancellation aborts pending
// attempts and backoff waits. rc is released before Forward returns.
func (e *Engine) Forward(ctx context.Context, w http.ResponseWriter, rc *RequestContext) Outcome {
	defer rc.release()
	rc.RetryCount = 0
	logger := e.logger.With("request_id", rc.ID)

	for {
		attempt := retry.StartAttempt(ctx, e.policy.PerTryTimeout)
		resp, err := e.roundTrip(attempt, rc)
		if err != nil {
			attempt.End()
			return e.fail(ctx, w, rc, logger, err)
		}

		buf := make([]byte, copyBufferSize)
		n, readErr := readFirst(resp.Body, buf)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			resp.Body.Close()
			err := attemptError(attempt, fmt.Errorf("read upstream response: %w", readErr))
			attempt.End()
			return e.fail(ctx, w, rc, logger, err)
		}

		decision := retry.Decide(resp.StatusCode, int64(n), rc.RetryCount, e.policy)
		// A HEAD response never carries a body, so emptiness says nothing.
		if rc.Method == http.MethodHead {
			decision = retry.Deliver
		}
		if !attempt.Settle() {
			resp.Body.Close()
			err := attemptError(attempt, retry.ErrAttemptTimeout)
			attempt.End()
			return e.fail(ctx, w, rc, logger, err)
		}

		switch decision {
		case retry.Deliver:
			if e.stats != nil {
				e.stats.RecordSuccess(rc.RetryCount)
			}
			outcome := e.deliver(w, rc, logger, resp, buf[:n], readErr)
			attempt.End()
			return outcome

		case retry.GiveUp:
			retry.Drain(resp)
			attempt.End()
			if e.stats != nil {
				e.stats.RecordFailure()
			}
			logger.Error("retry_exhausted", nil).
				Int("retries", rc.RetryCount).
				Int("max_retries", e.policy.MaxRetries).
				Msg("upstream response still empty, giving up")
			WriteProxyError(w, rc.ID, http.StatusBadGateway, emptyBodyMessage)
			return Outcome{
				Kind:       OutcomeFailure,
				Status:     http.StatusBadGateway,
				RetryCount: rc.RetryCount,
				Reason:     ReasonEmptyBody,
			}

		default:
			retry.Drain(resp)
			attempt.End()
			rc.RetryCount++
			e.metrics.RecordRetry("empty_body")
			logger.Event(obs.LevelMinimal, "retry").
				Int("attempt", rc.RetryCount).
				Int("max_retries", e.policy.MaxRetries).
				Dur("backoff", e.policy.Backoff).
				Msgf("empty upstream response, retrying %d/%d", rc.RetryCount, e.policy.MaxRetries)
			if !retry.Sleep(ctx, e.policy.Backoff) {
				return e.canceled(rc, logger, context.Cause(ctx))
			}
		}
	}
}

func (e *Engine) roundTrip(attempt *retry.Attempt, rc *RequestContext) (*http.Response, error) {
	outbound, err := e.newOutbound(attempt.Context(), rc)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	start := time.Now()
	resp, err := e.transport.RoundTrip(outbound)
	e.metrics.ObserveAttempt(time.Since(start))
	if err != nil {
		return nil, attemptError(attempt, err)
	}
	return resp, nil
}

// newOutbound builds an identical request for every attempt: same method,
// path, headers and a fresh reader over the buffered body.
func (e *Engine) newOutbound(ctx context.Context, rc *RequestContext) (*http.Request, error) {
	target := &url.URL{
		Scheme:   "https",
		Host:     e.targetAddr,
		Path:     rc.URL.Path,
		RawPath:  rc.URL.RawPath,
		RawQuery: rc.URL.RawQuery,
	}
	var body io.Reader = http.NoBody
	if len(rc.Body) > 0 {
		body = bytes.NewReader(rc.Body)
	}
	outbound, err := http.NewRequestWithContext(ctx, rc.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	outbound.Header = forwardHeaders(rc.Header)
	outbound.Host = e.targetDomain
	outbound.ContentLength = int64(len(rc.Body))
	return outbound, nil
}

func (e *Engine) deliver(w http.ResponseWriter, rc *RequestContext, logger *obs.Logger, resp *http.Response, first []byte, firstErr error) Outcome {
	defer resp.Body.Close()

	if logger.Enabled(obs.LevelNormal) {
		logger.Event(obs.LevelNormal, "upstream_response").
			Int("status", resp.StatusCode).
			Int("retries", rc.RetryCount).
			Dict("headers", obs.HeaderDict(resp.Header)).
			Msg("upstream response received")
	}

	header := w.Header()
	copyHeaders(header, resp.Header)
	removeHopHeaders(header)
	header.Set(RequestIDHeader, rc.ID)
	w.WriteHeader(resp.StatusCode)

	controller := http.NewResponseController(w)
	var logged *bytes.Buffer
	if logger.Enabled(obs.LevelVerbose) {
		logged = &bytes.Buffer{}
	}

	var written int64
	chunk := first
	readErr := firstErr
	buf := first[:cap(first)]
	for {
		if len(chunk) > 0 {
			n, err := w.Write(chunk)
			written += int64(n)
			if logged != nil && logged.Len() < maxLoggedBody {
				logged.Write(chunk[:min(n, maxLoggedBody-logged.Len())])
			}
			if err != nil {
				e.metrics.AddBytesOut(written)
				return e.aborted(resp.StatusCode, rc, logger, written, fmt.Errorf("write client response: %w", err))
			}
			_ = controller.Flush()
		}
		if readErr != nil {
			break
		}
		var n int
		n, readErr = resp.Body.Read(buf)
		chunk = buf[:n]
	}
	e.metrics.AddBytesOut(written)

	if !errors.Is(readErr, io.EOF) {
		return e.aborted(resp.StatusCode, rc, logger, written, fmt.Errorf("read upstream response: %w", readErr))
	}

	if logged != nil {
		obs.WithBody(logger.Event(obs.LevelVerbose, "response_body"), "body", logged.Bytes()).Msg("upstream response body")
	}
	logger.Event(obs.LevelMinimal, "response_complete").
		Int("status", resp.StatusCode).
		Int64("bytes", written).
		Int("retries", rc.RetryCount).
		Msgf("response stream finished, %d bytes transferred", written)

	return Outcome{
		Kind:             OutcomeSuccess,
		Status:           resp.StatusCode,
		BytesTransferred: written,
		RetryCount:       rc.RetryCount,
	}
}

// fail turns an attempt error into the terminal response. A client that has
// already gone away gets nothing.
func (e *Engine) fail(ctx context.Context, w http.ResponseWriter, rc *RequestContext, logger *obs.Logger, err error) Outcome {
	if ctx.Err() != nil {
		return e.canceled(rc, logger, err)
	}
	category := retry.ClassifyError(err)
	e.metrics.RecordUpstreamError(category)
	logger.Error("upstream_error", err).
		Str("category", category).
		Int("retries", rc.RetryCount).
		Msg("proxy error")
	WriteProxyError(w, rc.ID, http.StatusInternalServerError, "Proxy error: "+err.Error())
	return Outcome{
		Kind:       OutcomeError,
		Status:     http.StatusInternalServerError,
		RetryCount: rc.RetryCount,
		Reason:     ReasonTransportError,
		Err:        err,
	}
}

func (e *Engine) canceled(rc *RequestContext, logger *obs.Logger, err error) Outcome {
	logger.Event(obs.LevelNormal, "client_canceled").
		Int("retries", rc.RetryCount).
		Msg("client went away before the response")
	return Outcome{
		Kind:       OutcomeCanceled,
		RetryCount: rc.RetryCount,
		Reason:     ReasonClientCanceled,
		Err:        err,
	}
}

func (e *Engine) aborted(status int, rc *RequestContext, logger *obs.Logger, written int64, err error) Outcome {
	logger.Error("stream_aborted", err).
		Int("status", status).
		Int64("bytes", written).
		Msg("response stream broke off")
	return Outcome{
		Kind:             OutcomeSuccess,
		Status:           status,
		BytesTransferred: written,
		RetryCount:       rc.RetryCount,
		Reason:           ReasonStreamAborted,
		Err:              err,
		Aborted:          true,
	}
}

// attemptError replaces the bare cancellation an expired attempt produces
// with the timeout cause.
func attemptError(attempt *retry.Attempt, err error) error {
	if attempt.TimedOut() && !errors.Is(err, retry.ErrAttemptTimeout) {
		return fmt.Errorf("%w: %v", retry.ErrAttemptTimeout, err)
	}
	return err
}

// readFirst reads until the first byte or the end of the body.
func readFirst(body io.Reader, buf []byte) (int, error) {
	for {
		n, err := body.Read(buf)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// forwardHeaders copies inbound headers minus forwarding, compression and
// hop-by-hop headers. The upstream must see uncompressed content so an empty
// body can be detected.
func forwardHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = http.Header{}
	}
	for key := range dst {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "x-forwarded-") || strings.HasPrefix(lower, "x-real-") {
			dst.Del(key)
		}
	}
	dst.Del("Accept-Encoding")
	dst.Del("Content-Length")
	removeHopHeaders(dst)
	return dst
}

func removeHopHeaders(header http.Header) {
	for _, value := range header.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				header.Del(token)
			}
		}
	}
	for _, key := range hopHeaders {
		header.Del(key)
	}
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
