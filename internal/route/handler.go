package route

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/imgdispatch/imgdispatch/internal/invoker"
)

// ContentType is used for every page, including the ones carrying the
// result-path JSON line.
const ContentType = "text/html; charset=utf-8"

// FailureNotice replaces the summary when an invocation fails.
const FailureNotice = "<p>failed to read file</p>\n"

// Invoker runs one external command.
type Invoker interface {
	Run(ctx context.Context, cmd invoker.Command) invoker.Result
}

// Admitter hands out per-executable concurrency slots.
type Admitter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Recorder receives invocation metrics.
type Recorder interface {
	ObserveInvocation(route, status, failure string, d time.Duration, lines int)
	ObserveAdmissionWait(route string, d time.Duration)
	IncInFlight(route string)
	DecInFlight(route string)
}

// Deps are shared by all route handlers.
type Deps struct {
	Invoker  Invoker
	Admitter Admitter
	Recorder Recorder
	Logger   *slog.Logger
}

// Handler runs one route's executable and renders the outcome as HTML.
type Handler struct {
	spec     Spec
	cmd      invoker.Command
	pathLine []byte
	deps     Deps
}

type resultLine struct {
	Path string `json:"path"`
}

// NewHandler creates the handler for spec. Admitter and Recorder may be nil.
func NewHandler(spec Spec, deps Deps) (*Handler, error) {
	if deps.Invoker == nil {
		return nil, fmt.Errorf("route %q: invoker is required", spec.Name)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	pathLine, err := renderPathLine(spec.ResultPath)
	if err != nil {
		return nil, fmt.Errorf("route %q: encode result path: %w", spec.Name, err)
	}

	return &Handler{
		spec:     spec,
		cmd:      spec.Command(),
		pathLine: pathLine,
		deps:     deps,
	}, nil
}

// renderPathLine writes the result path as a one-key JSON object. The path
// is embedded verbatim; & < > are not rewritten as \u escapes.
func renderPathLine(path string) ([]byte, error) {
	var js bytes.Buffer
	enc := json.NewEncoder(&js)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(resultLine{Path: path}); err != nil {
		return nil, err
	}
	line := make([]byte, 0, js.Len()+8)
	line = append(line, "<p> "...)
	line = append(line, bytes.TrimSuffix(js.Bytes(), []byte("\n"))...)
	line = append(line, " </p>\n"...)
	return line, nil
}

// Spec returns the route this handler serves.
func (h *Handler) Spec() Spec {
	return h.spec
}

// ServeHTTP ignores everything in the request but its context. The status is
// always 200; failures show up only as the failure notice, and the result
// path is written only after a successful run.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body bytes.Buffer
	fmt.Fprintf(&body, "<h1> %s </h1>\n", h.spec.Heading)

	h.audit(r)
	res := h.run(r.Context())
	h.auditComplete(r, res)

	if res.OK() {
		fmt.Fprintf(&body, "<p> %s </p>\n", h.spec.Summary)
		body.Write(h.pathLine)
	} else {
		body.WriteString(FailureNotice)
	}

	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body.Bytes())
}

func (h *Handler) run(ctx context.Context) invoker.Result {
	if h.deps.Admitter != nil {
		waitStart := time.Now()
		release, err := h.deps.Admitter.Acquire(ctx, h.cmd.Path)
		if h.deps.Recorder != nil {
			h.deps.Recorder.ObserveAdmissionWait(h.spec.Name, time.Since(waitStart))
		}
		if err != nil {
			res := invoker.Result{
				Name:       h.spec.Name,
				Status:     invoker.StatusFailure,
				Failure:    invoker.FailureAdmission,
				ExitCode:   -1,
				ResultPath: h.spec.ResultPath,
				Err:        err,
				Duration:   time.Since(waitStart),
			}
			h.record(res)
			return res
		}
		defer release()
	}

	if h.deps.Recorder != nil {
		h.deps.Recorder.IncInFlight(h.spec.Name)
		defer h.deps.Recorder.DecInFlight(h.spec.Name)
	}

	res := h.deps.Invoker.Run(ctx, h.cmd)
	h.record(res)
	return res
}

func (h *Handler) record(res invoker.Result) {
	if h.deps.Recorder == nil {
		return
	}
	h.deps.Recorder.ObserveInvocation(h.spec.Name, res.Status.String(), string(res.Failure), res.Duration, len(res.Lines))
}

// audit writes a structured audit log entry before an executable is started.
func (h *Handler) audit(r *http.Request) {
	h.deps.Logger.Info("audit: invocation requested",
		"route", h.spec.Name,
		"path", h.spec.Path,
		"executable", h.spec.Executable,
		"request_id", middleware.GetReqID(r.Context()),
		"client_ip", clientIP(r),
	)
}

// auditComplete writes a structured audit log entry when an invocation ends.
func (h *Handler) auditComplete(r *http.Request, res invoker.Result) {
	attrs := []any{
		"route", h.spec.Name,
		"invocation_id", res.ID,
		"request_id", middleware.GetReqID(r.Context()),
		"status", res.Status.String(),
		"exit_code", res.ExitCode,
		"duration", res.Duration.String(),
	}
	if !res.OK() {
		attrs = append(attrs, "failure", string(res.Failure), "error", res.Err)
	}
	h.deps.Logger.Info("audit: invocation completed", attrs...)
}

// clientIP uses RemoteAddr only; forwarding headers are left to the rate
// limiter, which knows the trusted proxies.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
