// Package debug serves a read-only JSON view of a compiled container.
//
//	GET /services             every service (?public=true, ?tag=name filter)
//	GET /services/{id}        one service, aliases resolved
//	GET /parameters           parameters, env placeholders shown as written
//	                          (?resolve=true expands them, except for
//	                          parameters whose name contains "secret")
//	GET /parameters/{name}    one parameter
//	GET /tags                 tag names with their services
//	GET /tags/{tag}           services carrying tag, with attributes
//	GET /graph                reference graph in DOT format
//	GET /dump                 container dump in YAML
package debug

import (
	"bytes"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/km-arc/go-symfony/framework/container"
	"github.com/km-arc/go-symfony/framework/container/dumper"
)

// Server exposes one container.
type Server struct {
	c      *container.Container
	logger *zap.Logger
	mux    chi.Router
}

// New builds the routes for c. A nil logger disables request logging.
func New(c *container.Container, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{c: c, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/services", s.services)
	r.Get("/services/{id}", s.service)
	r.Get("/parameters", s.parameters)
	r.Get("/parameters/{name}", s.parameter)
	r.Get("/tags", s.tags)
	r.Get("/tags/{tag}", s.tagged)
	r.Get("/graph", s.graph)
	r.Get("/dump", s.dump)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) { newResponse(w).NotFound() })

	s.mux = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("debug request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("took", time.Since(start)))
	})
}

// ── Services ─────────────────────────────────────────────────────────────────

func (s *Server) services(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	publicOnly, _ := strconv.ParseBool(q.Get("public"))
	tag := q.Get("tag")

	out := []container.ServiceInfo{}
	for _, info := range s.c.Services() {
		if publicOnly && !info.Public {
			continue
		}
		if tag != "" && !slices.Contains(info.Tags, tag) {
			continue
		}
		out = append(out, info)
	}
	newResponse(w).Success(out)
}

func (s *Server) service(w http.ResponseWriter, r *http.Request) {
	info, err := s.c.Describe(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	newResponse(w).Success(info)
}

// ── Parameters ───────────────────────────────────────────────────────────────

func (s *Server) parameters(w http.ResponseWriter, r *http.Request) {
	if resolve, _ := strconv.ParseBool(r.URL.Query().Get("resolve")); resolve {
		params, err := s.c.Parameters()
		if err != nil {
			s.fail(w, err)
			return
		}
		for name, v := range params {
			params[name] = Redact(name, v)
		}
		newResponse(w).Success(params)
		return
	}
	newResponse(w).Success(container.EnvTemplates(s.c.ParameterBag().All()))
}

func (s *Server) parameter(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var (
		v   any
		err error
	)
	if resolve, _ := strconv.ParseBool(r.URL.Query().Get("resolve")); resolve {
		v, err = s.c.Parameter(name)
		v = Redact(name, v)
	} else {
		v, err = s.c.ParameterBag().Get(name)
		v = container.EnvTemplates(v)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	newResponse(w).Success(map[string]any{"name": name, "value": v})
}

// Redacted replaces resolved values of secret parameters.
const Redacted = "******"

// Redact returns Redacted in place of a non-nil v when name contains
// "secret".
func Redact(name string, v any) any {
	if v != nil && strings.Contains(strings.ToLower(name), "secret") {
		return Redacted
	}
	return v
}

// ── Tags ─────────────────────────────────────────────────────────────────────

type taggedService struct {
	ID         string                 `json:"id"`
	Attributes []container.Attributes `json:"attributes"`
}

func (s *Server) tags(w http.ResponseWriter, _ *http.Request) {
	out := map[string][]string{}
	for _, info := range s.c.Services() {
		for _, t := range info.Tags {
			if !slices.Contains(out[t], info.ID) {
				out[t] = append(out[t], info.ID)
			}
		}
	}
	newResponse(w).Success(out)
}

func (s *Server) tagged(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	out := []taggedService{}
	for _, info := range s.c.Services() {
		if !slices.Contains(info.Tags, tag) {
			continue
		}
		d, _ := s.c.Definition(info.ID)
		attrs := d.Tag(tag)
		for i, a := range attrs {
			if a == nil {
				attrs[i] = container.Attributes{}
			}
		}
		out = append(out, taggedService{ID: info.ID, Attributes: attrs})
	}
	if len(out) == 0 {
		newResponse(w).NotFound("No service is tagged \"" + tag + "\".")
		return
	}
	newResponse(w).Success(out)
}

// ── Exports ──────────────────────────────────────────────────────────────────

func (s *Server) graph(w http.ResponseWriter, r *http.Request) {
	hide, _ := strconv.ParseBool(r.URL.Query().Get("public"))
	var buf bytes.Buffer
	if err := dumper.Graphviz(&buf, s.c, dumper.GraphvizOptions{HidePrivate: hide}); err != nil {
		s.fail(w, err)
		return
	}
	newResponse(w).Text("text/vnd.graphviz; charset=utf-8", buf.Bytes())
}

func (s *Server) dump(w http.ResponseWriter, _ *http.Request) {
	var buf bytes.Buffer
	if err := dumper.YAML(&buf, s.c); err != nil {
		s.fail(w, err)
		return
	}
	newResponse(w).Text("application/yaml; charset=utf-8", buf.Bytes())
}

// ── Errors ───────────────────────────────────────────────────────────────────

func (s *Server) fail(w http.ResponseWriter, err error) {
	var (
		notFound *container.ServiceNotFoundError
		noParam  *container.UndefinedParameterError
	)
	res := newResponse(w)
	switch {
	case errors.As(err, &notFound), errors.As(err, &noParam):
		res.NotFound(err.Error())
	default:
		s.logger.Error("debug endpoint failed", zap.Error(err))
		res.ServerError(err.Error())
	}
}
