// Package testfixture is a fake upstream RRDP deployment for
// integration tests: an in-process HTTP server that serves
// notification/snapshot/delta bodies (grounded on the teacher's
// HttpClient.getResponseBody, a plain http.Get against a URL), and a
// reference parent that drives a wire.ParentSide the way a real parent
// would — issuing HTTP_REQ against that server and turning the
// response into HTTP_INI/HTTP_FIN.
//
// Neither piece is a production parent implementation; both exist
// solely so internal/scheduler and internal/session can be exercised
// end-to-end without a real parent process or real RPKI repository.
package testfixture

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gorilla/mux"
)

// object is one served HTTP resource: a body plus a Last-Modified
// value used for If-Modified-Since comparisons.
type object struct {
	body         string
	lastModified string
}

// Server is a fake upstream RRDP repository. Routes are registered by
// path with Serve/Remove; If-Modified-Since is honored against the
// Last-Modified value passed to Serve.
type Server struct {
	httpServer *httptest.Server
	router     *mux.Router

	mu      sync.Mutex
	objects map[string]object
}

// NewServer starts listening immediately; call Close when done.
func NewServer() *Server {
	s := &Server{
		router:  mux.NewRouter(),
		objects: make(map[string]object),
	}
	s.router.PathPrefix("/").HandlerFunc(s.handle)
	s.httpServer = httptest.NewServer(s.router)
	return s
}

// URL returns the base URL objects are served under, e.g.
// fmt.Sprintf("%s/notification.xml", s.URL()).
func (s *Server) URL() string { return s.httpServer.URL }

// Serve registers body to be returned for GET requests against path,
// with the given Last-Modified value (RFC1123, as RRDP's HTTP_FIN
// carries it verbatim).
func (s *Server) Serve(path, body, lastModified string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = object{body: body, lastModified: lastModified}
}

// Remove makes path start returning 404, simulating withdrawn or
// rolled-off RRDP deltas.
func (s *Server) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	obj, ok := s.objects[r.URL.Path]
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	if ims := r.Header.Get("If-Modified-Since"); ims != "" && obj.lastModified != "" && ims == obj.lastModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	if obj.lastModified != "" {
		w.Header().Set("Last-Modified", obj.lastModified)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, obj.body)
}

// Close shuts down the underlying httptest.Server.
func (s *Server) Close() { s.httpServer.Close() }
