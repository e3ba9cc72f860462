package transport

import (
	"net"

	"github.com/openfam/famsvc/famerr"
	"github.com/openfam/famsvc/log"
)

// HandlerFunc processes one decoded request body and returns a result
// to encode, or an error classified per §7.
type HandlerFunc func(body []byte) (result interface{}, err error)

// Server dispatches incoming Conn-framed requests to registered
// per-op handlers. One Server backs one CIS, memory server, or
// metadata server process.
type Server struct {
	ln       net.Listener
	handlers map[string]HandlerFunc
	lgr      *log.Logger
}

// NewServer wraps an already-listening net.Listener.
func NewServer(ln net.Listener, lgr *log.Logger) *Server {
	return &Server{ln: ln, handlers: make(map[string]HandlerFunc), lgr: lgr}
}

// Handle registers fn for the named operation.
func (s *Server) Handle(op string, fn HandlerFunc) {
	s.handlers[op] = fn
}

// Serve accepts connections until the listener is closed, handling
// each on its own goroutine. A torn connection simply ends that
// goroutine; in-flight requests on other connections are unaffected
// (§5: "refuses new work from the same client on a torn connection").
func (s *Server) Serve() error {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(nc)
	}
}

func (s *Server) handleConn(nc net.Conn) {
	conn := NewConn(nc)
	defer conn.Close()
	for {
		req, err := conn.ReadRequest()
		if err != nil {
			return
		}
		resp := s.dispatch(req)
		if err := conn.WriteResponse(resp); err != nil {
			if s.lgr != nil {
				s.lgr.Warnf("transport: failed to write response for %s: %v", req.Op, err)
			}
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	fn, ok := s.handlers[req.Op]
	if !ok {
		return Response{ErrorKind: int(famerr.Unimplemented), ErrorMsg: "unknown operation: " + req.Op}
	}
	result, err := fn(req.Body)
	if err != nil {
		return Response{ErrorKind: int(famerr.KindOf(err)), ErrorMsg: err.Error()}
	}
	if result == nil {
		return Response{}
	}
	body, err := Encode(result)
	if err != nil {
		return Response{ErrorKind: int(famerr.Resource), ErrorMsg: "failed to encode result: " + err.Error()}
	}
	return Response{Body: body}
}
