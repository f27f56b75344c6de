package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
)

// topicRecord tracks who publishes and who subscribes to one topic. Both maps
// are keyed by caller name; publishers map to their streaming address,
// subscribers to their callback endpoint.
type topicRecord struct {
	typeName string
	pubs     map[string]string
	subs     map[string]string
}

// Server is a minimal implementation of the registry RPC surface: the
// well-known central service mapping topic and service names to node
// addresses, plus the parameter server. Nodes are external clients of it;
// it keeps no connection state.
type Server struct {
	sync.Mutex

	bindAddress string
	listener    net.Listener
	srv         *http.Server
	topics      map[string]*topicRecord
	services    map[string]string
	params      ParamStore
	logger      *logrus.Entry
}

// NewServer creates a registry server bound to bindAddress, storing
// parameters in params.
func NewServer(bindAddress string, params ParamStore, logger *logrus.Entry) *Server {
	return &Server{
		bindAddress: bindAddress,
		topics:      map[string]*topicRecord{},
		services:    map[string]string{},
		params:      params,
		logger:      logger,
	}
}

// Start binds the listening socket and serves RPCs in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.bindAddress)
	if err != nil {
		return err
	}
	s.listener = ln

	mux := http.NewServeMux()
	s.registerHandlers(mux)
	s.srv = &http.Server{Handler: mux}

	s.logger.WithField("bind_address", ln.Addr().String()).Debug("Serving registry API")

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Registry server stopped")
		}
	}()

	return nil
}

// URL returns the base URL clients should use.
func (s *Server) URL() string {
	return "http://" + s.listener.Addr().String()
}

// Shutdown stops the server and closes the parameter store.
func (s *Server) Shutdown() error {
	if s.srv != nil {
		s.srv.Close()
	}
	return s.params.Close()
}

func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/api/registerPublisher", s.makeHandler(s.registerPublisher))
	mux.HandleFunc("/api/unregisterPublisher", s.makeHandler(s.unregisterPublisher))
	mux.HandleFunc("/api/registerSubscriber", s.makeHandler(s.registerSubscriber))
	mux.HandleFunc("/api/unregisterSubscriber", s.makeHandler(s.unregisterSubscriber))
	mux.HandleFunc("/api/registerService", s.makeHandler(s.registerService))
	mux.HandleFunc("/api/unregisterService", s.makeHandler(s.unregisterService))
	mux.HandleFunc("/api/lookupService", s.makeHandler(s.lookupService))
	mux.HandleFunc("/api/getParam", s.makeHandler(s.getParam))
	mux.HandleFunc("/api/setParam", s.makeHandler(s.setParam))
	mux.HandleFunc("/api/hasParam", s.makeHandler(s.hasParam))
	mux.HandleFunc("/api/deleteParam", s.makeHandler(s.deleteParam))
}

// makeHandler decodes the request envelope and encodes the reply, holding the
// server lock across the method body.
func (s *Server) makeHandler(fn func(*Request) *Response) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := &Request{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s.Lock()
		resp := fn(req)
		s.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func (s *Server) topic(name, typeName string) *topicRecord {
	rec, ok := s.topics[name]
	if !ok {
		rec = &topicRecord{
			typeName: typeName,
			pubs:     map[string]string{},
			subs:     map[string]string{},
		}
		s.topics[name] = rec
	} else if typeName != "" && rec.typeName != typeName {
		s.logger.WithFields(logrus.Fields{
			"topic":      name,
			"registered": rec.typeName,
			"requested":  typeName,
		}).Warn("Topic type mismatch at registry")
	}
	return rec
}

func (s *Server) registerPublisher(req *Request) *Response {
	rec := s.topic(req.Name, req.Type)
	rec.pubs[req.Caller] = req.URI

	s.logger.WithFields(logrus.Fields{
		"topic":  req.Name,
		"caller": req.Caller,
		"uri":    req.URI,
	}).Debug("registerPublisher")

	// Notify current subscribers outside the lock would race with map
	// mutation; snapshot first.
	uris := rec.publisherURIs()
	for caller, callbackURI := range rec.subs {
		go s.notifyPublisherUpdate(caller, callbackURI, req.Name, uris)
	}

	return &Response{}
}

func (s *Server) unregisterPublisher(req *Request) *Response {
	count := 0
	if rec, ok := s.topics[req.Name]; ok {
		if _, ok := rec.pubs[req.Caller]; ok {
			delete(rec.pubs, req.Caller)
			count = 1
		}
		s.pruneTopic(req.Name, rec)
	}
	return &Response{Count: count}
}

func (s *Server) registerSubscriber(req *Request) *Response {
	rec := s.topic(req.Name, req.Type)
	rec.subs[req.Caller] = req.CallerURI

	s.logger.WithFields(logrus.Fields{
		"topic":  req.Name,
		"caller": req.Caller,
	}).Debug("registerSubscriber")

	return &Response{URIs: rec.publisherURIs()}
}

func (s *Server) unregisterSubscriber(req *Request) *Response {
	count := 0
	if rec, ok := s.topics[req.Name]; ok {
		if _, ok := rec.subs[req.Caller]; ok {
			delete(rec.subs, req.Caller)
			count = 1
		}
		s.pruneTopic(req.Name, rec)
	}
	return &Response{Count: count}
}

func (s *Server) registerService(req *Request) *Response {
	if _, ok := s.services[req.Name]; ok {
		return &Response{Error: fmt.Sprintf("service %s already registered", req.Name)}
	}
	s.services[req.Name] = req.URI
	return &Response{}
}

func (s *Server) unregisterService(req *Request) *Response {
	count := 0
	if _, ok := s.services[req.Name]; ok {
		delete(s.services, req.Name)
		count = 1
	}
	return &Response{Count: count}
}

func (s *Server) lookupService(req *Request) *Response {
	uri, ok := s.services[req.Name]
	if !ok {
		return &Response{Error: fmt.Sprintf("unknown service %s", req.Name)}
	}
	return &Response{URI: uri}
}

func (s *Server) getParam(req *Request) *Response {
	value, found, err := s.params.Get(req.Key)
	if err != nil {
		return &Response{Error: err.Error()}
	}
	if !found {
		return &Response{Error: fmt.Sprintf("unknown parameter %s", req.Key)}
	}
	return &Response{Value: value}
}

func (s *Server) setParam(req *Request) *Response {
	if err := s.params.Set(req.Key, req.Value); err != nil {
		return &Response{Error: err.Error()}
	}
	return &Response{}
}

func (s *Server) hasParam(req *Request) *Response {
	_, found, err := s.params.Get(req.Key)
	if err != nil {
		return &Response{Error: err.Error()}
	}
	return &Response{Found: found}
}

func (s *Server) deleteParam(req *Request) *Response {
	found, err := s.params.Delete(req.Key)
	if err != nil {
		return &Response{Error: err.Error()}
	}
	if !found {
		return &Response{Error: fmt.Sprintf("unknown parameter %s", req.Key)}
	}
	return &Response{}
}

func (s *Server) pruneTopic(name string, rec *topicRecord) {
	if len(rec.pubs) == 0 && len(rec.subs) == 0 {
		delete(s.topics, name)
	}
}

func (rec *topicRecord) publisherURIs() []string {
	uris := make([]string, 0, len(rec.pubs))
	for _, uri := range rec.pubs {
		uris = append(uris, uri)
	}
	return uris
}

// notifyPublisherUpdate posts the new publisher list to one subscriber's
// callback endpoint. Unreachable subscribers are logged and skipped; the
// registry does not track callback liveness.
func (s *Server) notifyPublisherUpdate(caller, callbackURI, topic string, uris []string) {
	body, err := json.Marshal(PublisherUpdate{Topic: topic, URIs: uris})
	if err != nil {
		return
	}

	resp, err := http.Post(callbackURI+"/api/publisherUpdate", "application/json", bytes.NewReader(body))
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"caller": caller,
			"topic":  topic,
		}).WithError(err).Warn("Failed to notify subscriber")
		return
	}
	resp.Body.Close()
}
