package node

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/robomesh/robomesh/src/registry"
	"github.com/sirupsen/logrus"
)

// callbackServer is the HTTP endpoint the registry calls back into, eg. to
// push publisher updates at subscribers. It runs for the lifetime of the
// session.
type callbackServer struct {
	listener net.Listener
	srv      *http.Server
	logger   *logrus.Entry
}

func newCallbackServer(listener net.Listener, onPublisherUpdate func(topic string, uris []string), logger *logrus.Entry) *callbackServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/publisherUpdate", func(w http.ResponseWriter, r *http.Request) {
		update := registry.PublisherUpdate{}
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		onPublisherUpdate(update.Topic, update.URIs)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(registry.Response{})
	})

	return &callbackServer{
		listener: listener,
		srv:      &http.Server{Handler: mux},
		logger:   logger,
	}
}

// start serves in the background until stop.
func (c *callbackServer) start() {
	c.logger.WithField("bind_address", c.listener.Addr().String()).Debug("Serving registry callbacks")

	go func() {
		if err := c.srv.Serve(c.listener); err != nil && err != http.ErrServerClosed {
			c.logger.WithError(err).Error("Callback server stopped")
		}
	}()
}

// stop closes the server and its listener.
func (c *callbackServer) stop() error {
	return c.srv.Close()
}
