package node

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/robomesh/robomesh/src/msg"
	"github.com/robomesh/robomesh/src/wire"
	"github.com/sirupsen/logrus"
)

// ServiceHandler performs one remote procedure call: it receives the decoded
// request and returns the response value or an error.
type ServiceHandler func(req interface{}) (interface{}, error)

// ServiceRecord is a node's local record of a provided service: its name,
// request/response type descriptors, and the handler. The service checksum is
// the request type's checksum.
type ServiceRecord struct {
	name     string
	reqType  msg.Type
	respType msg.Type
	handler  ServiceHandler
	logger   *logrus.Entry
}

func newServiceRecord(name string, reqType, respType msg.Type, handler ServiceHandler, logger *logrus.Entry) *ServiceRecord {
	return &ServiceRecord{
		name:     name,
		reqType:  reqType,
		respType: respType,
		handler:  handler,
		logger:   logger.WithField("service", name),
	}
}

// serve performs one call on a handshaken inbound connection: read the
// request frame, invoke the handler, write a status byte followed by the
// encoded response (or the error text), and close.
func (r *ServiceRecord) serve(conn net.Conn) {
	defer conn.Close()

	payload, err := wire.ReadFrame(conn)
	if err != nil {
		r.logger.WithError(err).Debug("Service connection closed before request")
		return
	}

	req, err := r.reqType.Decode(payload)
	if err != nil {
		r.logger.WithError(err).Error("Failed to decode service request")
		writeServiceReply(conn, false, []byte(err.Error()))
		return
	}

	resp, err := r.handler(req)
	if err != nil {
		writeServiceReply(conn, false, []byte(err.Error()))
		return
	}

	encoded, err := r.respType.Encode(resp)
	if err != nil {
		r.logger.WithError(err).Error("Failed to encode service response")
		writeServiceReply(conn, false, []byte(err.Error()))
		return
	}

	writeServiceReply(conn, true, encoded)
}

// writeServiceReply writes the status byte and the reply frame: an encoded
// response on success, the error text otherwise.
func writeServiceReply(w io.Writer, ok bool, payload []byte) error {
	status := []byte{0}
	if ok {
		status[0] = 1
	}
	if _, err := w.Write(status); err != nil {
		return err
	}
	return wire.WriteFrame(w, payload)
}

// callService performs the client side of one RPC against addr: handshake,
// one request frame, one status byte, one reply frame. No retry is attempted;
// every transport failure surfaces to the caller.
func callService(addr, name, caller string, req interface{}, reqType, respType msg.Type, dialTimeout time.Duration) (interface{}, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, NewErr(TransportClosed, name, err)
	}
	defer conn.Close()

	hs := wire.Handshake{
		Service:  name,
		Type:     reqType.Name(),
		Checksum: reqType.Checksum(),
		CallerID: caller,
	}
	if err := wire.WriteHandshake(conn, hs); err != nil {
		return nil, NewErr(TransportClosed, name, err)
	}

	reply, err := wire.ReadHeader(conn)
	if err != nil {
		return nil, NewErr(TransportClosed, name, err)
	}
	if reason := reply[wire.FieldError]; reason != "" {
		return nil, NewErr(TypeMismatch, name, fmt.Errorf("%s", reason))
	}

	encoded, err := reqType.Encode(req)
	if err != nil {
		return nil, err
	}
	if err := wire.WriteFrame(conn, encoded); err != nil {
		return nil, NewErr(TransportClosed, name, err)
	}

	status := make([]byte, 1)
	if _, err := io.ReadFull(conn, status); err != nil {
		return nil, NewErr(TransportClosed, name, err)
	}

	payload, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, NewErr(TransportClosed, name, err)
	}

	if status[0] == 0 {
		return nil, fmt.Errorf("service %s: %s", name, string(payload))
	}

	return respType.Decode(payload)
}
