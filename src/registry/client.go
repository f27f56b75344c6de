package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Client issues synchronous RPCs to the central registry. It is stateless
// apart from the registry address and the identity of this node; every method
// is a single request/response round trip keyed by method name.
type Client struct {
	url       string
	caller    string
	callerURI string
	http      *http.Client
	logger    *logrus.Entry
}

// NewClient returns a registry client for the node identified by caller,
// reachable for registry callbacks at callerURI.
func NewClient(registryURL, caller, callerURI string, logger *logrus.Entry) *Client {
	return &Client{
		url:       registryURL,
		caller:    caller,
		callerURI: callerURI,
		http:      &http.Client{},
		logger:    logger,
	}
}

// call performs one registry RPC. A transport-level failure means the
// registry is unreachable; a populated Error field means the registry
// understood and rejected the call.
func (c *Client) call(method string, req Request) (*Response, error) {
	req.Caller = c.caller
	req.CallerURI = c.callerURI

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.http.Post(c.url+"/api/"+method, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("registry unreachable: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry %s: unexpected status %s", method, httpResp.Status)
	}

	resp := &Response{}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return nil, fmt.Errorf("registry %s: decoding response: %w", method, err)
	}

	if resp.Error != "" {
		return resp, fmt.Errorf("registry %s: %s", method, resp.Error)
	}

	return resp, nil
}

// RegisterPublisher announces this node as a publisher of topic, reachable
// for streaming connections at streamURI.
func (c *Client) RegisterPublisher(topic, typeName, streamURI string) error {
	_, err := c.call("registerPublisher", Request{Name: topic, Type: typeName, URI: streamURI})
	return err
}

// UnregisterPublisher removes this node's publisher registration for topic.
// The returned count is only used for diagnostic logging.
func (c *Client) UnregisterPublisher(topic string) (int, error) {
	resp, err := c.call("unregisterPublisher", Request{Name: topic})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// RegisterSubscriber announces this node as a subscriber of topic and returns
// the streaming addresses of the topic's current publishers.
func (c *Client) RegisterSubscriber(topic, typeName string) ([]string, error) {
	resp, err := c.call("registerSubscriber", Request{Name: topic, Type: typeName})
	if err != nil {
		return nil, err
	}
	return resp.URIs, nil
}

// UnregisterSubscriber removes this node's subscriber registration for topic.
func (c *Client) UnregisterSubscriber(topic string) (int, error) {
	resp, err := c.call("unregisterSubscriber", Request{Name: topic})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// RegisterService announces a service provided by this node at serviceURI.
func (c *Client) RegisterService(name, serviceURI string) error {
	_, err := c.call("registerService", Request{Name: name, URI: serviceURI})
	return err
}

// UnregisterService removes a service registration.
func (c *Client) UnregisterService(name string) (int, error) {
	resp, err := c.call("unregisterService", Request{Name: name})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// LookupService resolves a service name to the provider's address.
func (c *Client) LookupService(name string) (string, error) {
	resp, err := c.call("lookupService", Request{Name: name})
	if err != nil {
		return "", err
	}
	return resp.URI, nil
}

// GetParam fetches a parameter value from the registry's parameter store.
func (c *Client) GetParam(key string) (interface{}, error) {
	resp, err := c.call("getParam", Request{Key: key})
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// SetParam stores a parameter value.
func (c *Client) SetParam(key string, value interface{}) error {
	_, err := c.call("setParam", Request{Key: key, Value: value})
	return err
}

// HasParam reports whether a parameter is set.
func (c *Client) HasParam(key string) (bool, error) {
	resp, err := c.call("hasParam", Request{Key: key})
	if err != nil {
		return false, err
	}
	return resp.Found, nil
}

// DeleteParam removes a parameter.
func (c *Client) DeleteParam(key string) error {
	_, err := c.call("deleteParam", Request{Key: key})
	return err
}
