package daemon

import (
	"encoding/json"
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/fnstack/toolcache/cache"
)

// DefaultDialTimeout bounds connecting to and round-tripping with the
// daemon. Callers on the same host should never wait long for a cache.
const DefaultDialTimeout = 2 * time.Second

// Client talks to a daemon Server. It dials per call, which keeps the
// client state-free; tool invocations are far too coarse for connection
// reuse to matter.
type Client struct {
	path    string
	timeout time.Duration
}

// NewClient returns a client for the daemon listening on socketPath.
func NewClient(socketPath string) *Client {
	return &Client{path: socketPath, timeout: DefaultDialTimeout}
}

func (c *Client) withConn(fn func(enc *json.Encoder, dec *json.Decoder) error) error {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return errors.Wrapf(err, "daemon: dial %s", c.path)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))
	return fn(json.NewEncoder(conn), json.NewDecoder(conn))
}

func (c *Client) roundTrip(req Request) (Response, error) {
	var resp Response
	err := c.withConn(func(enc *json.Encoder, dec *json.Decoder) error {
		if err := enc.Encode(&req); err != nil {
			return errors.Wrap(err, "daemon: send request")
		}
		if err := dec.Decode(&resp); err != nil {
			return errors.Wrap(err, "daemon: read response")
		}
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	if !resp.OK {
		return Response{}, errors.Newf("daemon: %s", resp.Error)
	}
	return resp, nil
}

// Get fetches the msgpack-encoded value for a key. Found is false on a miss.
func (c *Client) Get(namespace, version, key string) (bool, []byte, error) {
	resp, err := c.roundTrip(Request{Op: OpGet, Namespace: namespace, Version: version, Key: key})
	if err != nil {
		return false, nil, err
	}
	if !resp.Found {
		return false, nil, nil
	}
	return true, resp.Value, nil
}

// Set stores a value. Anything but pre-encoded cache.Encoded bytes is
// msgpack-encoded before crossing the socket. TTL resolution is one second;
// zero applies the server's default.
func (c *Client) Set(namespace, version, key string, value any, ttl time.Duration) error {
	data, err := encodeWire(value)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(Request{
		Op:         OpSet,
		Namespace:  namespace,
		Version:    version,
		Key:        key,
		Value:      data,
		TTLSeconds: int64(ttl / time.Second),
	})
	return err
}

// Delete removes a key.
func (c *Client) Delete(namespace, version, key string) error {
	_, err := c.roundTrip(Request{Op: OpDelete, Namespace: namespace, Version: version, Key: key})
	return err
}

// Clear removes a namespace, or everything when namespace is empty.
func (c *Client) Clear(namespace string) error {
	_, err := c.roundTrip(Request{Op: OpClear, Namespace: namespace})
	return err
}

// Stats returns the server manager's aggregate state.
func (c *Client) Stats() (cache.Stats, error) {
	resp, err := c.roundTrip(Request{Op: OpStats})
	if err != nil {
		return cache.Stats{}, err
	}
	if resp.Stats == nil {
		return cache.Stats{}, errors.New("daemon: stats response missing payload")
	}
	return *resp.Stats, nil
}

// Flush blocks until the server's queued persistent writes have landed.
func (c *Client) Flush() error {
	_, err := c.roundTrip(Request{Op: OpFlush})
	return err
}

// GetAs fetches and msgpack-decodes a value into T.
func GetAs[T any](c *Client, namespace, version, key string) (bool, T, error) {
	var zero T
	found, data, err := c.Get(namespace, version, key)
	if err != nil || !found {
		return false, zero, err
	}
	var out T
	if err := msgpack.Unmarshal(data, &out); err != nil {
		return false, zero, errors.Wrapf(err, "daemon: decode value for %q", cache.Key(namespace, version, key))
	}
	return true, out, nil
}
