// Package daemon shares a single cache manager across processes over a unix
// domain socket. File stores are cheap but per-process; running one daemon in
// front of a store lets short-lived tool invocations reuse each other's
// results without fighting over the database file.
//
// The protocol is one JSON request followed by one JSON response, encoded
// with json.Encoder/Decoder. A connection may issue any number of round
// trips before closing. Values cross the socket as msgpack bytes, the same
// encoding the persistent tier uses, so the server stores them without a
// second encoding pass.
package daemon

import "github.com/fnstack/toolcache/cache"

// Request operations.
const (
	OpGet    = "get"
	OpSet    = "set"
	OpDelete = "delete"
	OpClear  = "clear"
	OpStats  = "stats"
	OpFlush  = "flush"
)

// Request is one client command.
type Request struct {
	Op         string `json:"op"`
	Namespace  string `json:"namespace,omitempty"`
	Version    string `json:"version,omitempty"`
	Key        string `json:"key,omitempty"`
	Value      []byte `json:"value,omitempty"` // msgpack-encoded payload
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

// Response answers one Request. Error is set when OK is false.
type Response struct {
	OK    bool         `json:"ok"`
	Found bool         `json:"found,omitempty"`
	Value []byte       `json:"value,omitempty"`
	Stats *cache.Stats `json:"stats,omitempty"`
	Error string       `json:"error,omitempty"`
}
