// Package protocol holds the wire vocabulary of the shape HTTP protocol:
// header and query parameter names, offsets, column schemas and the
// message union delivered in response bodies.
package protocol

import (
	"net/http"
	"net/url"
	"strings"
)

// Response headers.
const (
	HeaderOffset   = "electric-offset"
	HeaderHandle   = "electric-handle"
	HeaderSchema   = "electric-schema"
	HeaderCursor   = "electric-cursor"
	HeaderUpToDate = "electric-up-to-date"
)

// Reserved query parameters.
const (
	ParamTable   = "table"
	ParamWhere   = "where"
	ParamColumns = "columns"
	ParamReplica = "replica"
	ParamOffset  = "offset"
	ParamHandle  = "handle"
	ParamLive    = "live"
	ParamCursor  = "cursor"
)

// ReservedParams lists every query parameter owned by the protocol. Callers
// may not supply these through custom parameters.
var ReservedParams = []string{
	ParamTable,
	ParamWhere,
	ParamColumns,
	ParamReplica,
	ParamOffset,
	ParamHandle,
	ParamLive,
	ParamCursor,
}

// IsReservedParam reports whether name is owned by the protocol.
func IsReservedParam(name string) bool {
	for _, p := range ReservedParams {
		if p == name {
			return true
		}
	}
	return false
}

// Offset is an opaque resumption cursor into a shape's change log.
type Offset string

// InitialOffset requests a shape from the beginning.
const InitialOffset Offset = "-1"

// String returns the offset as a string.
func (o Offset) String() string {
	return string(o)
}

// IsInitial reports whether o requests the shape from the beginning.
func (o Offset) IsInitial() bool {
	return o == InitialOffset || o == ""
}

// Replica controls how much of a row the server sends on update.
type Replica string

const (
	ReplicaDefault Replica = "default"
	ReplicaFull    Replica = "full"
)

// IsLiveURL reports whether the request URL is a live long-poll request.
func IsLiveURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Query().Has(ParamLive)
}

// NextChunkURL derives the URL of the page following the response to rawURL.
// It returns "" when the response does not chain to another catch-up page:
// the request was live, the handle or offset header is missing, or the
// server marked the shape as up-to-date.
func NextChunkURL(rawURL string, header http.Header) string {
	handle := header.Get(HeaderHandle)
	offset := header.Get(HeaderOffset)
	if handle == "" || offset == "" || hasHeader(header, HeaderUpToDate) {
		return ""
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	if q.Has(ParamLive) {
		return ""
	}
	q.Set(ParamHandle, handle)
	q.Set(ParamOffset, offset)
	u.RawQuery = q.Encode()
	return u.String()
}

func hasHeader(h http.Header, name string) bool {
	return len(h.Values(name)) > 0
}

// ColumnsParam joins a column projection for the columns query parameter.
func ColumnsParam(columns []string) string {
	return strings.Join(columns, ",")
}
