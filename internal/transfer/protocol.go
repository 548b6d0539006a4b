// Package transfer implements the chunk-transfer wire protocol (a
// length-delimited JSON request/response framing over TCP, with raw
// chunk bytes following a CHUNK_START header) and the server and
// parallel downloader that speak it.
package transfer

import (
	"github.com/Amuroboclub14/p2p-cas-research/pkg/cas"
	"github.com/google/uuid"
)

// Request and response frame type tags.
const (
	TypeGetChunk        = "GET_CHUNK"
	TypeListFiles       = "LIST_FILES"
	TypeGetFileMetadata = "GET_FILE_METADATA"
	TypeChunkStart      = "CHUNK_START"
	TypeFileList        = "FILE_LIST"
	TypeFileMetadata    = "FILE_METADATA"
	TypeError           = "ERROR"
)

// Request is the single JSON line a client sends to open a request.
// RequestID is an opaque correlation token threaded through server logs;
// clients that omit it get one assigned for logging purposes only.
type Request struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	ChunkHash string `json:"chunk_hash,omitempty"`
	FileHash  string `json:"file_hash,omitempty"`
}

// newRequestID generates a fresh correlation token for an outgoing request.
func newRequestID() string {
	return uuid.NewString()
}

// ChunkStartHeader precedes exactly Size raw bytes of chunk data.
type ChunkStartHeader struct {
	Type string `json:"type"`
	Size int    `json:"size"`
}

// FileListResponse lists every file hash this server's store holds.
type FileListResponse struct {
	Type  string   `json:"type"`
	Files []string `json:"files"`
}

// FileMetadataResponse embeds a file's manifest.
type FileMetadataResponse struct {
	Type     string        `json:"type"`
	Manifest *cas.Manifest `json:"manifest"`
}

// ErrorResponse is returned for any failed request; the connection stays
// open so the client may issue further requests on it.
type ErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}
