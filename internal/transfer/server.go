package transfer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/Amuroboclub14/p2p-cas-research/pkg/cas"
	"go.uber.org/zap"
)

// Server accepts chunk-transfer connections and answers GET_CHUNK,
// LIST_FILES, and GET_FILE_METADATA requests out of a cas.Store. Its
// accept loop runs on its own goroutine, separate from the DHT's
// receive loop, matching the two-thread model: the store itself
// synchronizes any access shared between them.
type Server struct {
	store    *cas.Store
	log      *zap.SugaredLogger
	listener net.Listener

	wg sync.WaitGroup
}

// NewServer creates a Server backed by store.
func NewServer(store *cas.Store, log *zap.SugaredLogger) *Server {
	return &Server{store: store, log: log}
}

// Listen binds the TCP listener at addr. Call Serve to begin accepting.
func (s *Server) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transfer: listen %s: %w", addr, err)
	}
	s.listener = l
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve runs the accept loop until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close closes the listener and waits for in-flight connections to
// finish being handled.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeError(conn, "malformed request")
			continue
		}
		if req.RequestID == "" {
			req.RequestID = newRequestID()
		}
		if s.log != nil {
			s.log.Debugw("chunk-transfer request", "request_id", req.RequestID, "type", req.Type)
		}

		switch req.Type {
		case TypeGetChunk:
			s.handleGetChunk(conn, req.ChunkHash)
		case TypeListFiles:
			s.handleListFiles(conn)
		case TypeGetFileMetadata:
			s.handleGetFileMetadata(conn, req.FileHash)
		default:
			s.writeError(conn, fmt.Sprintf("unknown request type %q", req.Type))
		}
	}
}

func (s *Server) handleGetChunk(conn net.Conn, chunkHash string) {
	data, err := s.store.ReadChunk(chunkHash)
	if err != nil {
		s.writeError(conn, err.Error())
		return
	}

	header, err := json.Marshal(ChunkStartHeader{Type: TypeChunkStart, Size: len(data)})
	if err != nil {
		s.writeError(conn, "failed to encode response header")
		return
	}
	if _, err := conn.Write(append(header, '\n')); err != nil {
		return
	}
	conn.Write(data)
}

func (s *Server) handleListFiles(conn net.Conn) {
	manifests := s.store.ListManifests()
	files := make([]string, len(manifests))
	for i, m := range manifests {
		files[i] = m.FileHash
	}
	s.writeJSON(conn, FileListResponse{Type: TypeFileList, Files: files})
}

func (s *Server) handleGetFileMetadata(conn net.Conn, fileHash string) {
	manifest, err := s.store.Manifest(fileHash)
	if err != nil {
		s.writeError(conn, err.Error())
		return
	}
	s.writeJSON(conn, FileMetadataResponse{Type: TypeFileMetadata, Manifest: manifest})
}

func (s *Server) writeJSON(conn net.Conn, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.writeError(conn, "failed to encode response")
		return
	}
	conn.Write(append(data, '\n'))
}

func (s *Server) writeError(conn net.Conn, message string) {
	data, err := json.Marshal(ErrorResponse{Type: TypeError, Message: message})
	if err != nil {
		return
	}
	conn.Write(append(data, '\n'))
	if s.log != nil {
		s.log.Debugw("chunk-transfer request failed", "message", message)
	}
}
