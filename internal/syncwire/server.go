package syncwire

import (
	"encoding/gob"
	"net"

	"github.com/hazelnut-vcs/svnbridge/internal/logging"
	"github.com/hazelnut-vcs/svnbridge/internal/repo"
)

var log = logging.For("syncwire")

// Serve accepts connections on addr and answers ReqHead/ReqOps requests
// against r until the listener is closed, mirroring the teacher's
// network.Server accept loop (one goroutine per connection, decode-
// dispatch-encode until the peer disconnects).
func Serve(r *repo.Repository, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer l.Close()

	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go handleConn(r, conn)
	}
}

func handleConn(r *repo.Repository, conn net.Conn) {
	defer conn.Close()
	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}

		switch req.Type {
		case "ReqHead":
			resp := Request{Type: "ResHead", Payload: ResHead{
				Revision: r.CurrentRevision(),
				UUID:     r.UUID(),
			}}
			if err := enc.Encode(&resp); err != nil {
				log.Warn("encoding ResHead: %v", err)
				return
			}

		case "ReqOps":
			payload := req.Payload.(ReqOps)
			resp := Request{Type: "ResOps", Payload: buildResOps(r, payload.Revision)}
			if err := enc.Encode(&resp); err != nil {
				log.Warn("encoding ResOps: %v", err)
				return
			}

		default:
			log.Warn("unknown request type %q", req.Type)
			return
		}
	}
}

func buildResOps(r *repo.Repository, rev uint64) ResOps {
	entries, err := r.Log(rev, rev)
	if err != nil || len(entries) != 1 {
		return ResOps{Err: "revision not found"}
	}
	ops, err := r.OpLog(rev)
	if err != nil {
		return ResOps{Err: err.Error()}
	}
	return ResOps{
		Author:    entries[0].Author,
		Message:   entries[0].Message,
		Timestamp: entries[0].Timestamp,
		Ops:       ops,
	}
}
