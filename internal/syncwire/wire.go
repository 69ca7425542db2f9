// Package syncwire implements the peer-to-peer revision transfer wire
// used to mirror one repository's history into another, the way svnsync
// mirrors a remote repository incrementally. Grounded on the teacher's
// network package: a gob-encoded Request{Type, Payload} envelope sent
// over a raw net.Conn and dispatched by a string type switch, retargeted
// here from backup blob/index/snapshot RPCs to revision streaming RPCs.
package syncwire

import (
	"encoding/gob"

	"github.com/hazelnut-vcs/svnbridge/internal/txn"
)

func init() {
	gob.Register(ReqHead{})
	gob.Register(ResHead{})
	gob.Register(ReqOps{})
	gob.Register(ResOps{})
}

// Request is the single envelope type exchanged in both directions,
// exactly as the teacher's network.Request does.
type Request struct {
	Type    string
	Payload interface{}
}

// ReqHead asks the peer for its current revision and repository identity.
type ReqHead struct{}

// ResHead answers ReqHead.
type ResHead struct {
	Revision uint64
	UUID     string
}

// ReqOps asks the peer for the staged operations that produced Revision.
type ReqOps struct {
	Revision uint64
}

// ResOps answers ReqOps. Err carries the remote error as a string since
// the gob wire cannot transport the error interface.
type ResOps struct {
	Author    string
	Message   string
	Timestamp int64
	TzOffset  int32
	Ops       []txn.Op
	Err       string
}
