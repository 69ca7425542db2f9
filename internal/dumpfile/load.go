package dumpfile

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hazelnut-vcs/svnbridge/internal/apierr"
	"github.com/hazelnut-vcs/svnbridge/internal/propstore"
	"github.com/hazelnut-vcs/svnbridge/internal/repo"
	"github.com/hazelnut-vcs/svnbridge/internal/txn"
)

var dumpDateLayouts = []string{
	"2006-01-02T15:04:05.000000Z",
	time.RFC3339,
	time.RFC3339Nano,
}

func parseDumpDate(raw string) int64 {
	if raw == "" {
		return 0
	}
	for _, layout := range dumpDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Unix()
		}
	}
	return 0
}

func formatDumpDate(sec int64) string {
	return time.Unix(sec, 0).UTC().Format("2006-01-02T15:04:05.000000Z")
}

func normalizeDumpPath(p string) string {
	return "/" + strings.TrimPrefix(p, "/")
}

var revisionMetaProps = map[string]bool{
	propstore.PropAuthor: true,
	propstore.PropLog:    true,
	propstore.PropDate:   true,
}

// Load replays every revision record from rd into target, in order,
// staging each node record as the equivalent txn.Op and committing once
// per revision record. It returns the resulting HEAD revision.
func Load(rd *Reader, target *repo.Repository) (uint64, error) {
	head := target.CurrentRevision()

	for {
		rev, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return head, errors.Wrap(err, "dumpfile: reading revision record")
		}

		if rev.Number == 0 {
			for name, value := range rev.Properties {
				if revisionMetaProps[name] {
					continue
				}
				if err := target.SetRevisionProp(0, name, value); err != nil {
					return head, errors.Wrap(err, "dumpfile: revision 0 properties")
				}
			}
			continue
		}

		author := rev.Properties[propstore.PropAuthor]
		message := rev.Properties[propstore.PropLog]
		timestamp := parseDumpDate(rev.Properties[propstore.PropDate])

		tx := target.OpenTransactionAt(rev.Number-1, author)
		for _, node := range rev.Nodes {
			if err := stageNode(target, tx.ID, rev.Number-1, node); err != nil {
				target.AbortTransaction(tx.ID)
				return head, errors.Wrapf(err, "dumpfile: revision %d, node %s", rev.Number, node.Path)
			}
		}

		newRev, err := target.Commit(tx.ID, message, timestamp, 0)
		if err != nil {
			return head, errors.Wrapf(err, "dumpfile: committing revision %d", rev.Number)
		}
		if newRev != rev.Number {
			return head, errors.Errorf("dumpfile: dump revision %d landed as repository revision %d", rev.Number, newRev)
		}
		head = newRev

		for name, value := range rev.Properties {
			if revisionMetaProps[name] {
				continue
			}
			if err := target.SetRevisionProp(newRev, name, value); err != nil {
				return head, errors.Wrap(err, "dumpfile: revision properties")
			}
		}
	}

	return head, nil
}

func stageNode(target *repo.Repository, txID string, baseRev uint64, node Node) error {
	path := normalizeDumpPath(node.Path)

	switch node.Action {
	case ActionDelete:
		return target.Stage(txID, txn.Op{Kind: txn.OpDelete, Path: path})

	case ActionReplace:
		if err := target.Stage(txID, txn.Op{Kind: txn.OpDelete, Path: path}); err != nil {
			return err
		}
		return stageAdd(target, txID, baseRev, path, node)

	case ActionAdd:
		return stageAdd(target, txID, baseRev, path, node)

	case ActionChange:
		return stageChange(target, txID, baseRev, path, node)

	default:
		return errors.Errorf("dumpfile: unknown node action %q", node.Action)
	}
}

func stageAdd(target *repo.Repository, txID string, baseRev uint64, path string, node Node) error {
	if node.CopyFromPath != "" {
		fromPath := normalizeDumpPath(node.CopyFromPath)
		if err := target.Stage(txID, txn.Op{Kind: txn.OpCopy, Path: path, FromPath: fromPath, FromRev: node.CopyFromRev}); err != nil {
			return err
		}
		if node.ContentPresent {
			executable := executableFlag(false, node)
			if err := target.Stage(txID, txn.Op{Kind: txn.OpModify, Path: path, Content: node.Content, Executable: executable}); err != nil {
				return err
			}
		}
		return stagePropOps(target, txID, path, node)
	}

	if node.Kind == KindDir {
		if err := target.Stage(txID, txn.Op{Kind: txn.OpMkdir, Path: path}); err != nil {
			return err
		}
		return stagePropOps(target, txID, path, node)
	}

	executable := executableFlag(false, node)
	if err := target.Stage(txID, txn.Op{Kind: txn.OpAdd, Path: path, Content: node.Content, Executable: executable}); err != nil {
		return err
	}
	return stagePropOps(target, txID, path, node)
}

func stageChange(target *repo.Repository, txID string, baseRev uint64, path string, node Node) error {
	if node.Kind == KindDir || !node.ContentPresent {
		if !wantsExecutableFlip(node) {
			return stagePropOps(target, txID, path, node)
		}
		// A bare svn:executable property change with no new content still
		// has to flow through Add/Modify, since the executable bit lives on
		// the blob rather than as a free-standing property.
		content, existing, err := target.GetFile(baseRev, path)
		if err != nil {
			return err
		}
		if err := target.Stage(txID, txn.Op{Kind: txn.OpModify, Path: path, Content: content, Executable: executableFlag(existing, node)}); err != nil {
			return err
		}
		return stagePropOps(target, txID, path, node)
	}

	_, existing, err := target.GetFile(baseRev, path)
	if err != nil && !apierr.Is(err, apierr.NotFound) {
		return err
	}
	if err := target.Stage(txID, txn.Op{Kind: txn.OpModify, Path: path, Content: node.Content, Executable: executableFlag(existing, node)}); err != nil {
		return err
	}
	return stagePropOps(target, txID, path, node)
}

func wantsExecutableFlip(node Node) bool {
	if !node.PropsPresent {
		return false
	}
	if _, ok := node.Properties[propstore.PropExecutable]; ok {
		return true
	}
	for _, name := range node.Deleted {
		if name == propstore.PropExecutable {
			return true
		}
	}
	return false
}

func executableFlag(existing bool, node Node) bool {
	if !node.PropsPresent {
		return existing
	}
	if _, ok := node.Properties[propstore.PropExecutable]; ok {
		return true
	}
	for _, name := range node.Deleted {
		if name == propstore.PropExecutable {
			return false
		}
	}
	return existing
}

func stagePropOps(target *repo.Repository, txID, path string, node Node) error {
	if !node.PropsPresent {
		return nil
	}
	for name, value := range node.Properties {
		if name == propstore.PropExecutable {
			continue
		}
		if err := target.Stage(txID, txn.Op{Kind: txn.OpPropSet, Path: path, PropName: name, PropValue: value}); err != nil {
			return err
		}
	}
	for _, name := range node.Deleted {
		if name == propstore.PropExecutable {
			continue
		}
		if err := target.Stage(txID, txn.Op{Kind: txn.OpPropDel, Path: path, PropName: name}); err != nil {
			return err
		}
	}
	return nil
}

// Dump writes every revision of target out in dump format, using the
// façade's retained op log (repo.OpLog) so each node record reflects
// exactly what was staged rather than a tree diff reconstruction.
func Dump(target *repo.Repository, w io.Writer, format int) error {
	dw := NewWriter(w)
	if err := dw.WriteHeader(format, target.UUID()); err != nil {
		return err
	}

	for _, rev := range target.SortedRevisions() {
		props, err := target.ListRevisionProps(rev)
		if err != nil {
			return errors.Wrapf(err, "dumpfile: revision %d properties", rev)
		}

		if raw, ok := props[propstore.PropDate]; ok {
			if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
				props[propstore.PropDate] = formatDumpDate(sec)
			}
		}

		record := Revision{Number: rev, Properties: props}

		if rev > 0 {
			ops, err := target.OpLog(rev)
			if err != nil {
				return errors.Wrapf(err, "dumpfile: revision %d op log", rev)
			}
			for _, op := range ops {
				node, err := opToNode(target, rev, op)
				if err != nil {
					return errors.Wrapf(err, "dumpfile: revision %d node %s", rev, op.Path)
				}
				if node != nil {
					record.Nodes = append(record.Nodes, *node)
				}
			}
		}

		if err := dw.WriteRevision(record); err != nil {
			return errors.Wrapf(err, "dumpfile: writing revision %d", rev)
		}
	}

	return nil
}

func opToNode(target *repo.Repository, rev uint64, op txn.Op) (*Node, error) {
	switch op.Kind {
	case txn.OpAdd:
		return &Node{
			Path: op.Path, Kind: KindFile, Action: ActionAdd,
			PropsPresent: op.Executable, Properties: executableProps(op.Executable),
			ContentPresent: true, Content: op.Content,
		}, nil

	case txn.OpModify:
		return &Node{
			Path: op.Path, Kind: KindFile, Action: ActionChange,
			PropsPresent: op.Executable, Properties: executableProps(op.Executable),
			ContentPresent: true, Content: op.Content,
		}, nil

	case txn.OpDelete:
		return &Node{Path: op.Path, Action: ActionDelete}, nil

	case txn.OpMkdir:
		return &Node{Path: op.Path, Kind: KindDir, Action: ActionAdd}, nil

	case txn.OpCopy:
		kind := kindOfAt(target, rev, op.Path)
		return &Node{
			Path: op.Path, Kind: kind, Action: ActionAdd,
			CopyFromPath: op.FromPath, CopyFromRev: op.FromRev,
		}, nil

	case txn.OpPropSet:
		kind := kindOfAt(target, rev, op.Path)
		return &Node{
			Path: op.Path, Kind: kind, Action: ActionChange,
			PropsPresent: true, Properties: map[string]string{op.PropName: op.PropValue},
		}, nil

	case txn.OpPropDel:
		kind := kindOfAt(target, rev, op.Path)
		return &Node{
			Path: op.Path, Kind: kind, Action: ActionChange,
			PropsPresent: true, Deleted: []string{op.PropName},
		}, nil

	default:
		return nil, errors.Errorf("dumpfile: unknown op kind %d", op.Kind)
	}
}

func executableProps(executable bool) map[string]string {
	if !executable {
		return nil
	}
	return map[string]string{propstore.PropExecutable: "*"}
}

func kindOfAt(target *repo.Repository, rev uint64, path string) NodeKind {
	if _, err := target.ListDir(rev, path); err == nil {
		return KindDir
	}
	return KindFile
}
