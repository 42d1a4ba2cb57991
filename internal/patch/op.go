package patch

import "fmt"

// Op kinds. The vocabulary is deliberately small; it is not RFC 6902.
const (
	OpAdd       = "add"
	OpReplace   = "replace"
	OpRemove    = "remove"
	OpTombstone = "tombstone"
	OpLink      = "link"
	OpUnlink    = "unlink"
)

// Op is one atomic edit instruction against a snapshot.
//
// add/replace use Path and Value. remove uses Path. tombstone uses Path with
// optional DeletedAt/Reason. link/unlink use Path (the id sequence) plus
// From/To/Rel, where To is the referenced record id.
type Op struct {
	Kind      string `json:"kind" enum:"add,replace,remove,tombstone,link,unlink"`
	Path      string `json:"path"`
	Value     any    `json:"value,omitempty"`
	DeletedAt string `json:"deleted_at,omitempty"`
	Reason    string `json:"reason,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Rel       string `json:"rel,omitempty"`
}

// PathError reports a malformed path or a path segment that does not exist
// where it is required to.
type PathError struct {
	Path string
	Msg  string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path %q: %s", e.Path, e.Msg)
}

// InvalidTargetError reports an operation whose resolved target has the
// wrong shape (e.g. link against a non-sequence).
type InvalidTargetError struct {
	Path string
	Msg  string
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("target %q: %s", e.Path, e.Msg)
}
