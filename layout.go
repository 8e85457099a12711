package vaultfs

import (
	"path"
	"strings"
)

// Physical layout of a vault root:
//
//	vault.header            wrapped master key
//	vault.config            sealed vault parameters
//	IMPORTANT.txt           plain readme
//	d/XX/REST/              one directory per DirectoryID
//	    <enc>.vf            file node
//	    <enc>.vd            directory node (sealed child ID)
//	    <hash>.vl/name      long-name node: full encrypted name
//	    <hash>.vl/node.vf   ... and its payload
//	    .tmp-<uuid>         write in progress
const (
	ConfigFileName = "vault.config"
	ReadmeFileName = "IMPORTANT.txt"

	dataDirName  = "d"
	fileSuffix   = ".vf"
	dirSuffix    = ".vd"
	longSuffix   = ".vl"
	longNameFile = "name"
	longFileNode = "node" + fileSuffix
	longDirNode  = "node" + dirSuffix
	tempPrefix   = ".tmp-"
)

const readmeText = `This directory contains an encrypted vault.

Do not add, remove or rename anything in here. File contents, file names and
the directory structure are encrypted; the only way to access them is to
unlock the vault with its passphrase using vaultfs.

Losing the passphrase or the file vault.header makes the data unrecoverable.
`

// physDir returns the physical directory of a directory hash.
func physDir(hash string) string {
	return path.Join("/", dataDirName, hash[:2], hash[2:])
}

// nodeRef locates the physical node of one logical child.
type nodeRef struct {
	parent string // physical directory of the parent
	enc    string // full encrypted name
	entry  string // name of the node inside parent
	long   bool
	isDir  bool
}

// newNodeRef builds the reference of a node of the given kind.
func newNodeRef(parent, enc string, isDir bool, threshold int) nodeRef {
	suffix := fileSuffix
	if isDir {
		suffix = dirSuffix
	}
	ref := nodeRef{parent: parent, enc: enc, isDir: isDir}
	if len(enc)+len(suffix) > threshold {
		ref.entry = shortName(enc) + longSuffix
		ref.long = true
	} else {
		ref.entry = enc + suffix
	}
	return ref
}

// path is the node's entry in its parent directory.
func (r nodeRef) path() string {
	return path.Join(r.parent, r.entry)
}

// payload is the file holding the node's data: content for files, the sealed
// directory ID for directories.
func (r nodeRef) payload() string {
	if !r.long {
		return r.path()
	}
	if r.isDir {
		return path.Join(r.path(), longDirNode)
	}
	return path.Join(r.path(), longFileNode)
}

// parseEntry classifies a physical directory entry. ok is false for entries
// that are not nodes (temp files, foreign files).
func parseEntry(entry string) (enc string, isDir, long, ok bool) {
	if strings.HasPrefix(entry, ".") {
		return "", false, false, false
	}
	switch {
	case strings.HasSuffix(entry, fileSuffix):
		return strings.TrimSuffix(entry, fileSuffix), false, false, true
	case strings.HasSuffix(entry, dirSuffix):
		return strings.TrimSuffix(entry, dirSuffix), true, false, true
	case strings.HasSuffix(entry, longSuffix):
		return "", false, true, true
	}
	return "", false, false, false
}
