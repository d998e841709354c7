// Package vfs defines the backend-independent node model served by the FUSE
// layer: files, directories and symlinks, their metadata, and the error
// taxonomy every backend maps its failures into.
package vfs

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Metadata is the cheap part of a node's attributes. Computing it never
// opens a file or lists a directory.
type Metadata struct {
	Mtime time.Time
	Ctime time.Time
	Perm  uint16
	// Uid and Gid of zero mean "use the mount owner".
	Uid uint32
	Gid uint32
}

// Meta is implemented by every node.
type Meta interface {
	Metadata() (Metadata, error)
}

// File is a regular file.
type File interface {
	Meta
	// OpenRO returns a new reader positioned at offset 0.
	OpenRO(ctx context.Context) (io.ReadSeekCloser, error)
	// Size must not fetch the file body.
	Size() (uint64, error)
}

// Directory is a directory.
type Directory interface {
	Meta
	Files(ctx context.Context) ([]Entry, error)
	// FileByName returns an error wrapping ErrNotFound for absent names.
	// Implementations without a faster lookup can use ScanByName.
	FileByName(ctx context.Context, name string) (Node, error)
}

// Symlink is a symbolic link.
type Symlink interface {
	Meta
	ReadLink() (string, error)
}

// Entry is a named child of a directory.
type Entry struct {
	Name string
	Node Node
}

// Kind identifies which variant a Node holds.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindFile
	KindDirectory
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	}
	return "invalid"
}

// Node holds exactly one of File, Directory or Symlink. The zero Node is
// invalid.
type Node struct {
	kind Kind
	file File
	dir  Directory
	link Symlink
}

// FileNode wraps a regular file.
func FileNode(f File) Node {
	return Node{kind: KindFile, file: f}
}

// DirNode wraps a directory.
func DirNode(d Directory) Node {
	return Node{kind: KindDirectory, dir: d}
}

// SymlinkNode wraps a symbolic link.
func SymlinkNode(s Symlink) Node {
	return Node{kind: KindSymlink, link: s}
}

// Kind reports which variant n holds.
func (n Node) Kind() Kind {
	return n.kind
}

// IsValid reports whether n holds a variant. The zero Node does not.
func (n Node) IsValid() bool {
	return n.kind != KindInvalid
}

// AsFile returns the file variant and whether n is a file.
func (n Node) AsFile() (File, bool) {
	return n.file, n.kind == KindFile
}

// AsDirectory returns the directory variant and whether n is a directory.
func (n Node) AsDirectory() (Directory, bool) {
	return n.dir, n.kind == KindDirectory
}

// AsSymlink returns the symlink variant and whether n is a symlink.
func (n Node) AsSymlink() (Symlink, bool) {
	return n.link, n.kind == KindSymlink
}

// Meta returns the live variant.
func (n Node) Meta() Meta {
	switch n.kind {
	case KindFile:
		return n.file
	case KindDirectory:
		return n.dir
	case KindSymlink:
		return n.link
	}
	panic(fmt.Sprintf("vfs: Meta on %s node", n.kind))
}

// Lister is the part of Directory that ScanByName needs.
type Lister interface {
	Files(ctx context.Context) ([]Entry, error)
}

// ScanByName finds name with a linear scan over d.Files.
func ScanByName(ctx context.Context, d Lister, name string) (Node, error) {
	entries, err := d.Files(ctx)
	if err != nil {
		return Node{}, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e.Node, nil
		}
	}
	return Node{}, NotFound(name)
}
