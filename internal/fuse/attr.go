package fuse

import (
	"fmt"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/radryc/scfs/internal/vfs"
)

const blockSize = 1024

func kindMode(k vfs.Kind) uint32 {
	switch k {
	case vfs.KindFile:
		return syscall.S_IFREG
	case vfs.KindDirectory:
		return syscall.S_IFDIR
	case vfs.KindSymlink:
		return syscall.S_IFLNK
	}
	return 0
}

// fillAttr computes attributes without opening files or listing directories.
func (fs *FS) fillAttr(ino uint64, n vfs.Node, out *fuse.Attr) error {
	if !n.IsValid() {
		return fmt.Errorf("inode %d: %w", ino, vfs.ErrBackend)
	}
	md, err := n.Meta().Metadata()
	if err != nil {
		return err
	}

	var size uint64
	switch n.Kind() {
	case vfs.KindFile:
		f, _ := n.AsFile()
		if size, err = f.Size(); err != nil {
			return err
		}
	case vfs.KindSymlink:
		l, _ := n.AsSymlink()
		target, err := l.ReadLink()
		if err != nil {
			return err
		}
		size = uint64(len(target))
	}

	uid, gid := md.Uid, md.Gid
	if uid == 0 {
		uid = fs.uid
	}
	if gid == 0 {
		gid = fs.gid
	}

	*out = fuse.Attr{
		Ino:     ino,
		Size:    size,
		Blocks:  size / blockSize,
		Mode:    kindMode(n.Kind()) | uint32(md.Perm&0o7777),
		Nlink:   1,
		Owner:   fuse.Owner{Uid: uid, Gid: gid},
		Blksize: blockSize,
	}
	if !md.Mtime.IsZero() {
		out.SetTimes(&md.Mtime, &md.Mtime, nil)
	}
	if !md.Ctime.IsZero() {
		out.Ctime = uint64(md.Ctime.Unix())
		out.Ctimensec = uint32(md.Ctime.Nanosecond())
	}
	return nil
}
