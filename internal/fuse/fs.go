// Package fuse serves a vfs node tree over the low-level go-fuse protocol.
package fuse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/radryc/scfs/internal/stream"
	"github.com/radryc/scfs/internal/vfs"
)

// RootIno is the inode number of the filesystem root.
const RootIno = fuse.FUSE_ROOT_ID

// DefaultAttrTTL is the kernel attribute and entry cache timeout.
const DefaultAttrTTL = 30 * time.Second

// writeFlags are open flags that imply modification.
const writeFlags = syscall.O_WRONLY | syscall.O_RDWR | syscall.O_APPEND |
	syscall.O_CREAT | syscall.O_EXCL | syscall.O_TRUNC

// Options configures an FS.
type Options struct {
	// AttrTTL is sent with every entry and attribute reply. Zero means
	// DefaultAttrTTL.
	AttrTTL time.Duration

	// Uid and Gid own every node whose metadata leaves them zero.
	// Zero means the current process.
	Uid uint32
	Gid uint32

	Logger *slog.Logger
}

type childKey struct {
	parent uint64
	name   string
}

type readHandle struct {
	ino uint64
	mu  sync.Mutex
	r   io.ReadSeekCloser
}

type dirSnapshotEntry struct {
	name string
	node vfs.Node
	ino  uint64
}

type dirHandle struct {
	ino     uint64
	entries []dirSnapshotEntry
}

// FS answers FUSE requests from a vfs node tree.
//
// Inodes are assigned from a counter and remembered per (parent, name), so a
// name always maps to the same inode for the life of the mount. Nodes are
// never forgotten. One mutex guards the tables; backend calls run without it.
type FS struct {
	fuse.RawFileSystem

	attrTTL time.Duration
	uid     uint32
	gid     uint32
	logger  *slog.Logger

	mu             sync.Mutex
	nodes          map[uint64]vfs.Node
	inodes         map[childKey]uint64
	nextIno        uint64
	readHandles    map[uint64]*readHandle
	nextReadHandle uint64
	dirHandles     map[uint64]*dirHandle
	nextDirHandle  uint64
}

var _ fuse.RawFileSystem = (*FS)(nil)

// New returns an FS rooted at root, which is wrapped in a vfs.DirCache.
func New(root vfs.Directory, opts Options) *FS {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.AttrTTL
	if ttl == 0 {
		ttl = DefaultAttrTTL
	}
	uid, gid := opts.Uid, opts.Gid
	if uid == 0 && gid == 0 {
		uid, gid = uint32(os.Getuid()), uint32(os.Getgid())
	}

	fs := &FS{
		RawFileSystem:  fuse.NewDefaultRawFileSystem(),
		attrTTL:        ttl,
		uid:            uid,
		gid:            gid,
		logger:         logger.With("component", "fuse", "instance", uuid.NewString()),
		nodes:          make(map[uint64]vfs.Node),
		inodes:         make(map[childKey]uint64),
		nextIno:        RootIno + 1,
		readHandles:    make(map[uint64]*readHandle),
		nextReadHandle: 1,
		dirHandles:     make(map[uint64]*dirHandle),
		nextDirHandle:  1,
	}
	fs.nodes[RootIno] = vfs.DirNode(vfs.NewDirCache(root))
	return fs
}

func (fs *FS) String() string { return "scfs" }

func (fs *FS) Init(*fuse.Server) {
	fs.logger.Info("filesystem initialized")
}

func (fs *FS) OnUnmount() {
	fs.logger.Info("filesystem unmounted")
}

// recoverPanic turns a panic in a handler into EIO.
func (fs *FS) recoverPanic(op string, status *fuse.Status) {
	if r := recover(); r != nil {
		fs.logger.Error("panic in handler", "op", op, "panic", r, "stack", string(debug.Stack()))
		if status != nil {
			*status = fuse.EIO
		}
	}
}

func requestContext(cancel <-chan struct{}, h *fuse.InHeader) context.Context {
	return &fuse.Context{Caller: h.Caller, Cancel: cancel}
}

func toStatus(err error) fuse.Status {
	return fuse.Status(vfs.Errno(err))
}

func (fs *FS) node(ino uint64) (vfs.Node, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.nodes[ino]
	return n, ok
}

// assign returns the inode for (parent, name), installing n if the pair is
// new. An existing node is kept so its caches survive.
func (fs *FS) assign(parent uint64, name string, n vfs.Node) (uint64, vfs.Node) {
	key := childKey{parent: parent, name: name}
	if ino, ok := fs.inodes[key]; ok {
		return ino, fs.nodes[ino]
	}
	ino := fs.nextIno
	fs.nextIno++
	fs.inodes[key] = ino
	fs.nodes[ino] = n
	return ino, n
}

func (fs *FS) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) (status fuse.Status) {
	defer fs.recoverPanic("lookup", &status)
	fs.logger.Debug("lookup", "parent", header.NodeId, "name", name)

	parent, ok := fs.node(header.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	dir, ok := parent.AsDirectory()
	if !ok {
		return fuse.ENOTDIR
	}

	child, err := dir.FileByName(requestContext(cancel, header), name)
	if err != nil {
		if !errors.Is(err, vfs.ErrNotFound) {
			fs.logger.Error("lookup failed", "parent", header.NodeId, "name", name, "error", err)
		}
		return toStatus(err)
	}

	fs.mu.Lock()
	ino, child := fs.assign(header.NodeId, name, child)
	fs.mu.Unlock()

	if err := fs.fillAttr(ino, child, &out.Attr); err != nil {
		fs.logger.Error("lookup: attributes failed", "ino", ino, "name", name, "error", err)
		return toStatus(err)
	}
	out.NodeId = ino
	out.SetEntryTimeout(fs.attrTTL)
	out.SetAttrTimeout(fs.attrTTL)
	return fuse.OK
}

func (fs *FS) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) (status fuse.Status) {
	defer fs.recoverPanic("getattr", &status)
	fs.logger.Debug("getattr", "ino", input.NodeId)

	n, ok := fs.node(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	if err := fs.fillAttr(input.NodeId, n, &out.Attr); err != nil {
		fs.logger.Error("getattr failed", "ino", input.NodeId, "error", err)
		return toStatus(err)
	}
	out.SetTimeout(fs.attrTTL)
	return fuse.OK
}

func (fs *FS) Readlink(cancel <-chan struct{}, header *fuse.InHeader) (out []byte, status fuse.Status) {
	defer fs.recoverPanic("readlink", &status)
	fs.logger.Debug("readlink", "ino", header.NodeId)

	n, ok := fs.node(header.NodeId)
	if !ok {
		return nil, fuse.ENOENT
	}
	link, ok := n.AsSymlink()
	if !ok {
		return nil, fuse.EINVAL
	}
	target, err := link.ReadLink()
	if err != nil {
		fs.logger.Error("readlink failed", "ino", header.NodeId, "error", err)
		return nil, toStatus(err)
	}
	return []byte(target), fuse.OK
}

func (fs *FS) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) (status fuse.Status) {
	defer fs.recoverPanic("open", &status)
	fs.logger.Debug("open", "ino", input.NodeId, "flags", input.Flags)

	if input.Flags&writeFlags != 0 {
		return fuse.EROFS
	}
	n, ok := fs.node(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	file, ok := n.AsFile()
	if !ok {
		return fuse.EISDIR
	}

	r, err := file.OpenRO(requestContext(cancel, &input.InHeader))
	if err != nil {
		fs.logger.Error("open failed", "ino", input.NodeId, "error", err)
		return fuse.EIO
	}

	fs.mu.Lock()
	fh := fs.nextReadHandle
	fs.nextReadHandle++
	fs.readHandles[fh] = &readHandle{ino: input.NodeId, r: r}
	fs.mu.Unlock()

	out.Fh = fh
	out.OpenFlags = fuse.FOPEN_KEEP_CACHE
	return fuse.OK
}

func (fs *FS) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (result fuse.ReadResult, status fuse.Status) {
	defer fs.recoverPanic("read", &status)

	fs.mu.Lock()
	h, ok := fs.readHandles[input.Fh]
	fs.mu.Unlock()
	if !ok {
		fs.logger.Warn("read on unknown handle", "fh", input.Fh)
		return nil, toStatus(vfs.ErrBadHandle)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.r.Seek(int64(input.Offset), io.SeekStart); err != nil {
		if errors.Is(err, stream.ErrOutOfRange) {
			return fuse.ReadResultData(nil), fuse.OK
		}
		fs.logger.Error("read: seek failed", "ino", h.ino, "offset", input.Offset, "error", err)
		return nil, fuse.EIO
	}

	n, err := readFull(h.r, buf)
	if err != nil {
		fs.logger.Error("read failed", "ino", h.ino, "offset", input.Offset, "error", err)
		return nil, fuse.EIO
	}
	fs.logger.Debug("read", "ino", h.ino, "offset", input.Offset, "size", len(buf), "bytes", n)
	return fuse.ReadResultData(buf[:n]), fuse.OK
}

// readFull reads until buf is full or a read makes no progress. Short
// results at end of stream are not errors.
func readFull(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err == io.EOF || (m == 0 && err == nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (fs *FS) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	defer fs.recoverPanic("release", nil)

	fs.mu.Lock()
	h, ok := fs.readHandles[input.Fh]
	delete(fs.readHandles, input.Fh)
	fs.mu.Unlock()
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.r.Close(); err != nil {
		fs.logger.Warn("release: close failed", "ino", h.ino, "error", err)
	}
}

func (fs *FS) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) (status fuse.Status) {
	defer fs.recoverPanic("opendir", &status)
	fs.logger.Debug("opendir", "ino", input.NodeId)

	n, ok := fs.node(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	dir, ok := n.AsDirectory()
	if !ok {
		return fuse.ENOTDIR
	}

	entries, err := dir.Files(requestContext(cancel, &input.InHeader))
	if err != nil {
		fs.logger.Error("opendir failed", "ino", input.NodeId, "error", err)
		return toStatus(err)
	}

	snapshot := make([]dirSnapshotEntry, 0, len(entries))
	fs.mu.Lock()
	for _, e := range entries {
		ino, node := fs.assign(input.NodeId, e.Name, e.Node)
		snapshot = append(snapshot, dirSnapshotEntry{name: e.Name, node: node, ino: ino})
	}
	fh := fs.nextDirHandle
	fs.nextDirHandle++
	fs.dirHandles[fh] = &dirHandle{ino: input.NodeId, entries: snapshot}
	fs.mu.Unlock()

	out.Fh = fh
	return fuse.OK
}

func (fs *FS) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) (status fuse.Status) {
	defer fs.recoverPanic("readdir", &status)

	fs.mu.Lock()
	h, ok := fs.dirHandles[input.Fh]
	fs.mu.Unlock()
	if !ok {
		return toStatus(vfs.ErrBadHandle)
	}

	for i := input.Offset; i < uint64(len(h.entries)); i++ {
		e := h.entries[i]
		if !out.AddDirEntry(fuse.DirEntry{
			Name: e.name,
			Mode: kindMode(e.node.Kind()),
			Ino:  e.ino,
			Off:  i + 1,
		}) {
			break
		}
	}
	return fuse.OK
}

func (fs *FS) ReleaseDir(input *fuse.ReleaseIn) {
	fs.mu.Lock()
	delete(fs.dirHandles, input.Fh)
	fs.mu.Unlock()
}

func (fs *FS) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	return fuse.OK
}

func (fs *FS) StatFs(cancel <-chan struct{}, header *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	*out = fuse.StatfsOut{
		Bsize:   blockSize,
		Frsize:  blockSize,
		NameLen: 255,
	}
	return fuse.OK
}

// Stats reports table sizes.
func (fs *FS) Stats() (inodes, readHandles, dirHandles int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.nodes), len(fs.readHandles), len(fs.dirHandles)
}

func (fs *FS) readOnly(op string) fuse.Status {
	fs.logger.Debug("rejected write operation", "op", op)
	return toStatus(fmt.Errorf("%s: %w", op, vfs.ErrReadOnly))
}

func (fs *FS) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	return fs.readOnly("setattr")
}

func (fs *FS) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	return fs.readOnly("mknod")
}

func (fs *FS) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	return fs.readOnly("mkdir")
}

func (fs *FS) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return fs.readOnly("unlink")
}

func (fs *FS) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return fs.readOnly("rmdir")
}

func (fs *FS) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName, newName string) fuse.Status {
	return fs.readOnly("rename")
}

func (fs *FS) Link(cancel <-chan struct{}, input *fuse.LinkIn, filename string, out *fuse.EntryOut) fuse.Status {
	return fs.readOnly("link")
}

func (fs *FS) Symlink(cancel <-chan struct{}, header *fuse.InHeader, pointedTo, linkName string, out *fuse.EntryOut) fuse.Status {
	return fs.readOnly("symlink")
}

func (fs *FS) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	return fs.readOnly("create")
}

func (fs *FS) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	return 0, fs.readOnly("write")
}

func (fs *FS) CopyFileRange(cancel <-chan struct{}, input *fuse.CopyFileRangeIn) (uint32, fuse.Status) {
	return 0, fs.readOnly("copy_file_range")
}

func (fs *FS) Fallocate(cancel <-chan struct{}, input *fuse.FallocateIn) fuse.Status {
	return fs.readOnly("fallocate")
}

func (fs *FS) SetXAttr(cancel <-chan struct{}, input *fuse.SetXAttrIn, attr string, data []byte) fuse.Status {
	return fs.readOnly("setxattr")
}

func (fs *FS) RemoveXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string) fuse.Status {
	return fs.readOnly("removexattr")
}
