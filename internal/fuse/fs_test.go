package fuse

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/radryc/scfs/internal/vfs"
)

var testMtime = time.Date(2018, 11, 6, 12, 0, 0, 0, time.UTC)

type memFile struct {
	data   []byte
	opens  int
	closed int
	err    error
}

func (f *memFile) Metadata() (vfs.Metadata, error) {
	return vfs.Metadata{Mtime: testMtime, Perm: 0o444}, nil
}

func (f *memFile) Size() (uint64, error) { return uint64(len(f.data)), nil }

func (f *memFile) OpenRO(ctx context.Context) (io.ReadSeekCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.opens++
	return &closeCounter{Reader: bytes.NewReader(f.data), f: f}, nil
}

type closeCounter struct {
	*bytes.Reader
	f *memFile
}

func (c *closeCounter) Close() error {
	c.f.closed++
	return nil
}

type memLink string

func (l memLink) Metadata() (vfs.Metadata, error) { return vfs.Metadata{Perm: 0o555}, nil }
func (l memLink) ReadLink() (string, error)       { return string(l), nil }

type memDir struct {
	entries []vfs.Entry
	err     error
}

func (d *memDir) Metadata() (vfs.Metadata, error) {
	return vfs.Metadata{Mtime: testMtime, Perm: 0o555}, nil
}

func (d *memDir) Files(ctx context.Context) ([]vfs.Entry, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.entries, nil
}

func (d *memDir) FileByName(ctx context.Context, name string) (vfs.Node, error) {
	if d.err != nil {
		return vfs.Node{}, d.err
	}
	return vfs.ScanByName(ctx, d, name)
}

func newTestFS(t *testing.T, root vfs.Directory) *FS {
	t.Helper()
	return New(root, Options{Uid: 1000, Gid: 1000, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func header(ino uint64) fuse.InHeader {
	return fuse.InHeader{NodeId: ino}
}

func lookup(t *testing.T, fs *FS, parent uint64, name string) (uint64, fuse.Attr) {
	t.Helper()
	h := header(parent)
	var out fuse.EntryOut
	if st := fs.Lookup(nil, &h, name, &out); st != fuse.OK {
		t.Fatalf("Lookup(%d, %q) = %v", parent, name, st)
	}
	return out.NodeId, out.Attr
}

// readDirNames decodes the FUSE dirent records written into buf.
func readDirNames(buf []byte) []string {
	var names []string
	for len(buf) >= 24 {
		ino := binary.LittleEndian.Uint64(buf[0:])
		nameLen := int(binary.LittleEndian.Uint32(buf[16:]))
		if ino == 0 || nameLen == 0 {
			break
		}
		names = append(names, string(buf[24:24+nameLen]))
		rec := 24 + nameLen
		rec += (8 - rec&7) & 7
		buf = buf[rec:]
	}
	return names
}

func sampleTree() (*memDir, *memFile) {
	track := &memFile{data: []byte("0123456789abcdef")}
	user := &memDir{entries: []vfs.Entry{
		{Name: "a_-_song.mp3", Node: vfs.FileNode(track)},
	}}
	root := &memDir{entries: []vfs.Entry{
		{Name: "artist", Node: vfs.DirNode(user)},
		{Name: "friend", Node: vfs.SymlinkNode(memLink("../../friend"))},
	}}
	return root, track
}

func TestLookupStableInodes(t *testing.T) {
	root, _ := sampleTree()
	fs := newTestFS(t, root)

	dirIno, attr := lookup(t, fs, RootIno, "artist")
	if dirIno <= RootIno {
		t.Fatalf("expected inode above root, got %d", dirIno)
	}
	if attr.Mode != syscall.S_IFDIR|0o555 {
		t.Errorf("directory mode = %o", attr.Mode)
	}

	again, _ := lookup(t, fs, RootIno, "artist")
	if again != dirIno {
		t.Errorf("second lookup returned inode %d, expected %d", again, dirIno)
	}

	fileIno, attr := lookup(t, fs, dirIno, "a_-_song.mp3")
	if fileIno == dirIno {
		t.Fatal("file shares inode with its directory")
	}
	want := fuse.Attr{
		Ino:     fileIno,
		Size:    16,
		Blocks:  0,
		Mode:    syscall.S_IFREG | 0o444,
		Nlink:   1,
		Owner:   fuse.Owner{Uid: 1000, Gid: 1000},
		Blksize: blockSize,
		Atime:   uint64(testMtime.Unix()),
		Mtime:   uint64(testMtime.Unix()),
	}
	if diff := cmp.Diff(want, attr); diff != "" {
		t.Errorf("file attributes mismatch (-want +got):\n%s", diff)
	}
}

func TestLookupMissing(t *testing.T) {
	root, _ := sampleTree()
	fs := newTestFS(t, root)

	h := header(RootIno)
	var out fuse.EntryOut
	if st := fs.Lookup(nil, &h, "nobody", &out); st != fuse.ENOENT {
		t.Errorf("expected ENOENT, got %v", st)
	}

	h = header(999)
	if st := fs.Lookup(nil, &h, "artist", &out); st != fuse.ENOENT {
		t.Errorf("lookup under unknown inode: expected ENOENT, got %v", st)
	}
}

func TestLookupBackendError(t *testing.T) {
	fs := newTestFS(t, &memDir{err: vfs.BackendError(errors.New("503"))})
	h := header(RootIno)
	var out fuse.EntryOut
	if st := fs.Lookup(nil, &h, "x", &out); st != fuse.EIO {
		t.Errorf("expected EIO, got %v", st)
	}
}

func TestGetAttr(t *testing.T) {
	root, _ := sampleTree()
	fs := newTestFS(t, root)

	var out fuse.AttrOut
	in := fuse.GetAttrIn{InHeader: header(RootIno)}
	if st := fs.GetAttr(nil, &in, &out); st != fuse.OK {
		t.Fatalf("GetAttr(root) = %v", st)
	}
	if out.Ino != RootIno || out.Mode&syscall.S_IFMT != syscall.S_IFDIR {
		t.Errorf("root attributes: ino=%d mode=%o", out.Ino, out.Mode)
	}

	linkIno, attr := lookup(t, fs, RootIno, "friend")
	if attr.Size != uint64(len("../../friend")) {
		t.Errorf("symlink size = %d", attr.Size)
	}
	in = fuse.GetAttrIn{InHeader: header(linkIno)}
	if st := fs.GetAttr(nil, &in, &out); st != fuse.OK || out.Mode != syscall.S_IFLNK|0o555 {
		t.Errorf("GetAttr(symlink) = %v, mode %o", st, out.Mode)
	}

	in = fuse.GetAttrIn{InHeader: header(12345)}
	if st := fs.GetAttr(nil, &in, &out); st != fuse.ENOENT {
		t.Errorf("GetAttr(unknown) = %v, expected ENOENT", st)
	}
}

func TestReadlink(t *testing.T) {
	root, _ := sampleTree()
	fs := newTestFS(t, root)

	linkIno, _ := lookup(t, fs, RootIno, "friend")
	h := header(linkIno)
	target, st := fs.Readlink(nil, &h)
	if st != fuse.OK || string(target) != "../../friend" {
		t.Errorf("Readlink = %q, %v", target, st)
	}

	h = header(RootIno)
	if _, st := fs.Readlink(nil, &h); st != fuse.EINVAL {
		t.Errorf("Readlink on directory = %v, expected EINVAL", st)
	}
}

func TestOpenReadRelease(t *testing.T) {
	root, track := sampleTree()
	fs := newTestFS(t, root)

	dirIno, _ := lookup(t, fs, RootIno, "artist")
	fileIno, _ := lookup(t, fs, dirIno, "a_-_song.mp3")

	open := fuse.OpenIn{InHeader: header(fileIno), Flags: syscall.O_RDONLY}
	var oout fuse.OpenOut
	if st := fs.Open(nil, &open, &oout); st != fuse.OK {
		t.Fatalf("Open = %v", st)
	}
	if oout.OpenFlags&fuse.FOPEN_KEEP_CACHE == 0 {
		t.Error("expected FOPEN_KEEP_CACHE")
	}

	tests := []struct {
		offset uint64
		size   int
		want   string
	}{
		{0, 4, "0123"},
		{10, 4, "abcd"},
		{4, 4, "4567"},
		{12, 100, "cdef"},
		{16, 8, ""},
		{1000, 8, ""},
	}
	for _, tt := range tests {
		in := fuse.ReadIn{InHeader: header(fileIno), Fh: oout.Fh, Offset: tt.offset, Size: uint32(tt.size)}
		res, st := fs.Read(nil, &in, make([]byte, tt.size))
		if st != fuse.OK {
			t.Fatalf("Read(%d, %d) = %v", tt.offset, tt.size, st)
		}
		got, _ := res.Bytes(nil)
		if string(got) != tt.want {
			t.Errorf("Read(%d, %d) = %q, expected %q", tt.offset, tt.size, got, tt.want)
		}
	}

	fs.Release(nil, &fuse.ReleaseIn{InHeader: header(fileIno), Fh: oout.Fh})
	if track.closed != 1 {
		t.Errorf("expected reader closed once, got %d", track.closed)
	}
	if _, handles, _ := fs.Stats(); handles != 0 {
		t.Errorf("expected no open handles, got %d", handles)
	}

	in := fuse.ReadIn{InHeader: header(fileIno), Fh: oout.Fh, Size: 4}
	if _, st := fs.Read(nil, &in, make([]byte, 4)); st != fuse.EBADF {
		t.Errorf("Read after release = %v, expected EBADF", st)
	}
}

func TestOpenRejections(t *testing.T) {
	root, track := sampleTree()
	fs := newTestFS(t, root)
	dirIno, _ := lookup(t, fs, RootIno, "artist")
	fileIno, _ := lookup(t, fs, dirIno, "a_-_song.mp3")

	for _, flags := range []uint32{
		syscall.O_WRONLY,
		syscall.O_RDWR,
		syscall.O_RDONLY | syscall.O_TRUNC,
		syscall.O_RDONLY | syscall.O_APPEND,
		syscall.O_RDONLY | syscall.O_CREAT,
		syscall.O_RDONLY | syscall.O_CREAT | syscall.O_EXCL,
	} {
		in := fuse.OpenIn{InHeader: header(fileIno), Flags: flags}
		var out fuse.OpenOut
		if st := fs.Open(nil, &in, &out); st != fuse.EROFS {
			t.Errorf("Open(flags=%#x) = %v, expected EROFS", flags, st)
		}
	}
	if track.opens != 0 {
		t.Errorf("rejected opens reached the backend %d times", track.opens)
	}

	in := fuse.OpenIn{InHeader: header(dirIno)}
	var out fuse.OpenOut
	if st := fs.Open(nil, &in, &out); st != fuse.EISDIR {
		t.Errorf("Open(directory) = %v, expected EISDIR", st)
	}

	track.err = errors.New("dial tcp: refused")
	in = fuse.OpenIn{InHeader: header(fileIno)}
	if st := fs.Open(nil, &in, &out); st != fuse.EIO {
		t.Errorf("Open with failing backend = %v, expected EIO", st)
	}

	if _, handles, _ := fs.Stats(); handles != 0 {
		t.Errorf("rejected opens left %d read handles", handles)
	}
}

func TestReadDirResume(t *testing.T) {
	var entries []vfs.Entry
	for _, name := range []string{"alpha", "bravo", "charlie", "delta"} {
		entries = append(entries, vfs.Entry{Name: name, Node: vfs.FileNode(&memFile{})})
	}
	fs := newTestFS(t, &memDir{entries: entries})

	open := fuse.OpenIn{InHeader: header(RootIno)}
	var oout fuse.OpenOut
	if st := fs.OpenDir(nil, &open, &oout); st != fuse.OK {
		t.Fatalf("OpenDir = %v", st)
	}

	// Room for two records of a five-byte name.
	buf := make([]byte, 64)
	list := fuse.NewDirEntryList(buf, 0)
	if st := fs.ReadDir(nil, &fuse.ReadIn{InHeader: header(RootIno), Fh: oout.Fh}, list); st != fuse.OK {
		t.Fatalf("ReadDir = %v", st)
	}
	if diff := cmp.Diff([]string{"alpha", "bravo"}, readDirNames(buf)); diff != "" {
		t.Errorf("first batch mismatch (-want +got):\n%s", diff)
	}

	buf = make([]byte, 4096)
	list = fuse.NewDirEntryList(buf, list.Offset)
	if st := fs.ReadDir(nil, &fuse.ReadIn{InHeader: header(RootIno), Fh: oout.Fh, Offset: 2}, list); st != fuse.OK {
		t.Fatalf("ReadDir = %v", st)
	}
	if diff := cmp.Diff([]string{"charlie", "delta"}, readDirNames(buf)); diff != "" {
		t.Errorf("second batch mismatch (-want +got):\n%s", diff)
	}

	buf = make([]byte, 4096)
	list = fuse.NewDirEntryList(buf, 4)
	fs.ReadDir(nil, &fuse.ReadIn{InHeader: header(RootIno), Fh: oout.Fh, Offset: 4}, list)
	if names := readDirNames(buf); len(names) != 0 {
		t.Errorf("expected end of directory, got %v", names)
	}

	// Listed children get the inodes a later lookup returns.
	ino, _ := lookup(t, fs, RootIno, "charlie")
	inodes, _, dirs := fs.Stats()
	if inodes != 5 || dirs != 1 {
		t.Errorf("expected 5 inodes and 1 dir handle, got %d and %d", inodes, dirs)
	}
	if ino < 2 || ino > 5 {
		t.Errorf("lookup of listed name assigned new inode %d", ino)
	}

	fs.ReleaseDir(&fuse.ReleaseIn{Fh: oout.Fh})
	if _, _, dirs := fs.Stats(); dirs != 0 {
		t.Errorf("expected dir handle released, got %d", dirs)
	}
}

func TestOpenDirErrors(t *testing.T) {
	root, _ := sampleTree()
	fs := newTestFS(t, root)
	linkIno, _ := lookup(t, fs, RootIno, "friend")

	var out fuse.OpenOut
	if st := fs.OpenDir(nil, &fuse.OpenIn{InHeader: header(linkIno)}, &out); st != fuse.ENOTDIR {
		t.Errorf("OpenDir(symlink) = %v, expected ENOTDIR", st)
	}

	list := fuse.NewDirEntryList(make([]byte, 64), 0)
	if st := fs.ReadDir(nil, &fuse.ReadIn{Fh: 77}, list); st != fuse.EBADF {
		t.Errorf("ReadDir(unknown handle) = %v, expected EBADF", st)
	}
}

func TestWritesRejected(t *testing.T) {
	root, _ := sampleTree()
	fs := newTestFS(t, root)
	h := header(RootIno)

	statuses := map[string]fuse.Status{
		"mkdir":   fs.Mkdir(nil, &fuse.MkdirIn{InHeader: h}, "x", &fuse.EntryOut{}),
		"create":  fs.Create(nil, &fuse.CreateIn{InHeader: h}, "x", &fuse.CreateOut{}),
		"unlink":  fs.Unlink(nil, &h, "artist"),
		"rmdir":   fs.Rmdir(nil, &h, "artist"),
		"rename":  fs.Rename(nil, &fuse.RenameIn{InHeader: h}, "artist", "other"),
		"symlink": fs.Symlink(nil, &h, "target", "name", &fuse.EntryOut{}),
		"setattr": fs.SetAttr(nil, &fuse.SetAttrIn{}, &fuse.AttrOut{}),
	}
	_, st := fs.Write(nil, &fuse.WriteIn{InHeader: h}, []byte("x"))
	statuses["write"] = st

	for op, st := range statuses {
		if st != fuse.EROFS {
			t.Errorf("%s = %v, expected EROFS", op, st)
		}
	}
}

func TestStatFs(t *testing.T) {
	fs := newTestFS(t, &memDir{})
	var out fuse.StatfsOut
	h := header(RootIno)
	if st := fs.StatFs(nil, &h, &out); st != fuse.OK {
		t.Fatalf("StatFs = %v", st)
	}
	if out.Bsize != blockSize || out.NameLen != 255 || out.Bfree != 0 {
		t.Errorf("unexpected statfs %+v", out)
	}
}

// panicDir blows up on every lookup.
type panicDir struct{ memDir }

func (d *panicDir) FileByName(ctx context.Context, name string) (vfs.Node, error) {
	panic("boom")
}

func TestHandlerPanicBecomesEIO(t *testing.T) {
	fs := newTestFS(t, &panicDir{})
	h := header(RootIno)
	var out fuse.EntryOut
	if st := fs.Lookup(nil, &h, "x", &out); st != fuse.EIO {
		t.Errorf("expected EIO after panic, got %v", st)
	}
}
