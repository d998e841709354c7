// Package mapping presents catalog users and tracks as a vfs tree.
//
// The root lists the configured users. Each user directory holds the user's
// tracks as mp3 files and, for configured users only, a favorites directory
// and a following directory of symlinks back to the root.
package mapping

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/radryc/scfs/internal/client"
	"github.com/radryc/scfs/internal/id3tag"
	"github.com/radryc/scfs/internal/mp3"
	"github.com/radryc/scfs/internal/stream"
	"github.com/radryc/scfs/internal/vfs"
)

const (
	dirPerm  = 0o555
	filePerm = 0o444
	linkPerm = 0o555

	favoritesName = "favorites"
	followingName = "following"
)

// Catalog is the part of the catalog client the tree needs. *client.Client
// implements it.
type Catalog interface {
	UserByName(ctx context.Context, permalink string) (*client.User, error)
	Tracks(ctx context.Context, u *client.User) ([]client.Track, error)
	Favorites(ctx context.Context, u *client.User) ([]client.Track, error)
	Followings(ctx context.Context, u *client.User) ([]client.User, error)
	Audio(ctx context.Context, t *client.Track) (*stream.RangeSeeker, error)
	Artwork(ctx context.Context, t *client.Track) ([]byte, string, error)
}

// Options configures the tree.
type Options struct {
	// Users are the permalinks listed at the root.
	Users []string
	// MPEGPadding surrounds the audio with a CBR header and silent frames.
	MPEGPadding bool
	ID3         id3tag.Options
	// TagParallelism bounds concurrent tag builds while listing. Zero
	// means 8.
	TagParallelism int
	Logger         *slog.Logger
}

type mapper struct {
	cat    Catalog
	opts   Options
	logger *slog.Logger
}

// NewRoot returns the root directory of the tree.
func NewRoot(cat Catalog, opts Options) *vfs.DirCache {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TagParallelism <= 0 {
		opts.TagParallelism = 8
	}
	m := &mapper{cat: cat, opts: opts, logger: logger.With("component", "mapping")}
	return vfs.NewDirCache(&rootDir{m: m, mtime: time.Now()})
}

func dirMeta(mtime time.Time) vfs.Metadata {
	return vfs.Metadata{Mtime: mtime, Ctime: mtime, Perm: dirPerm}
}

type rootDir struct {
	m     *mapper
	mtime time.Time
}

func (d *rootDir) Metadata() (vfs.Metadata, error) { return dirMeta(d.mtime), nil }

// Files resolves every configured user concurrently. Users that do not
// exist are left out; any other failure fails the listing so it is retried.
func (d *rootDir) Files(ctx context.Context) ([]vfs.Entry, error) {
	entries := make([]vfs.Entry, len(d.m.opts.Users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, name := range d.m.opts.Users {
		g.Go(func() error {
			u, err := d.m.cat.UserByName(gctx, name)
			if errors.Is(err, vfs.ErrNotFound) {
				d.m.logger.Warn("configured user does not exist", "user", name)
				return nil
			}
			if err != nil {
				d.m.logger.Error("failed to resolve user", "user", name, "error", err)
				return vfs.BackendError(fmt.Errorf("user %s: %w", name, err))
			}
			entries[i] = vfs.Entry{Name: name, Node: d.m.userNode(u, true)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := entries[:0]
	for _, e := range entries {
		if e.Node.IsValid() {
			out = append(out, e)
		}
	}
	return out, nil
}

// rejectedName reports names probed by desktop environments and media
// players that never name a user.
func rejectedName(name string) bool {
	return strings.HasPrefix(name, ".") || name == "autorun.inf" || name == "BDMV"
}

func (d *rootDir) FileByName(ctx context.Context, name string) (vfs.Node, error) {
	if rejectedName(name) {
		return vfs.Node{}, vfs.NotFound(name)
	}
	u, err := d.m.cat.UserByName(ctx, name)
	if err != nil {
		return vfs.Node{}, err
	}
	return d.m.userNode(u, slices.Contains(d.m.opts.Users, name)), nil
}

// listed resolves names from the memoized listing of the directory that
// embeds it, so a lookup never fetches a listing twice.
type listed struct {
	cache *vfs.DirCache
}

func (l *listed) FileByName(ctx context.Context, name string) (vfs.Node, error) {
	return vfs.ScanByName(ctx, l.cache, name)
}

func (m *mapper) userNode(u *client.User, recurse bool) vfs.Node {
	d := &userDir{m: m, user: u, recurse: recurse}
	d.cache = vfs.NewDirCache(d)
	return vfs.DirNode(d.cache)
}

type userDir struct {
	listed
	m       *mapper
	user    *client.User
	recurse bool
}

func (d *userDir) Metadata() (vfs.Metadata, error) { return dirMeta(d.user.LastModified.Time), nil }

func (d *userDir) Files(ctx context.Context) ([]vfs.Entry, error) {
	tracks, err := d.m.cat.Tracks(ctx, d.user)
	if err != nil {
		d.m.logger.Error("failed to list tracks", "user", d.user.Permalink, "error", err)
		return nil, err
	}
	var entries []vfs.Entry
	if d.recurse {
		entries = append(entries,
			vfs.Entry{Name: favoritesName, Node: d.m.favoritesNode(d.user)},
			vfs.Entry{Name: followingName, Node: d.m.followingNode(d.user)},
		)
	}
	return append(entries, d.m.trackEntries(ctx, tracks)...), nil
}

func (m *mapper) favoritesNode(u *client.User) vfs.Node {
	d := &favoritesDir{m: m, user: u}
	d.cache = vfs.NewDirCache(d)
	return vfs.DirNode(d.cache)
}

type favoritesDir struct {
	listed
	m    *mapper
	user *client.User
}

func (d *favoritesDir) Metadata() (vfs.Metadata, error) {
	return dirMeta(d.user.LastModified.Time), nil
}

func (d *favoritesDir) Files(ctx context.Context) ([]vfs.Entry, error) {
	tracks, err := d.m.cat.Favorites(ctx, d.user)
	if err != nil {
		d.m.logger.Error("failed to list favorites", "user", d.user.Permalink, "error", err)
		return nil, err
	}
	return d.m.trackEntries(ctx, tracks), nil
}

func (m *mapper) followingNode(u *client.User) vfs.Node {
	d := &followingDir{m: m, user: u}
	d.cache = vfs.NewDirCache(d)
	return vfs.DirNode(d.cache)
}

type followingDir struct {
	listed
	m    *mapper
	user *client.User
}

func (d *followingDir) Metadata() (vfs.Metadata, error) {
	return dirMeta(d.user.LastModified.Time), nil
}

func (d *followingDir) Files(ctx context.Context) ([]vfs.Entry, error) {
	users, err := d.m.cat.Followings(ctx, d.user)
	if err != nil {
		d.m.logger.Error("failed to list followings", "user", d.user.Permalink, "error", err)
		return nil, err
	}
	entries := make([]vfs.Entry, 0, len(users))
	for _, u := range users {
		entries = append(entries, vfs.Entry{Name: u.Permalink, Node: vfs.SymlinkNode(userLink{user: u})})
	}
	return entries, nil
}

// userLink points from a following directory back to the user at the root.
type userLink struct {
	user client.User
}

func (l userLink) Metadata() (vfs.Metadata, error) {
	t := l.user.LastModified.Time
	return vfs.Metadata{Mtime: t, Ctime: t, Perm: linkPerm}, nil
}

func (l userLink) ReadLink() (string, error) {
	return "../../" + l.user.Permalink, nil
}

// TrackName is the file name of a track.
func TrackName(t *client.Track) string {
	return t.User.Permalink + "_-_" + t.Permalink + ".mp3"
}

// trackEntries maps tracks to files. The first track wins a name collision.
// Tags, including any artwork, are built here so that a file's size is
// known without network I/O. Tracks whose tag cannot be built are left out.
func (m *mapper) trackEntries(ctx context.Context, tracks []client.Track) []vfs.Entry {
	var unique []client.Track
	seen := make(map[string]bool, len(tracks))
	for _, t := range tracks {
		name := TrackName(&t)
		if seen[name] {
			m.logger.Debug("duplicate track name", "name", name, "track", t.ID)
			continue
		}
		seen[name] = true
		unique = append(unique, t)
	}

	files := make([]*trackFile, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.TagParallelism)
	for i := range unique {
		g.Go(func() error {
			tag, err := id3tag.Build(gctx, &unique[i], m.cat, m.opts.ID3, m.logger)
			if err != nil {
				m.logger.Error("failed to build tag", "track", unique[i].ID, "error", err)
				return nil
			}
			files[i] = &trackFile{m: m, track: unique[i], tag: tag}
			return nil
		})
	}
	g.Wait()

	entries := make([]vfs.Entry, 0, len(files))
	for _, f := range files {
		if f != nil {
			entries = append(entries, vfs.Entry{Name: TrackName(&f.track), Node: vfs.FileNode(f)})
		}
	}
	return entries
}

// Silent frames around padded audio.
const (
	leadFrames  = 500
	trailFrames = 20
)

type trackFile struct {
	m     *mapper
	track client.Track
	tag   []byte
}

func (f *trackFile) Metadata() (vfs.Metadata, error) {
	return vfs.Metadata{
		Mtime: f.track.LastModified.Time,
		Ctime: f.track.CreatedAt.Time,
		Perm:  filePerm,
	}, nil
}

// remoteSize is the number of audio bytes served from the catalog. With
// padding the first remote frame is replaced by the CBR header frame.
func (f *trackFile) remoteSize() int64 {
	audio := f.track.AudioSize()
	if !f.m.opts.MPEGPadding {
		return audio
	}
	return max(audio-mp3.FrameSize, 0)
}

// bodySize is the size of everything after the tag.
func (f *trackFile) bodySize() int64 {
	if !f.m.opts.MPEGPadding {
		return f.remoteSize()
	}
	return mp3.FrameSize + leadFrames*mp3.FrameSize + f.remoteSize() + trailFrames*mp3.FrameSize
}

func (f *trackFile) Size() (uint64, error) {
	return uint64(int64(len(f.tag)) + f.bodySize()), nil
}

// audioOpener fetches a track's audio on first use, drops the leading skip
// bytes and holds the result to exactly size bytes.
type audioOpener struct {
	cat    Catalog
	track  *client.Track
	skip   int64
	size   int64
	logger *slog.Logger
}

func (o audioOpener) Open() (io.ReadSeeker, error) {
	rs, err := o.cat.Audio(context.Background(), o.track)
	if err != nil {
		o.logger.Error("failed to open audio", "track", o.track.ID, "error", err)
		return nil, err
	}
	return stream.NewFixed(stream.NewSkip(rs, o.skip), o.size), nil
}

// OpenRO composes the tag, the optional padding and the remote audio. The
// audio is requested only when a read reaches it.
func (f *trackFile) OpenRO(ctx context.Context) (io.ReadSeekCloser, error) {
	size := f.remoteSize()
	opener := audioOpener{cat: f.m.cat, track: &f.track, size: size, logger: f.m.logger}
	if f.m.opts.MPEGPadding {
		opener.skip = mp3.FrameSize
	}
	remote := stream.NewLazyOpen(opener, stream.WithSizeHint(size))

	if !f.m.opts.MPEGPadding {
		return stream.NewConcat(bytes.NewReader(f.tag), remote), nil
	}

	// The header frame counts itself in the declared length.
	header, err := mp3.CBRHeader(f.bodySize())
	if err != nil {
		return nil, vfs.BackendError(err)
	}
	return stream.NewConcat(
		bytes.NewReader(f.tag),
		bytes.NewReader(header),
		mp3.ZeroFrames(leadFrames),
		remote,
		mp3.ZeroFrames(trailFrames),
	), nil
}
