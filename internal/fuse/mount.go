package fuse

import (
	"fmt"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountOptions controls how the kernel sees the filesystem.
type MountOptions struct {
	AllowOther  bool
	AutoUnmount bool
	Debug       bool
	// MountTimeout bounds the wait for the kernel to acknowledge the mount.
	// Zero waits indefinitely.
	MountTimeout time.Duration
}

// Mount serves fs at mountpoint read-only. The caller owns the returned
// server and must call Unmount and Wait.
func Mount(mountpoint string, fs *FS, opts MountOptions) (*fuse.Server, error) {
	options := []string{"ro"}
	if opts.AutoUnmount {
		options = append(options, "auto_unmount")
	}

	server, err := fuse.NewServer(fs, mountpoint, &fuse.MountOptions{
		AllowOther:         opts.AllowOther,
		Options:            options,
		FsName:             "scfs",
		Name:               "scfs",
		Debug:              opts.Debug,
		DisableXAttrs:      true,
		DisableReadDirPlus: true,
	})
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", mountpoint, err)
	}

	go server.Serve()

	waitErr := make(chan error, 1)
	go func() { waitErr <- server.WaitMount() }()

	var timeout <-chan time.Time
	if opts.MountTimeout > 0 {
		t := time.NewTimer(opts.MountTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case err := <-waitErr:
		if err != nil {
			_ = server.Unmount()
			return nil, fmt.Errorf("wait for mount %s: %w", mountpoint, err)
		}
	case <-timeout:
		_ = server.Unmount()
		return nil, fmt.Errorf("mount %s: timed out after %s", mountpoint, opts.MountTimeout)
	}

	fs.logger.Info("filesystem mounted", "mountpoint", mountpoint, "allow_other", opts.AllowOther)
	return server, nil
}
