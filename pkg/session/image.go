package session

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"modernc.org/sqlite"
	"modernc.org/sqlite/vfs"

	"github.com/forest6511/pmvault/pkg/pool"
)

// The modernc.org/sqlite driver connection exposes the SQLite serialize
// and backup APIs on its raw connection.
type serializer interface {
	Serialize() ([]byte, error)
}

type restorer interface {
	NewRestore(srcURI string) (*sqlite.Backup, error)
}

// imageName is the file name the image is served under by its VFS.
const imageName = "vault.db"

var errNoSerialize = errors.New("session: sqlite driver does not support serialize or restore")

// openMemory opens a fresh in-memory database and loads image into it. A nil
// image yields an empty database. The schema is migrated either way.
//
// An in-memory database lives in exactly one SQLite connection, so the
// handle is pinned to a single connection that is never recycled.
func openMemory(ctx context.Context, profileID string, busyTimeout time.Duration, image []byte) (*sql.DB, string, error) {
	uri := pool.MemoryDSN("pmvault-"+profileID, busyTimeout)
	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, "", fmt.Errorf("session: failed to open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := loadImage(ctx, db, image); err != nil {
		db.Close()
		return nil, "", err
	}
	return db, uri, nil
}

func loadImage(ctx context.Context, db *sql.DB, image []byte) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("session: failed to open in-memory connection: %w", err)
	}
	defer conn.Close()

	if image != nil {
		if err := restoreImage(ctx, conn, image); err != nil {
			return err
		}
	}

	var result string
	if err := conn.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return corrupted(fmt.Errorf("session: integrity check failed: %w", err))
	}
	if result != "ok" {
		return corrupted(fmt.Errorf("session: integrity check: %s", result))
	}
	return Migrate(ctx, conn)
}

// restoreImage copies image into conn's main database with the SQLite backup
// API. The image is served read-only from Go memory through a VFS, so SQLite
// never takes ownership of the buffer.
func restoreImage(ctx context.Context, conn *sql.Conn, image []byte) error {
	if !bytes.HasPrefix(image, sqliteHeader) || len(image) < 100 {
		return corrupted(errors.New("session: vault image is not an SQLite database"))
	}
	// An in-memory destination cannot change its page size once the copy
	// starts, so it must match the image before the first page lands.
	pageSize := int(binary.BigEndian.Uint16(image[16:18]))
	if pageSize == 1 {
		pageSize = 65536
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA page_size = %d", pageSize)); err != nil {
		return corrupted(fmt.Errorf("session: failed to size vault image: %w", err))
	}

	name, fsys, err := vfs.New(imageFS{data: image})
	if err != nil {
		return fmt.Errorf("session: failed to register image VFS: %w", err)
	}
	defer fsys.Close()

	src := "file:" + imageName + "?vfs=" + url.QueryEscape(name) + "&mode=ro"
	err = conn.Raw(func(dc any) error {
		r, ok := dc.(restorer)
		if !ok {
			return errNoSerialize
		}
		b, err := r.NewRestore(src)
		if err != nil {
			return err
		}
		_, stepErr := b.Step(-1)
		// Finish closes the source connection before the VFS goes away.
		if err := b.Finish(); err != nil && stepErr == nil {
			stepErr = err
		}
		return stepErr
	})
	if err != nil {
		return corrupted(fmt.Errorf("session: failed to load vault image: %w", err))
	}
	return nil
}

// imageFS is a single-file fs.FS over an in-memory image.
type imageFS struct {
	data []byte
}

func (f imageFS) Open(name string) (fs.File, error) {
	if name != imageName {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return &imageFile{Reader: bytes.NewReader(f.data), size: int64(len(f.data))}, nil
}

type imageFile struct {
	*bytes.Reader
	size int64
}

func (f *imageFile) Stat() (fs.FileInfo, error) { return imageInfo{size: f.size}, nil }
func (f *imageFile) Close() error               { return nil }

type imageInfo struct {
	size int64
}

func (i imageInfo) Name() string       { return imageName }
func (i imageInfo) Size() int64        { return i.size }
func (i imageInfo) Mode() fs.FileMode  { return 0400 }
func (i imageInfo) ModTime() time.Time { return time.Time{} }
func (i imageInfo) IsDir() bool        { return false }
func (i imageInfo) Sys() any           { return nil }

// serialize returns the current bytes of the in-memory database.
func serialize(ctx context.Context, db *sql.DB) ([]byte, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: failed to acquire in-memory connection: %w", err)
	}
	defer conn.Close()

	var image []byte
	err = conn.Raw(func(dc any) error {
		s, ok := dc.(serializer)
		if !ok {
			return errNoSerialize
		}
		var err error
		image, err = s.Serialize()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("session: failed to serialize database: %w", err)
	}
	return image, nil
}

// emptyImage builds the serialized image of a freshly migrated database.
func emptyImage(ctx context.Context, profileID string, busyTimeout time.Duration) ([]byte, error) {
	db, _, err := openMemory(ctx, profileID, busyTimeout, nil)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return serialize(ctx, db)
}
