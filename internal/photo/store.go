// Package photo persists enrollment face-anchor images.
package photo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrEmpty       = errors.New("empty image")
	ErrTooLarge    = errors.New("image too large")
	ErrUnsupported = errors.New("unsupported image type")
	ErrInvalidUser = errors.New("invalid user id")
	ErrForeignRef  = errors.New("reference outside photo store")
)

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

type Store interface {
	Put(ctx context.Context, userID string, image []byte) (string, error)
	Delete(ctx context.Context, ref string) error
}

// Sniff validates the payload and returns its detected content type.
func Sniff(image []byte, maxBytes int) (string, error) {
	if len(image) == 0 {
		return "", ErrEmpty
	}
	if maxBytes > 0 && len(image) > maxBytes {
		return "", ErrTooLarge
	}
	contentType := http.DetectContentType(image)
	if _, ok := extensions[contentType]; !ok {
		return "", ErrUnsupported
	}
	return contentType, nil
}

type FSStore struct {
	dir      string
	maxBytes int
	now      func() time.Time
}

func NewFSStore(dir string, maxBytes int) (*FSStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("photo dir required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	return &FSStore{dir: dir, maxBytes: maxBytes, now: time.Now}, nil
}

// Put writes the image under <dir>/<userID>/ and returns a file:// reference.
// Earlier anchors are kept for audit.
func (s *FSStore) Put(ctx context.Context, userID string, image []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	contentType, err := Sniff(image, s.maxBytes)
	if err != nil {
		return "", err
	}
	if !validUserDir(userID) {
		return "", ErrInvalidUser
	}
	userDir := filepath.Join(s.dir, userID)
	if err := os.MkdirAll(userDir, 0o750); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%d%s", s.now().UTC().UnixNano(), extensions[contentType])
	path := filepath.Join(userDir, name)

	tmp, err := os.CreateTemp(userDir, ".upload-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(image); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return "file://" + filepath.ToSlash(path), nil
}

// Delete removes an image previously returned by Put. A missing file is not
// an error.
func (s *FSStore) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !strings.HasPrefix(ref, "file://") {
		return ErrForeignRef
	}
	path := filepath.FromSlash(strings.TrimPrefix(ref, "file://"))
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ErrForeignRef
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// validUserDir accepts ids usable as a single path element, so distinct ids
// never share a directory.
func validUserDir(userID string) bool {
	if userID == "" || userID == "." || userID == ".." {
		return false
	}
	return !strings.ContainsAny(userID, `/\`+"\x00")
}
