package uploads

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"

	"rental-chat/internal/observability"
)

var ErrTooLarge = errors.New("attachment too large")

// Stored describes a saved attachment.
type Stored struct {
	Name string
	URL  string
	MIME string
	Size int64
}

// Storage writes chat attachments to a local directory served under URLPrefix.
type Storage struct {
	dir       string
	urlPrefix string
	maxBytes  int64
}

func NewStorage(dir, urlPrefix string, maxBytes int64) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Storage{dir: dir, urlPrefix: strings.TrimRight(urlPrefix, "/"), maxBytes: maxBytes}, nil
}

func (s *Storage) Dir() string { return s.dir }

// Save copies r into a new file named after a fresh ULID. The extension is
// taken from the sniffed content type, never from the client file name.
func (s *Storage) Save(r io.ReadSeeker) (Stored, error) {
	mtype, err := mimetype.DetectReader(r)
	if err != nil {
		return Stored{}, fmt.Errorf("detect type: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return Stored{}, err
	}
	name := strings.ToLower(ulid.Make().String()) + mtype.Extension()
	limited := io.LimitReader(r, s.maxBytes+1)

	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Stored{}, err
	}
	n, err := io.Copy(f, limited)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n > s.maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		return Stored{}, err
	}

	observability.ObserveAttachment(n)
	return Stored{
		Name: name,
		URL:  s.urlPrefix + "/" + name,
		MIME: mtype.String(),
		Size: n,
	}, nil
}

// Remove deletes a stored attachment by name.
func (s *Storage) Remove(name string) error {
	if name == "" || name != filepath.Base(name) {
		return fmt.Errorf("invalid attachment name %q", name)
	}
	err := os.Remove(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
