// Package attachments stores uploaded files and hands out references. Workflow
// entities only ever hold AttachmentRef values, never file bytes.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
)

// MaxSize bounds a single upload.
const MaxSize = 50 << 20

var (
	ErrTooLarge = errors.New("attachment exceeds size limit")
	ErrNotFound = errors.New("attachment not found")
)

type Store interface {
	Store(ctx context.Context, name, contentType string, r io.Reader) (domain.AttachmentRef, error)
	Resolve(ref domain.AttachmentRef) string
	Open(ctx context.Context, id string) (io.ReadSeekCloser, error)
}

// LocalStore keeps files under Dir, named by attachment id.
type LocalStore struct {
	Dir     string
	BaseURL string
}

func (s LocalStore) Store(ctx context.Context, name, contentType string, r io.Reader) (domain.AttachmentRef, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return domain.AttachmentRef{}, errors.New("attachment name required")
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return domain.AttachmentRef{}, err
	}
	ref := domain.AttachmentRef{
		ID:          uuid.NewString(),
		Name:        name,
		ContentType: contentType,
	}
	f, err := os.Create(filepath.Join(s.Dir, ref.ID))
	if err != nil {
		return domain.AttachmentRef{}, err
	}
	n, copyErr := io.Copy(f, io.LimitReader(r, MaxSize+1))
	closeErr := f.Close()
	if copyErr == nil && n > MaxSize {
		copyErr = ErrTooLarge
	}
	if copyErr == nil {
		copyErr = ctx.Err()
	}
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(f.Name())
		if copyErr != nil {
			return domain.AttachmentRef{}, fmt.Errorf("store attachment: %w", copyErr)
		}
		return domain.AttachmentRef{}, closeErr
	}
	ref.Size = n
	ref.URL = s.Resolve(ref)
	return ref, nil
}

// Resolve returns the download URL of ref.
func (s LocalStore) Resolve(ref domain.AttachmentRef) string {
	base := strings.TrimRight(s.BaseURL, "/")
	if base == "" {
		base = "/files"
	}
	return base + "/" + ref.ID
}

// Open returns the stored bytes of attachment id.
func (s LocalStore) Open(_ context.Context, id string) (io.ReadSeekCloser, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.Dir, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}
