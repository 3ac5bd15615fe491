// Package blob stores original uploads. Local keeps them on disk under a
// root directory.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"pagewise/internal/util"
)

type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Key is the object key for a user's document upload. The user id is hashed
// so it never shapes the directory tree.
func Key(userID, documentID string) string {
	return "users/" + util.SHA256Hex([]byte(userID))[:16] + "/" + documentID + ".pdf"
}

type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	if err := util.EnsureDir(root); err != nil {
		return nil, err
	}
	return &Local{root: root}, nil
}

func (l *Local) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := util.SafeRelJoin(l.root, key)
	if err != nil {
		return err
	}
	if err := util.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (l *Local) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := util.SafeRelJoin(l.root, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", key, util.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

// Delete is idempotent.
func (l *Local) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := util.SafeRelJoin(l.root, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
