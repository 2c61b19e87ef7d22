package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"syscall"
)

// Unix dials a fresh connection to the worker's socket for every exchange.
type Unix struct {
	Path   string
	Dialer net.Dialer
}

func NewUnix(path string) *Unix {
	return &Unix{Path: path}
}

func (u *Unix) Kind() Kind { return KindSocket }

// Exists reports whether the socket path is present.
func (u *Unix) Exists() bool {
	_, err := os.Stat(u.Path)
	return err == nil
}

func (u *Unix) Open(ctx context.Context) (Conn, error) {
	if _, err := os.Stat(u.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSocketMissing, u.Path)
		}
		return nil, err
	}

	c, err := u.Dialer.DialContext(ctx, "unix", u.Path)
	if err != nil {
		switch {
		case errors.Is(err, syscall.ECONNREFUSED):
			return nil, fmt.Errorf("%w: %w", ErrConnRefused, err)
		case errors.Is(err, syscall.ENOENT):
			return nil, fmt.Errorf("%w: %w", ErrSocketMissing, err)
		}
		return nil, err
	}
	return c.(*net.UnixConn), nil
}
