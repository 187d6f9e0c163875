package ftp

import (
	"fmt"
	"io"
	"time"

	jftp "github.com/jlaffaye/ftp"

	"cruisesync/internal/config"
)

// Conn is one live session against the remote pricing feed. Connections are
// handed out by the Pool and must never be shared by two callers at once.
type Conn interface {
	// List returns the entries of a remote directory.
	List(path string) ([]Entry, error)
	// Retrieve opens a remote file for reading. A non-zero deadline is set
	// on the data transfer, so a stalled read fails with a deadline error
	// instead of blocking.
	Retrieve(path string, deadline time.Time) (io.ReadCloser, error)
	// Ping is a cheap liveness probe.
	Ping() error
	// Quit closes the session.
	Quit() error
}

// Entry is a remote directory listing item.
type Entry struct {
	Name string
	Size int64
	Dir  bool
}

// Dialer establishes a fresh authenticated session.
type Dialer func() (Conn, error)

// NewDialer builds a Dialer from the configured Traveltek FTP credentials.
func NewDialer(cfg config.Config) Dialer {
	return func() (Conn, error) {
		c, err := jftp.Dial(cfg.FTPHost, jftp.DialWithTimeout(cfg.FTPDialTimeout))
		if err != nil {
			return nil, fmt.Errorf("dial ftp %s: %w", cfg.FTPHost, err)
		}
		if err := c.Login(cfg.FTPUser, cfg.FTPPassword); err != nil {
			_ = c.Quit()
			return nil, fmt.Errorf("ftp login: %w", err)
		}
		return &serverConn{conn: c}, nil
	}
}

type serverConn struct {
	conn *jftp.ServerConn
}

func (s *serverConn) List(path string) ([]Entry, error) {
	entries, err := s.conn.List(path)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, Entry{
			Name: e.Name,
			Size: int64(e.Size),
			Dir:  e.Type == jftp.EntryTypeFolder,
		})
	}
	return out, nil
}

func (s *serverConn) Retrieve(path string, deadline time.Time) (io.ReadCloser, error) {
	r, err := s.conn.Retr(path)
	if err != nil {
		return nil, err
	}
	if !deadline.IsZero() {
		if err := r.SetDeadline(deadline); err != nil {
			_ = r.Close()
			return nil, err
		}
	}
	return r, nil
}

func (s *serverConn) Ping() error {
	return s.conn.NoOp()
}

func (s *serverConn) Quit() error {
	return s.conn.Quit()
}
