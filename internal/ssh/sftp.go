package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// SFTP is an SFTP session over one SSH connection.
type SFTP struct {
	conn *xssh.Client
	sf   *sftp.Client
}

// OpenSFTP dials c and starts the sftp subsystem.
func OpenSFTP(ctx context.Context, c *Client) (*SFTP, error) {
	conn, err := Dial(ctx, c)
	if err != nil {
		return nil, err
	}
	sf, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	return &SFTP{conn: conn, sf: sf}, nil
}

// WriteFile uploads data to remotePath through a temporary file and a rename,
// then verifies the remote size.
func (s *SFTP) WriteFile(remotePath string, data []byte) error {
	if err := s.sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	tmp := remotePath + ".part"
	dst, err := s.sf.Create(tmp)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	if _, err := io.Copy(dst, bytes.NewReader(data)); err != nil {
		_ = dst.Close()
		_ = s.sf.Remove(tmp)
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = s.sf.Remove(tmp)
		return fmt.Errorf("close remote: %w", err)
	}
	if err := s.sf.PosixRename(tmp, remotePath); err != nil {
		// Servers without the posix-rename extension.
		_ = s.sf.Remove(remotePath)
		if err := s.sf.Rename(tmp, remotePath); err != nil {
			_ = s.sf.Remove(tmp)
			return fmt.Errorf("rename remote: %w", err)
		}
	}
	fi, err := s.sf.Stat(remotePath)
	if err != nil {
		return fmt.Errorf("stat remote: %w", err)
	}
	if fi.Size() != int64(len(data)) {
		return fmt.Errorf("size mismatch for %s: wrote %d, remote has %d", remotePath, len(data), fi.Size())
	}
	return nil
}

// ReadFile downloads remotePath.
func (s *SFTP) ReadFile(remotePath string) ([]byte, error) {
	src, err := s.sf.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("open remote: %w", err)
	}
	defer src.Close()
	return io.ReadAll(src)
}

// Close ends the sftp session and the SSH connection.
func (s *SFTP) Close() error {
	err := s.sf.Close()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
