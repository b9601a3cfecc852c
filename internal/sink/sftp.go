package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/fanout/internal/config"
	gssh "github.com/3cpo-dev/fanout/internal/ssh"
)

// SFTP uploads each record to <remote_dir>/<run>/<name> on a remote host.
// The connection is opened on first use and reopened after a failed upload.
type SFTP struct {
	client    *gssh.Client
	remoteDir string
	log       zerolog.Logger

	mu   sync.Mutex
	sess *gssh.SFTP
}

// NewSFTP loads the key and known_hosts file named by cfg.
func NewSFTP(cfg config.SFTP, log zerolog.Logger) (*SFTP, error) {
	signer, err := gssh.LoadPrivateKeySigner(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("sftp sink: %w", err)
	}
	kh, err := gssh.LoadKnownHostsCallback(cfg.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("sftp sink: load known hosts: %w", err)
	}
	return NewSFTPWithClient(&gssh.Client{
		Addr:       cfg.Addr,
		User:       cfg.User,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    15 * time.Second,
		Retries:    2,
		Backoff:    500 * time.Millisecond,
		Log:        log,
	}, cfg.RemoteDir, log), nil
}

// NewSFTPWithClient uses a prepared SSH client description.
func NewSFTPWithClient(c *gssh.Client, remoteDir string, log zerolog.Logger) *SFTP {
	if remoteDir == "" {
		remoteDir = "fanout"
	}
	return &SFTP{client: c, remoteDir: remoteDir, log: log}
}

func (s *SFTP) Persist(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	remote := path.Join(s.remoteDir, rec.RunID, rec.Name())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		sess, err := gssh.OpenSFTP(ctx, s.client)
		if err != nil {
			return fmt.Errorf("sftp sink: %w", err)
		}
		s.sess = sess
		s.log.Debug().Str("addr", s.client.Addr).Msg("sftp session opened")
	}
	if err := s.sess.WriteFile(remote, data); err != nil {
		_ = s.sess.Close()
		s.sess = nil
		return fmt.Errorf("sftp upload %s: %w", remote, err)
	}
	return nil
}

func (s *SFTP) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil
	}
	err := s.sess.Close()
	s.sess = nil
	return err
}
