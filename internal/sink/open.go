package sink

import (
	"errors"
	"io"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/fanout/internal/config"
)

// Set is the persisters and publishers configured for a process.
type Set struct {
	Persister Persister
	Publisher Publisher
	closers   []io.Closer
}

// Open builds every sink named by cfg. The console preview and the log
// publisher are always present.
func Open(cfg *config.Config, log zerolog.Logger) (*Set, error) {
	set := &Set{}
	persisters := Multi{Preview{Log: log, Bytes: cfg.Persist.PreviewBytes}}
	publishers := MultiPublisher{LogPublisher{Log: log}}

	if cfg.Persist.Dir != "" {
		persisters = append(persisters, FS{Dir: cfg.Persist.Dir})
	}
	if cfg.Persist.SQLite != "" {
		st, err := OpenStore(cfg.Persist.SQLite, log)
		if err != nil {
			return nil, errors.Join(err, set.Close())
		}
		set.closers = append(set.closers, st)
		persisters = append(persisters, st)
		publishers = append(publishers, st)
	}
	if cfg.Persist.SFTP.Enabled() {
		sf, err := NewSFTP(cfg.Persist.SFTP, log)
		if err != nil {
			return nil, errors.Join(err, set.Close())
		}
		set.closers = append(set.closers, sf)
		persisters = append(persisters, sf)
	}
	if cfg.Publish.RedisURL != "" {
		rp, err := NewRedis(RedisConfig{URL: cfg.Publish.RedisURL, Channel: cfg.Publish.RedisChannel, Retries: 2})
		if err != nil {
			return nil, errors.Join(err, set.Close())
		}
		set.closers = append(set.closers, rp)
		publishers = append(publishers, rp)
	}

	set.Persister = persisters
	set.Publisher = publishers
	return set, nil
}

// Close releases every opened sink.
func (s *Set) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
