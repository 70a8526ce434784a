package blobstore

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"hashgrid/internal/logger"
)

// TmpSweeper periodically removes orphaned .tmp upload files: ones left
// behind by a connection that died mid-upload, after FSStore.Put's own
// cleanup already handles the common failure paths.
type TmpSweeper struct {
	roots  []string
	maxAge time.Duration
	every  time.Duration
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewTmpSweeper(roots []string, maxAge, every time.Duration) *TmpSweeper {
	return &TmpSweeper{
		roots:  roots,
		maxAge: maxAge,
		every:  every,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (s *TmpSweeper) Start() {
	go s.run()
}

func (s *TmpSweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *TmpSweeper) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepOnce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *TmpSweeper) sweepOnce() {
	cutoff := time.Now().Add(-s.maxAge)
	for _, root := range s.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			logger.Warn("blobstore: gc: read %s: %v", root, err)
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".tmp") {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(root, e.Name())
			if err := os.Remove(path); err != nil {
				logger.Warn("blobstore: gc: remove %s: %v", path, err)
			} else {
				logger.Debug("blobstore: gc: removed orphaned temp file %s", path)
			}
		}
	}
}
