package scanner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/johbar/scan-ocr-service/internal/history"
)

// ScanPage is one page of the history and the number of all matching scans
type ScanPage struct {
	Scans []*history.Scan `json:"scans"`
	Total int             `json:"total"`
}

// GetAllScans lists the history, newest first
func (s *Scanner) GetAllScans(ctx context.Context, f history.Filter) (*ScanPage, error) {
	scans, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	total, err := s.store.Count(ctx, f)
	if err != nil {
		return nil, err
	}
	if scans == nil {
		scans = []*history.Scan{}
	}
	return &ScanPage{Scans: scans, Total: total}, nil
}

func (s *Scanner) GetScan(ctx context.Context, id int64) (*history.Scan, error) {
	return s.store.Get(ctx, id)
}

// UpdateScan applies user edits. A title can not be blanked.
func (s *Scanner) UpdateScan(ctx context.Context, id int64, p history.Patch) (*history.Scan, error) {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return nil, fmt.Errorf("%w: title must not be empty", history.ErrInvalid)
	}
	return s.store.Update(ctx, id, p)
}

// ToggleFavorite flips the favorite flag and returns the new value
func (s *Scanner) ToggleFavorite(ctx context.Context, id int64) (bool, error) {
	return s.store.ToggleFavorite(ctx, id)
}

// DeleteScan removes a scan and its stored image
func (s *Scanner) DeleteScan(ctx context.Context, id int64) error {
	scan, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	s.removeImage(scan.ImagePath)
	s.log.Info("Scan deleted", "id", id)
	return nil
}

// DeleteAllScans empties the history and returns the number of deleted scans
func (s *Scanner) DeleteAllScans(ctx context.Context) (int, error) {
	scans, err := s.store.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	for _, sc := range scans {
		s.removeImage(sc.ImagePath)
	}
	s.log.Info("History cleared", "deleted", len(scans))
	return len(scans), nil
}

// CleanupOlderThan deletes scans created before now minus age.
// Favorites survive unless includeFavorites is set.
func (s *Scanner) CleanupOlderThan(ctx context.Context, age time.Duration, includeFavorites bool) (int, error) {
	if age <= 0 {
		return 0, fmt.Errorf("%w: age must be positive", history.ErrInvalid)
	}
	scans, err := s.store.DeleteOlderThan(ctx, s.now().Add(-age), includeFavorites)
	if err != nil {
		return 0, err
	}
	for _, sc := range scans {
		s.removeImage(sc.ImagePath)
	}
	if len(scans) > 0 {
		s.log.Info("Old scans deleted", "deleted", len(scans), "maxAge", age)
	}
	return len(scans), nil
}

// StartCleanup periodically deletes scans older than the configured maximum age.
// It does nothing if no maximum age is configured.
func (s *Scanner) StartCleanup(ctx context.Context) {
	if s.conf.HistoryMaxAge <= 0 {
		return
	}
	interval := s.conf.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	if s.stopCleanup != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.stopCleanup, s.cleanupDone = cancel, done
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := s.CleanupOlderThan(ctx, s.conf.HistoryMaxAge, false); err != nil && ctx.Err() == nil {
				s.log.Error("History cleanup failed", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	s.log.Info("History cleanup started", "maxAge", s.conf.HistoryMaxAge, "interval", interval)
}

// StopCleanup stops the loop started by StartCleanup and waits for it
func (s *Scanner) StopCleanup() {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	if s.stopCleanup == nil {
		return
	}
	s.stopCleanup()
	<-s.cleanupDone
	s.stopCleanup, s.cleanupDone = nil, nil
}
