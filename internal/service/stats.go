package service

import (
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// statsCollector tracks sizes of responses served from the cache.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(respBytes int) {
	if s == nil {
		return
	}
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		TotalResponses: count,
		TotalRespBytes: total,
		MinRespBytes:   minv,
		MaxRespBytes:   s.maxRespBytes.Load(),
		AvgRespBytes:   total / count,
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	var (
		entries   int
		diskTotal int64
	)
	for _, st := range s.sites {
		cs := st.client.Stats()
		entries += cs.MemoryEntries
		diskTotal += cs.DiskBytes
		s.log.Debug("site cache",
			zap.String("site", st.site.Name),
			zap.Int("memoryEntries", cs.MemoryEntries),
			zap.Uint64("memoryEvictions", cs.MemoryEvictions),
			zap.Int("diskEntries", cs.DiskEntries),
			zap.String("diskUsage", formatBytes(uint64(cs.DiskBytes))),
			zap.Uint64("diskEvictions", cs.DiskEvictions),
		)
	}

	ss := s.stats.Snapshot()
	fields := []zap.Field{
		zap.Int("memoryEntries", entries),
		zap.String("diskUsage", formatBytes(uint64(diskTotal))),
		zap.String("respMin", formatBytes(ss.MinRespBytes)),
		zap.String("respAvg", formatBytes(ss.AvgRespBytes)),
		zap.String("respMax", formatBytes(ss.MaxRespBytes)),
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, zap.String("rss", formatBytes(rss)))
	}
	if vals, ok := processSmapsRollupBytes(); ok {
		fields = append(fields, zap.String("smaps", formatSmapsRollup(vals)))
	}
	s.log.Info("cached", fields...)
}
