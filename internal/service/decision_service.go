package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/streamgate/paygate/internal/model"
	"github.com/streamgate/paygate/internal/pkg/logger"
)

// DecisionService records validation outcomes asynchronously so the
// validation path never waits on storage.
type DecisionService struct {
	logChan chan *model.Decision
	logFile *os.File
	buffer  *decisionBuffer
	repo    DecisionRepo

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type DecisionRepo interface {
	Insert(ctx context.Context, entry *model.Decision) error
	List(ctx context.Context, buyerID string, limit int, from, to *time.Time) ([]*model.Decision, error)
}

// NewDecisionService appends decisions to a daily JSONL file under logDir
// (skipped when logDir is empty) and to repo when one is given.
func NewDecisionService(logDir string, repo DecisionRepo) (*DecisionService, error) {
	var f *os.File
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, err
		}
		filename := filepath.Join(logDir, "decisions-"+time.Now().Format("2006-01-02")+".jsonl")
		var err error
		f, err = os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
	}

	svc := &DecisionService{
		logChan: make(chan *model.Decision, 1000),
		logFile: f,
		buffer:  newDecisionBuffer(1000),
		repo:    repo,
		done:    make(chan struct{}),
	}
	go svc.processLogs()
	return svc, nil
}

func (s *DecisionService) Record(entry *model.Decision) {
	s.buffer.Add(entry)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.logChan <- entry:
	default:
		// full: drop rather than stall validations
		logger.Warn("decision log buffer full, dropping entry", "buyer", entry.BuyerID)
	}
}

func (s *DecisionService) List(ctx context.Context, buyerID string, limit int, from, to *time.Time) ([]*model.Decision, error) {
	if s.repo != nil {
		records, err := s.repo.List(ctx, buyerID, limit, from, to)
		if err == nil {
			return records, nil
		}
		logger.LogError(ctx, err, "decision repo list failed, serving from memory")
	}
	return s.buffer.List(buyerID, limit, from, to), nil
}

func (s *DecisionService) processLogs() {
	defer close(s.done)
	var encoder *json.Encoder
	if s.logFile != nil {
		encoder = json.NewEncoder(s.logFile)
	}
	for entry := range s.logChan {
		if s.repo != nil {
			if err := s.repo.Insert(context.Background(), entry); err != nil {
				logger.Error("failed to write decision to DB", "error", err)
			}
		}
		if encoder != nil {
			if err := encoder.Encode(entry); err != nil {
				logger.Error("failed to write decision log", "error", err)
			}
		}
	}
}

// Close flushes queued decisions and releases the log file.
func (s *DecisionService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.logChan)
	s.mu.Unlock()

	<-s.done
	if s.logFile != nil {
		s.logFile.Close()
	}
}

type decisionBuffer struct {
	mu        sync.Mutex
	maxSize   int
	records   []*model.Decision
	nextIndex int
}

func newDecisionBuffer(maxSize int) *decisionBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &decisionBuffer{
		maxSize: maxSize,
		records: make([]*model.Decision, 0, maxSize),
	}
}

func (b *decisionBuffer) Add(entry *model.Decision) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) < b.maxSize {
		b.records = append(b.records, entry)
		return
	}
	b.records[b.nextIndex] = entry
	b.nextIndex = (b.nextIndex + 1) % b.maxSize
}

// List returns the newest matching decisions first.
func (b *decisionBuffer) List(buyerID string, limit int, from, to *time.Time) []*model.Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > b.maxSize {
		limit = b.maxSize
	}
	results := make([]*model.Decision, 0, limit)
	total := len(b.records)
	// until the ring wraps nextIndex stays 0 and the newest is at total-1
	for i := 0; i < total; i++ {
		idx := (b.nextIndex + total - 1 - i) % total
		entry := b.records[idx]
		if entry == nil {
			continue
		}
		if buyerID != "" && entry.BuyerID != buyerID {
			continue
		}
		if from != nil && entry.CreatedAt.Before(*from) {
			continue
		}
		if to != nil && entry.CreatedAt.After(*to) {
			continue
		}
		results = append(results, entry)
		if len(results) >= limit {
			break
		}
	}
	return results
}
