package attemptlog

import (
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Service is the async writer in front of the Repo. Emit is a
// non-blocking channel send that drops on overflow; a background
// goroutine flushes batches on size or timer, and a cron schedule prunes
// old entries.
type Service struct {
	repo      *Repo
	logger    *log.Logger
	queue     chan Entry
	batchSize int
	interval  time.Duration
	retain    time.Duration

	cron   *cron.Cron
	stopCh chan struct{}
	stop   sync.Once
	wg     sync.WaitGroup
}

// ServiceConfig configures the attempt log service. Zero values get
// conservative defaults.
type ServiceConfig struct {
	Repo          *Repo
	Logger        *log.Logger
	QueueSize     int
	FlushBatch    int
	FlushInterval time.Duration
	Retain        time.Duration
	// PruneSchedule is a standard 5-field cron spec.
	PruneSchedule string
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.Retain <= 0 {
		cfg.Retain = 30 * 24 * time.Hour
	}
	if cfg.PruneSchedule == "" {
		cfg.PruneSchedule = "17 4 * * *"
	}

	s := &Service{
		repo:      cfg.Repo,
		logger:    cfg.Logger,
		queue:     make(chan Entry, cfg.QueueSize),
		batchSize: cfg.FlushBatch,
		interval:  cfg.FlushInterval,
		retain:    cfg.Retain,
		cron:      cron.New(),
		stopCh:    make(chan struct{}),
	}
	if _, err := s.cron.AddFunc(cfg.PruneSchedule, s.prune); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the flush goroutine and the prune schedule.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.flushLoop()
	s.cron.Start()
}

// Stop drains the queue, flushes, and shuts the cron down.
func (s *Service) Stop() {
	s.stop.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	<-s.cron.Stop().Done()
}

// Emit enqueues one entry. Non-blocking; drops on overflow.
func (s *Service) Emit(e Entry) {
	select {
	case s.queue <- e:
	default:
	}
}

func (s *Service) flushLoop() {
	defer s.wg.Done()

	batch := make([]Entry, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.stopCh:
			for {
				select {
				case e := <-s.queue:
					batch = append(batch, e)
				default:
					s.flush(batch)
					return
				}
			}
		}
	}
}

func (s *Service) flush(batch []Entry) {
	if len(batch) == 0 {
		return
	}
	if n, err := s.repo.InsertBatch(batch); err != nil {
		s.logger.Printf("[attemptlog] flush %d entries failed: %v", len(batch), err)
	} else if n > 0 {
		s.logger.Printf("[attemptlog] flushed %d entries", n)
	}
}

func (s *Service) prune() {
	if n, err := s.repo.Prune(s.retain, time.Now()); err != nil {
		s.logger.Printf("[attemptlog] prune failed: %v", err)
	} else if n > 0 {
		s.logger.Printf("[attemptlog] pruned %d entries", n)
	}
}
