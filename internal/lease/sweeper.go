package lease

import (
	"context"
	"time"

	"budget_gateway/internal/audit"
	"budget_gateway/internal/utils"
)

// Sweeper force-closes leases that outlived their expiry without being
// returned. Agents that crash or lose connectivity would otherwise strand
// their granted funds forever.
type Sweeper struct {
	manager  *Manager
	interval time.Duration

	stopChan    chan struct{}
	stoppedChan chan struct{}
	logger      *utils.Logger
}

// NewSweeper creates an expiry sweeper
func NewSweeper(manager *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		manager:     manager,
		interval:    interval,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
		logger:      utils.NewLogger("lease-sweeper"),
	}
}

// Start runs the sweep loop until Stop is called
func (s *Sweeper) Start() {
	go s.run()
}

// Stop signals the loop to finish and waits for it
func (s *Sweeper) Stop() {
	close(s.stopChan)
	<-s.stoppedChan
}

func (s *Sweeper) run() {
	defer close(s.stoppedChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// Sweep force-closes every active lease past its expiry plus the refresh
// grace window, leaving the grace period for a late refresh to land.
// Returns the number of leases closed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := s.manager.nowFn()
	closed := 0
	for _, l := range s.manager.ledger.ActiveLeases() {
		if !l.ExpiredAt(now.Add(-s.manager.cfg.RefreshGrace)) {
			continue
		}
		lease := l
		s.manager.forceClose(ctx, &lease, audit.KindLeaseExpired, "lease expired without return")
		closed++
	}
	if closed > 0 {
		s.logger.Info("Swept expired leases", "count", closed)
	}
	return closed
}
