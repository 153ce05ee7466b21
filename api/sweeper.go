/*
sweeper.go - Background expiry sweep

Periodically flips stale Active tokens past their expiry to Expired.
Bookkeeping only: the conditional consume never trusts the status column
for expiry, so a missed sweep can't make an expired token claimable.
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/localperks/bcoin-core/coin"
)

// ExpirySweeper marks stale tokens expired on a fixed interval.
type ExpirySweeper struct {
	Tokens   coin.TokenStore
	Interval time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewExpirySweeper(tokens coin.TokenStore, interval time.Duration) *ExpirySweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &ExpirySweeper{
		Tokens:   tokens,
		Interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *ExpirySweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)
	go s.run()

	log.Printf("[sweeper] started, interval %v", s.Interval)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
// Safe to call more than once.
func (s *ExpirySweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	close(s.stop)
	s.wg.Wait()
	log.Println("[sweeper] stopped")
}

func (s *ExpirySweeper) run() {
	defer s.wg.Done()

	s.sweep()
	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *ExpirySweeper) sweep() {
	n, err := s.Tokens.ExpireStale(context.Background(), time.Now())
	if err != nil {
		log.Printf("[sweeper] sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[sweeper] expired %d stale tokens", n)
	}
}
