package webhooks

import "time"

// SetClock overrides the processor clock.
func (p *Processor) SetClock(now func() time.Time) { p.now = now }

// SetClock overrides the service clock.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetClock overrides the stats clock and restarts uptime from it.
func (s *Stats) SetClock(now func() time.Time) {
	s.now = now
	s.startedAt = now()
}
