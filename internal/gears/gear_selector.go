// Package gears models the virtual drivetrain. The trainer has no physical
// derailleur; a gear is just a ratio the load controller folds into its
// base load, spread linearly across the configured range.
package gears

import (
	"fmt"
	"log"
	"sync"
)

type Selector struct {
	logger *log.Logger

	mu       sync.RWMutex
	ratios   []float64
	current  int
	minRatio float64
	maxRatio float64
}

// NewSelector builds a selector with count gears whose ratios run linearly
// from minRatio to maxRatio. The selector starts in gear 1, the easiest.
func NewSelector(logger *log.Logger, count int, minRatio, maxRatio float64) (*Selector, error) {
	if logger == nil {
		panic("logger is nil")
	}
	if count < 1 {
		return nil, fmt.Errorf("gear count must be at least 1, got %d", count)
	}
	if maxRatio < minRatio {
		return nil, fmt.Errorf("gear ratio range is inverted: %v > %v", minRatio, maxRatio)
	}

	ratios := make([]float64, count)
	if count == 1 {
		ratios[0] = minRatio
	} else {
		step := (maxRatio - minRatio) / float64(count-1)
		for i := range ratios {
			ratios[i] = minRatio + step*float64(i)
		}
	}
	return &Selector{
		logger:   logger,
		ratios:   ratios,
		minRatio: minRatio,
		maxRatio: maxRatio,
	}, nil
}

// Increment shifts one gear harder. Returns false at the top of the range.
func (s *Selector) Increment() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current >= len(s.ratios)-1 {
		return false
	}
	s.current++
	s.logger.Printf("gears: shifted up to %d (ratio %.2f)", s.current+1, s.ratios[s.current])
	return true
}

// Decrement shifts one gear easier. Returns false at the bottom.
func (s *Selector) Decrement() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current <= 0 {
		return false
	}
	s.current--
	s.logger.Printf("gears: shifted down to %d (ratio %.2f)", s.current+1, s.ratios[s.current])
	return true
}

// SelectGear jumps straight to a 1-based gear number.
func (s *Selector) SelectGear(gear int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gear < 1 || gear > len(s.ratios) {
		return fmt.Errorf("gear %d out of range 1..%d", gear, len(s.ratios))
	}
	s.current = gear - 1
	return nil
}

// CurrentGear is 1-based.
func (s *Selector) CurrentGear() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current + 1
}

func (s *Selector) NumGears() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ratios)
}

func (s *Selector) CurrentRatio() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ratios[s.current]
}

func (s *Selector) MinRatio() float64 { return s.minRatio }
func (s *Selector) MaxRatio() float64 { return s.maxRatio }
