package registry

import (
	"context"

	"github.com/GriffinCanCode/streambox/backend/internal/shared/types"
	"go.uber.org/zap"
)

// Watch streams snapshots matching filter: the current one immediately,
// then a fresh one after every committed change. A slow consumer only
// misses intermediate snapshots, never the latest. The channel closes when
// ctx is done; subscribe again to restart.
func (s *Store) Watch(ctx context.Context, filter Filter) <-chan []types.Extension {
	out := make(chan []types.Extension, 1)
	wake := make(chan struct{}, 1)
	wake <- struct{}{}

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = wake
	s.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			}

			snapshot, err := s.query(ctx, filter)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("Watch query failed", zap.Error(err))
				continue
			}

			// Replace an unread snapshot rather than block on it
			select {
			case out <- snapshot:
			default:
				select {
				case <-out:
				default:
				}
				out <- snapshot
			}
		}
	}()

	return out
}

// Subscribers reports the number of active watchers
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wake := range s.subs {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}
