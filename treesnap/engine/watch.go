package engine

import (
	"context"
	"errors"

	"github.com/ZanzyTHEbar/treesnap/treesnap/filesystem/watcher"
	"github.com/ZanzyTHEbar/treesnap/treesnap/snapshot"
)

// ChangeSource delivers batches of file system changes.
type ChangeSource interface {
	Batches() <-chan []watcher.Event
	Errors() <-chan error
}

// Watch starts a build cycle for every batch from src until ctx is done.
// A newer batch supersedes the build started by an older one.
func (e *Engine) Watch(ctx context.Context, src ChangeSource) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case batch := <-src.Batches():
			e.logger.Debug().Int("events", len(batch)).Str("first", firstPath(batch)).Msg("File system changed")
			if err := e.coord.Trigger(ctx); err != nil {
				if errors.Is(err, snapshot.ErrClosed) {
					return nil
				}
				return err
			}

		case err := <-src.Errors():
			if err != nil {
				e.logger.Warn().Err(err).Msg("File watcher error")
			}
		}
	}
}

func firstPath(batch []watcher.Event) string {
	if len(batch) == 0 {
		return ""
	}
	return batch[0].Path
}
