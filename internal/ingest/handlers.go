package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/nadmax/estimo/internal/predictor"
	"github.com/nadmax/estimo/internal/task"
	"github.com/segmentio/kafka-go"
)

// Applier is implemented by *predictor.Service.
type Applier interface {
	ApplyUpsert(ctx context.Context, upd task.Update) error
	ApplyDelete(ctx context.Context, taskID int64) error
}

func UpsertHandler(a Applier) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		event, err := task.UpsertEventFromJSON(msg.Value)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		if err := a.ApplyUpsert(ctx, event.ToUpdate()); err != nil {
			if errors.Is(err, predictor.ErrInvalidArgument) {
				return fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			return err
		}
		return nil
	}
}

func DeleteHandler(a Applier) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		event, err := task.DeleteEventFromJSON(msg.Value)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		if err := a.ApplyDelete(ctx, event.ID); err != nil {
			if errors.Is(err, predictor.ErrInvalidArgument) {
				return fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			return err
		}
		return nil
	}
}
