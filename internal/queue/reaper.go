// Package queue reaps completion entries from dnvme completion queues.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/ehrlich-b/go-dnvme/internal/constants"
	"github.com/ehrlich-b/go-dnvme/internal/interfaces"
	"github.com/ehrlich-b/go-dnvme/internal/logging"
	"github.com/ehrlich-b/go-dnvme/nvme"
)

// Batch is the result of one reap.
type Batch struct {
	QID       uint16
	Remaining uint32
	Reaped    uint32
	ISRCount  uint32
	// Data holds Reaped raw entries, 16 bytes each.
	Data []byte
}

// Entries decodes the reaped completion entries.
func (b Batch) Entries() ([]nvme.Completion, error) {
	return nvme.DecodeCompletions(b.Data, int(b.Reaped))
}

// Reaper pulls completions off a transport. It keeps no state of its own.
type Reaper struct {
	tr     interfaces.Transport
	logger *logging.Logger
}

func NewReaper(tr interfaces.Transport, logger *logging.Logger) *Reaper {
	if logger == nil {
		logger = logging.Default()
	}
	return &Reaper{tr: tr, logger: logger}
}

// Inquire returns how many completions wait on qid. It never blocks and
// consumes nothing.
func (r *Reaper) Inquire(qid uint16) (remaining, isr uint32, err error) {
	remaining, isr, err = r.tr.Inquire(qid)
	if err != nil {
		r.logger.WithQueue(qid).WithError(err).Warn("inquire failed")
		return 0, 0, err
	}
	r.logger.WithQueue(qid).Debug("inquire", "remaining", remaining, "isr", isr)
	return remaining, isr, nil
}

// Reap copies exactly count completions of qid into buf. It asks for no
// more than the driver reports as available.
func (r *Reaper) Reap(qid uint16, count uint32, buf []byte) (Batch, error) {
	if count == 0 {
		return Batch{}, fmt.Errorf("%w: reap count must be at least 1", nvme.ErrInvalidArgument)
	}
	need := uint64(count) * nvme.CQEntrySize
	if uint64(len(buf)) < need {
		return Batch{}, fmt.Errorf("%w: reaping %d entries needs %d bytes, have %d",
			nvme.ErrBufferTooSmall, count, need, len(buf))
	}

	remaining, _, err := r.Inquire(qid)
	if err != nil {
		return Batch{}, err
	}
	if count > remaining {
		return Batch{}, fmt.Errorf("%w: asked for %d completions on CQ %d, %d available",
			nvme.ErrInvalidArgument, count, qid, remaining)
	}

	reaped, left, isr, err := r.tr.Reap(qid, count, buf[:need])
	if err != nil {
		r.logger.WithQueue(qid).WithError(err).Warn("reap failed", "count", count)
		return Batch{}, err
	}
	r.logger.WithQueue(qid).Debug("reaped", "count", reaped, "remaining", left)
	return Batch{
		QID:       qid,
		Remaining: left,
		Reaped:    reaped,
		ISRCount:  isr,
		Data:      buf[:uint64(reaped)*nvme.CQEntrySize],
	}, nil
}

// ReapAll reaps everything currently available on qid, up to
// DefaultReapBatch entries, through a pooled buffer.
func (r *Reaper) ReapAll(qid uint16) ([]nvme.Completion, error) {
	remaining, _, err := r.Inquire(qid)
	if err != nil || remaining == 0 {
		return nil, err
	}
	if remaining > constants.DefaultReapBatch {
		remaining = constants.DefaultReapBatch
	}

	buf := GetBuffer(remaining)
	defer PutBuffer(buf)

	batch, err := r.Reap(qid, remaining, buf)
	if err != nil {
		return nil, err
	}
	return batch.Entries()
}

var errNotReady = errors.New("no completions yet")

// WaitForCompletions polls qid every interval until at least one
// completion is available or ctx is done. Transport errors end the wait
// immediately.
func (r *Reaper) WaitForCompletions(ctx context.Context, qid uint16, interval time.Duration) (uint32, error) {
	if interval <= 0 {
		interval = constants.DefaultPollInterval
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var remaining uint32
	err := retry.Do(
		func() error {
			n, _, err := r.tr.Inquire(qid)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if n == 0 {
				return errNotReady
			}
			remaining = n
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errNotReady) }),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		r.logger.WithQueue(qid).WithError(err).Warn("wait for completions failed")
		return 0, err
	}
	return remaining, nil
}
