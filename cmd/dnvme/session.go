package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehrlich-b/go-dnvme"
	"github.com/ehrlich-b/go-dnvme/backend"
	"github.com/ehrlich-b/go-dnvme/internal/logging"
	"github.com/ehrlich-b/go-dnvme/nvme"
)

// session is one bootstrapped device for the duration of a command.
type session struct {
	dev     *dnvme.Device
	logger  *logging.Logger
	timeout time.Duration
}

func newLogger() (*logging.Logger, error) {
	level, err := dnvme.ParseLogLevel(viper.GetString("log.level"))
	if err != nil {
		return nil, err
	}
	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = viper.GetString("log.format")
	cfg.Sync = true
	logger := logging.NewLogger(cfg)
	logging.SetDefault(logger)
	return logger, nil
}

func adminConfig() (dnvme.AdminConfig, error) {
	irq, err := dnvme.ParseIRQType(viper.GetString("irq.type"))
	if err != nil {
		return dnvme.AdminConfig{}, err
	}
	return dnvme.AdminConfig{
		CQElements: viper.GetUint32("admin.cq_elements"),
		SQElements: viper.GetUint32("admin.sq_elements"),
		IRQ:        dnvme.IRQConfig{Type: irq, Count: uint16(viper.GetUint("irq.count"))},
	}, nil
}

// openSession opens the configured device (or the simulator) and runs the
// bootstrap sequence.
func openSession(ctx context.Context) (*session, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	admin, err := adminConfig()
	if err != nil {
		return nil, err
	}
	opts := &dnvme.Options{
		Logger:       logger,
		Admin:        admin,
		PollInterval: viper.GetDuration("poll.interval"),
	}

	var dev *dnvme.Device
	if viper.GetBool("simulate") {
		size, err := parseSize(viper.GetString("namespace.size"))
		if err != nil {
			return nil, fmt.Errorf("invalid namespace size %q: %w", viper.GetString("namespace.size"), err)
		}
		sim := dnvme.NewSimulatedController("sim0")
		if err := sim.AddNamespace(1, backend.NewMemory(size), dnvme.DefaultBlockSize); err != nil {
			return nil, err
		}
		logger.Info("using simulated controller", "namespace_size", formatSize(size))
		dev, err = dnvme.New(sim, opts)
		if err != nil {
			return nil, err
		}
	} else {
		dev, err = dnvme.Open(viper.GetString("device"), opts)
		if err != nil {
			return nil, err
		}
	}

	if err := dev.Bootstrap(ctx); err != nil {
		dev.Close()
		return nil, err
	}

	timeout := viper.GetDuration("poll.timeout")
	if timeout <= 0 {
		timeout = dnvme.DefaultPollTimeout
	}
	return &session{dev: dev, logger: logger, timeout: timeout}, nil
}

// Close writes the metrics textfile if configured and releases the device.
func (s *session) Close() error {
	if path := viper.GetString("metrics.textfile"); path != "" {
		if err := dnvme.WriteMetricsTextfile(path, s.dev.Metrics(), s.dev.Path()); err != nil {
			s.logger.Error("failed to write metrics", "file", path, "error", err)
		} else {
			s.logger.Debug("metrics written", "file", path)
		}
	}
	err := s.dev.Close()
	s.logger.Close()
	return err
}

// await waits for command cid and turns an error status into an error.
func (s *session) await(ctx context.Context, cqID, cid uint16) (nvme.Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	c, err := s.dev.AwaitCompletion(ctx, cqID, cid)
	if err != nil {
		return c, fmt.Errorf("waiting for command %d on CQ %d: %w", cid, cqID, err)
	}
	if err := c.Err(); err != nil {
		return c, err
	}
	return c, nil
}

func (s *session) admin(ctx context.Context, cid uint16, err error) (nvme.Completion, error) {
	if err != nil {
		return nvme.Completion{}, err
	}
	return s.await(ctx, nvme.AdminQueueID, cid)
}

// ioQueuePair creates I/O CQ id and SQ id and waits for both.
func (s *session) ioQueuePair(ctx context.Context, id uint16, elements uint32) error {
	cq := dnvme.QueueDescriptor{ID: id, Elements: elements, Contiguous: true}
	cid, err := s.dev.CreateIOCompletionQueue(cq, nil)
	if _, err := s.admin(ctx, cid, err); err != nil {
		return fmt.Errorf("create CQ %d: %w", id, err)
	}
	sq := dnvme.QueueDescriptor{ID: id, CQID: id, Elements: elements, Contiguous: true}
	cid, err = s.dev.CreateIOSubmissionQueue(sq, nil)
	if _, err := s.admin(ctx, cid, err); err != nil {
		return fmt.Errorf("create SQ %d: %w", id, err)
	}
	return nil
}

// withSession opens a session, runs fn and closes the session.
func withSession(ctx context.Context, fn func(*session) error) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func parseUint(s string, bits int) (uint64, error) {
	return strconv.ParseUint(s, 0, bits)
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	multiplier := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{{"K", 1 << 10}, {"M", 1 << 20}, {"G", 1 << 30}} {
		if strings.HasSuffix(s, u.suffix) {
			multiplier = u.mult
			s = strings.TrimSuffix(s, u.suffix)
			break
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if num <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
