// Package zpool queries ZFS pool health by running the zpool command.
package zpool

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"nasnotifier/internal/logger"
	"nasnotifier/internal/metrics"
	"nasnotifier/internal/models"
)

// Runner runs an external command and returns its standard output
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

// Run executes name with args. Stderr is folded into the error so a failing
// zpool explains itself in the log.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// listArgs asks for scripted (tab separated, no header) name and health columns
var listArgs = []string{"list", "-H", "-o", "name,health"}

// Config holds poller configuration
type Config struct {
	Runner   Runner
	Command  string
	Interval time.Duration
	Timeout  time.Duration
}

// Poller periodically queries pool health
type Poller struct {
	runner   Runner
	command  string
	interval time.Duration
	timeout  time.Duration
}

// NewPoller creates a poller
func NewPoller(cfg Config) *Poller {
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if cfg.Command == "" {
		cfg.Command = "zpool"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Poller{
		runner:   cfg.Runner,
		command:  cfg.Command,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
	}
}

// Poll runs the status query once and returns one snapshot per pool
func (p *Poller) Poll(ctx context.Context) ([]models.PoolHealthSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	out, err := p.runner.Run(ctx, p.command, listArgs...)
	metrics.PollDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PollsTotal.WithLabelValues("failed").Inc()
		return nil, &models.QueryError{Command: p.commandLine(), Err: err}
	}

	snapshots, err := ParseList(out)
	if err != nil {
		metrics.PollsTotal.WithLabelValues("failed").Inc()
		return nil, &models.QueryError{Command: p.commandLine(), Err: err}
	}

	metrics.PollsTotal.WithLabelValues("success").Inc()
	return snapshots, nil
}

// Run polls immediately and then on every interval, sending each successful
// result to out. Failed polls are logged and produce nothing; the next attempt
// waits for the next tick.
func (p *Poller) Run(ctx context.Context, out chan<- []models.PoolHealthSnapshot) {
	log := logger.WithComponent("zpool")
	log.Info().
		Str("command", p.commandLine()).
		Dur("interval", p.interval).
		Msg("pool poller started")
	defer log.Info().Msg("pool poller stopped")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		snapshots, err := p.Poll(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			log.Warn().Err(err).Msg("pool status query failed, keeping previous state")
		default:
			log.Debug().Int("pools", len(snapshots)).Msg("pool status polled")
			select {
			case out <- snapshots:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) commandLine() string {
	return p.command + " " + strings.Join(listArgs, " ")
}

// ParseList parses `zpool list -H -o name,health` output. Each non-empty line
// must hold exactly a pool name and a health value; anything else means the
// output as a whole cannot be trusted.
func ParseList(out []byte) ([]models.PoolHealthSnapshot, error) {
	var snapshots []models.PoolHealthSnapshot
	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(bytes.NewReader(out))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected 2 columns, got %d: %q", lineNo, len(fields), line)
		}
		name, health := fields[0], fields[1]
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("line %d: duplicate pool %q", lineNo, name)
		}
		seen[name] = struct{}{}

		s := models.PoolHealthSnapshot{Pool: name, Health: models.ParseHealthCode(health)}
		if s.Health == models.HealthUnknown {
			s.Raw = health
		}
		snapshots = append(snapshots, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return snapshots, nil
}
