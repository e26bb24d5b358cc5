// Package scheduler runs the recurring FuelSentry jobs: the twice-daily
// collect-and-cycle run and the weekly threshold recalibration. Job cadence
// comes from a YAML file so operators can retune without redeploying.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/fuelsentry/fuelsentry/internal/config"
)

// Job kinds the scheduler knows how to run.
const (
	JobCycle     = "signal.cycle"
	JobCalibrate = "threshold.calibrate"
)

// Job is one scheduled job definition.
type Job struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`
	Interval    config.Duration `yaml:"interval"`
	Description string        `yaml:"description"`
	Enabled     bool          `yaml:"enabled"`
}

// Config holds the scheduler configuration.
type Config struct {
	Jobs   []Job        `yaml:"jobs"`
	Global GlobalConfig `yaml:"global"`
}

// GlobalConfig holds global scheduler settings.
type GlobalConfig struct {
	Timezone string `yaml:"timezone"`
}

// Status reports the scheduler's current state.
type Status struct {
	Running      bool          `json:"running"`
	EnabledJobs  int           `json:"enabled_jobs"`
	DisabledJobs int           `json:"disabled_jobs"`
	Uptime       time.Duration `json:"uptime"`
}

// JobResult is the outcome of one job execution.
type JobResult struct {
	JobName   string        `json:"job_name"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// CycleRunner runs one full collect-and-signal pass.
type CycleRunner interface {
	RunAll(ctx context.Context, day time.Time) error
}

// Calibrator recomputes and persists threshold versions.
type Calibrator interface {
	CalibrateAll(ctx context.Context, now time.Time) error
}

// Scheduler drives the configured jobs.
type Scheduler struct {
	config     Config
	cycles     CycleRunner
	calibrator Calibrator
	log        zerolog.Logger
	startTime  time.Time
	running    bool
}

// New loads the job configuration and builds a scheduler.
func New(configPath string, cycles CycleRunner, calibrator Calibrator, log zerolog.Logger) (*Scheduler, error) {
	config, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduler config: %w", err)
	}

	return &Scheduler{
		config:     config,
		cycles:     cycles,
		calibrator: calibrator,
		log:        log.With().Str("component", "scheduler").Logger(),
	}, nil
}

func loadConfig(configPath string) (Config, error) {
	var config Config

	data, err := os.ReadFile(configPath)
	if err != nil {
		return config, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.Global.Timezone == "" {
		config.Global.Timezone = "UTC"
	}
	for i, job := range config.Jobs {
		if job.Interval <= 0 {
			return config, fmt.Errorf("job %s: interval must be positive", job.Name)
		}
		switch job.Type {
		case JobCycle, JobCalibrate:
		default:
			return config, fmt.Errorf("job %s: unknown type %s", job.Name, job.Type)
		}
		config.Jobs[i] = job
	}
	return config, nil
}

// DefaultConfig is the built-in cadence: cycles twice a day, calibration
// weekly.
func DefaultConfig() Config {
	return Config{
		Jobs: []Job{
			{Name: "signal-cycle", Type: JobCycle, Interval: config.Duration(12 * time.Hour),
				Description: "Collect market data and run the signal cycle per fuel type", Enabled: true},
			{Name: "threshold-calibration", Type: JobCalibrate, Interval: config.Duration(7 * 24 * time.Hour),
				Description: "Recalibrate hysteresis thresholds from realized history", Enabled: true},
		},
		Global: GlobalConfig{Timezone: "UTC"},
	}
}

// ListJobs returns all configured jobs.
func (s *Scheduler) ListJobs() []Job {
	return s.config.Jobs
}

// GetStatus reports the current scheduler state.
func (s *Scheduler) GetStatus() Status {
	enabled, disabled := 0, 0
	for _, job := range s.config.Jobs {
		if job.Enabled {
			enabled++
		} else {
			disabled++
		}
	}

	var uptime time.Duration
	if s.running {
		uptime = time.Since(s.startTime)
	}
	return Status{
		Running:      s.running,
		EnabledJobs:  enabled,
		DisabledJobs: disabled,
		Uptime:       uptime,
	}
}

// Start runs every enabled job on its interval until the context is
// cancelled. Each job runs once immediately on startup so a restart never
// silently skips a day.
func (s *Scheduler) Start(ctx context.Context) error {
	s.running = true
	s.startTime = time.Now()
	defer func() { s.running = false }()

	s.log.Info().Int("jobs", len(s.config.Jobs)).Msg("Scheduler starting")

	done := make(chan struct{})
	for _, job := range s.config.Jobs {
		if !job.Enabled {
			s.log.Info().Str("job", job.Name).Msg("Job disabled, skipping")
			continue
		}
		go s.runLoop(ctx, job, done)
	}

	<-ctx.Done()
	close(done)
	return ctx.Err()
}

func (s *Scheduler) runLoop(ctx context.Context, job Job, done <-chan struct{}) {
	ticker := time.NewTicker(job.Interval.Std())
	defer ticker.Stop()

	result := s.RunJob(ctx, job.Name)
	s.logResult(result)

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := s.RunJob(ctx, job.Name)
			s.logResult(result)
		}
	}
}

// RunJob executes one named job immediately.
func (s *Scheduler) RunJob(ctx context.Context, jobName string) *JobResult {
	var job *Job
	for i := range s.config.Jobs {
		if s.config.Jobs[i].Name == jobName {
			job = &s.config.Jobs[i]
			break
		}
	}

	result := &JobResult{JobName: jobName, StartTime: time.Now(), Success: true}
	if job == nil {
		result.Success = false
		result.Error = fmt.Sprintf("job not found: %s", jobName)
		result.EndTime = time.Now()
		return result
	}

	s.log.Info().Str("job", job.Name).Str("type", job.Type).Msg("Executing job")

	var err error
	switch job.Type {
	case JobCycle:
		err = s.cycles.RunAll(ctx, time.Now().UTC())
	case JobCalibrate:
		err = s.calibrator.CalibrateAll(ctx, time.Now().UTC())
	default:
		err = fmt.Errorf("unknown job type: %s", job.Type)
	}
	if err != nil {
		result.Success = false
		result.Error = err.Error()
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	return result
}

func (s *Scheduler) logResult(r *JobResult) {
	ev := s.log.Info()
	if !r.Success {
		ev = s.log.Error().Str("error", r.Error)
	}
	ev.Str("job", r.JobName).Dur("duration", r.Duration).Bool("success", r.Success).Msg("Job finished")
}
