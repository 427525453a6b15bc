// Package schedule runs agent tasks on cron schedules and owns the
// periodic session retention sweep. Jobs persist as JSON so restarts
// keep the schedule.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// specParser matches the cron the service runs with: six fields with a
// leading seconds field, plus @descriptors.
var specParser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour |
	rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// JobResult is what the job handler reports back for run history.
type JobResult struct {
	ExecutionID string
	Summary     string
}

type Service struct {
	storePath string

	// OnJob executes one scheduled task. Set before Start.
	OnJob func(job Job) (JobResult, error)
	// Maintenance runs once a day for retention sweeps. Optional.
	Maintenance func() error

	mu       sync.Mutex
	jobs     []Job
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job ID -> cron entry ID
	cancel   context.CancelFunc
}

func NewService(storePath string) *Service {
	return &Service{
		storePath: storePath,
		entryMap:  make(map[string]rcron.EntryID),
	}
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel

	if err := s.load(); err != nil {
		log.Printf("[schedule] warning: failed to load jobs: %v", err)
	}

	s.cron = rcron.New(rcron.WithSeconds())
	for i := range s.jobs {
		if s.jobs[i].Enabled {
			s.registerJob(&s.jobs[i])
		}
	}
	if s.Maintenance != nil {
		if _, err := s.cron.AddFunc("0 0 3 * * *", s.runMaintenance); err != nil {
			log.Printf("[schedule] failed to register maintenance: %v", err)
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	log.Printf("[schedule] started with %d jobs", count)

	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
	return nil
}

// registerJob adds the job to the running cron. Caller holds the lock.
func (s *Service) registerJob(job *Job) {
	jobCopy := *job
	id, err := s.cron.AddFunc(job.Spec, func() {
		s.executeJob(jobCopy)
	})
	if err != nil {
		log.Printf("[schedule] failed to register job %s (%q): %v", job.Name, job.Spec, err)
		return
	}
	s.entryMap[job.ID] = id
}

func (s *Service) executeJob(job Job) {
	log.Printf("[schedule] executing job %s (%s)", job.Name, job.ID)

	if s.OnJob == nil {
		log.Printf("[schedule] no OnJob handler set")
		return
	}

	result, err := s.OnJob(job)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != job.ID {
			continue
		}
		state := &s.jobs[i].State
		state.LastRunAtMs = time.Now().UnixMilli()
		state.Runs++
		state.LastExecutionID = result.ExecutionID
		if err != nil {
			state.LastStatus = "error"
			state.LastError = err.Error()
			log.Printf("[schedule] job %s error: %v", job.Name, err)
		} else {
			state.LastStatus = "ok"
			state.LastError = ""
			log.Printf("[schedule] job %s result: %s", job.Name, truncate(result.Summary, 100))
		}

		if s.jobs[i].DeleteAfterRun {
			if entryID, ok := s.entryMap[job.ID]; ok && s.cron != nil {
				s.cron.Remove(entryID)
				delete(s.entryMap, job.ID)
			}
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		}
		break
	}

	_ = s.save()
}

func (s *Service) runMaintenance() {
	if err := s.Maintenance(); err != nil {
		log.Printf("[schedule] maintenance error: %v", err)
	}
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if s.cron != nil {
		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[schedule] stop timeout waiting for running jobs")
		}
	}
	log.Printf("[schedule] stopped")
}

func (s *Service) AddJob(name, spec, taskType, instruction string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := specParser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	job := NewJob(name, spec, taskType, instruction)
	s.jobs = append(s.jobs, job)

	if s.cron != nil {
		s.registerJob(&s.jobs[len(s.jobs)-1])
	}

	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	return &job, nil
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			if entryID, ok := s.entryMap[id]; ok && s.cron != nil {
				s.cron.Remove(entryID)
				delete(s.entryMap, id)
			}
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			_ = s.save()
			return true
		}
	}
	return false
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) EnableJob(id string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != id {
			continue
		}
		s.jobs[i].Enabled = enabled
		if s.cron != nil {
			if enabled {
				if _, ok := s.entryMap[id]; !ok {
					s.registerJob(&s.jobs[i])
				}
			} else if entryID, ok := s.entryMap[id]; ok {
				s.cron.Remove(entryID)
				delete(s.entryMap, id)
			}
		}
		_ = s.save()
		job := s.jobs[i]
		return &job, nil
	}
	return nil, fmt.Errorf("job %s not found", id)
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &s.jobs)
}

func (s *Service) save() error {
	dir := filepath.Dir(s.storePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
