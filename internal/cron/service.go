package cron

import (
	"fmt"
	"log"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Job is a named task on a cron schedule. Schedule expressions include a
// seconds field.
type Job struct {
	Name     string
	Schedule string
	Run      func() error
}

// JobStatus is the last observed outcome of a registered job.
type JobStatus struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	LastRunAt  time.Time `json:"lastRunAt"`
	LastStatus string    `json:"lastStatus"` // "", "ok" or "error"
	LastError  string    `json:"lastError,omitempty"`
}

// Service runs registered maintenance jobs on their schedules.
type Service struct {
	mu     sync.Mutex
	cron   *rcron.Cron
	status map[string]*JobStatus
	order  []string
}

func NewService() *Service {
	return &Service{
		cron:   rcron.New(rcron.WithSeconds()),
		status: make(map[string]*JobStatus),
	}
}

// Add registers a job. Jobs added after Start are picked up on their next
// scheduled tick.
func (s *Service) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.cron.AddFunc(job.Schedule, func() { s.execute(job) }); err != nil {
		return fmt.Errorf("register job %s (%s): %w", job.Name, job.Schedule, err)
	}
	s.status[job.Name] = &JobStatus{Name: job.Name, Schedule: job.Schedule}
	s.order = append(s.order, job.Name)
	return nil
}

func (s *Service) execute(job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[cron] job %s panicked: %v", job.Name, r)
			s.record(job.Name, fmt.Errorf("panic: %v", r))
		}
	}()
	s.record(job.Name, job.Run())
}

func (s *Service) record(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.status[name]
	if !ok {
		return
	}
	st.LastRunAt = time.Now()
	if err != nil {
		st.LastStatus = "error"
		st.LastError = err.Error()
		log.Printf("[cron] job %s error: %v", name, err)
		return
	}
	st.LastStatus = "ok"
	st.LastError = ""
}

func (s *Service) Start() {
	s.mu.Lock()
	n := len(s.order)
	s.mu.Unlock()

	s.cron.Start()
	log.Printf("[cron] started with %d job(s)", n)
}

// Stop halts scheduling and waits for running jobs to finish, bounded at
// five seconds.
func (s *Service) Stop() {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[cron] stop timeout waiting for running jobs")
	}
	log.Printf("[cron] stopped")
}

// Jobs returns the status of every registered job in registration order.
func (s *Service) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, *s.status[name])
	}
	return out
}
