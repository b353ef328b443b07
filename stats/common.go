package stats

// Sampler represents an interface of a process resource sampler
type Sampler interface {
	// Query gets a resource usage sample (rss and cpu) of the process or error
	Query() (*ProcSample, error)
}

// NewSampler creates a sampler for the process identified by pid
func NewSampler(pid int) (Sampler, error) {
	return NewPSUtilSampler(pid)
}
