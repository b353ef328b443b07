package utils

import (
	"github.com/shirou/gopsutil/process"
)

// Proc is a handle on a running process used for resource sampling
type Proc struct {
	proc *process.Process
}

func NewProcFromPID(pid int) (*Proc, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}

	return &Proc{p}, nil
}

// PID returns process id
func (p *Proc) PID() int {
	return int(p.proc.Pid)
}

// Mem returns resident memory usage in bytes
func (p *Proc) Mem() (uint64, error) {
	stat, err := p.proc.MemoryInfo()
	if err != nil {
		return 0, err
	}

	return stat.RSS, nil
}

// CPU returns how many percents of the CPU a process uses between this and previous call
func (p *Proc) CPU() (float64, error) {
	return p.proc.Percent(0)
}

