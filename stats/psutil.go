package stats

import (
	"time"

	"github.com/estesp/enclavebench/utils"
	"github.com/pkg/errors"
)

// PSUtilSampler samples a process through gopsutil
type PSUtilSampler struct {
	proc *utils.Proc
}

func NewPSUtilSampler(pid int) (*PSUtilSampler, error) {
	proc, err := utils.NewProcFromPID(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create process from pid: %d", pid)
	}

	return &PSUtilSampler{proc}, nil
}

func (s *PSUtilSampler) Query() (*ProcSample, error) {
	mem, memErr := s.proc.Mem()
	if memErr != nil {
		return nil, errors.Wrapf(memErr, "couldn't get mem info for proc: %d", s.proc.PID())
	}

	cpu, cpuErr := s.proc.CPU()
	if cpuErr != nil {
		return nil, errors.Wrapf(cpuErr, "couldn't get cpu info for proc: %d", s.proc.PID())
	}

	return &ProcSample{
		Timestamp: uint64(time.Now().UnixNano()),
		RSS:       mem,
		CPU:       cpu,
	}, nil
}
