package stats

import (
	"github.com/montanaflynn/stats"
)

// Summary condenses the time series of a run
type Summary struct {
	MeanRSS float64
	MaxRSS  float64
	MeanCPU float64
	MaxCPU  float64

	// Power is the mean power draw in watts per energy domain. Domains with
	// fewer than two usable samples are left out.
	Power map[string]float64
}

// Summarize computes the summary of the process and energy series
func Summarize(process []ProcSample, energy map[string][]EnergySample) Summary {
	var s Summary

	if len(process) > 0 {
		rss := make(stats.Float64Data, 0, len(process))
		cpu := make(stats.Float64Data, 0, len(process))
		for _, p := range process {
			rss = append(rss, float64(p.RSS))
			cpu = append(cpu, p.CPU)
		}
		s.MeanRSS, _ = stats.Mean(rss)
		s.MaxRSS, _ = stats.Max(rss)
		s.MeanCPU, _ = stats.Mean(cpu)
		s.MaxCPU, _ = stats.Max(cpu)
	}

	s.Power = make(map[string]float64, len(energy))
	for domain, series := range energy {
		if p, ok := meanPower(series); ok {
			s.Power[domain] = p
		}
	}
	return s
}

// meanPower averages the power between consecutive samples. Intervals where
// the counter wrapped or time did not advance are skipped.
func meanPower(series []EnergySample) (float64, bool) {
	watts := make(stats.Float64Data, 0, len(series))
	for i := 1; i < len(series); i++ {
		prev, cur := series[i-1], series[i]
		if cur.Timestamp <= prev.Timestamp || cur.EnergyUJ < prev.EnergyUJ {
			continue
		}
		// uJ per ns scaled to J per s
		watts = append(watts, float64(cur.EnergyUJ-prev.EnergyUJ)*1e3/float64(cur.Timestamp-prev.Timestamp))
	}
	if len(watts) == 0 {
		return 0, false
	}
	mean, err := stats.Mean(watts)
	if err != nil {
		return 0, false
	}
	return mean, true
}
