// Copyright © 2016 Phil Estes <estesp@gmail.com>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/estesp/enclavebench/collector"
	"github.com/estesp/enclavebench/config"
	"github.com/estesp/enclavebench/driver"
	"github.com/estesp/enclavebench/profiler"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

const defaultWorkloadFile = "workload.yaml"

var (
	workloadFile string
	loaderBinary string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Profile the tasks of a workload natively and inside SGX enclaves",
	Long: `The YAML file provided via the --config flag determines which programs to
run, with which arguments, thread counts, enclave sizes and storage types.
Metrics of every run are written below the workload output directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if workloadFile == "" {
			return fmt.Errorf("No YAML file provided with --config/-c; nothing to do")
		}
		workload, err := config.Load(workloadFile)
		if err != nil {
			return fmt.Errorf("Error reading workload file %q: %v", workloadFile, err)
		}
		g := workload.Globals

		coll := collector.New(collector.Config{
			SampleSize:           g.SampleSize,
			DeepTrace:            g.DeepTrace,
			FailFast:             g.FailFast,
			EnergySampleInterval: g.EnergySampleInterval.Duration,
			PerfBinary:           g.PerfBinary,
			ExtraPerfEvents:      g.ExtraPerfEvents,
			TracerObject:         g.TracerObject,
			PartitionsFile:       g.PartitionsFile,
			RAPLRoot:             g.RAPLRoot,
		})

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)
		defer signal.Stop(sigs)
		go func() {
			sig := <-sigs
			log.Warnf("received %s, stopping collection", sig)
			coll.Stop()
		}()

		ctx := context.Background()
		enclave := enclaveDriver(ctx)

		prof, err := profiler.New(ctx, profiler.OptionsFromGlobals(g), coll, profiler.NewGramineBuilder(), enclave)
		if err != nil {
			return fmt.Errorf("Error preparing profiler: %v", err)
		}

		for _, task := range workload.Tasks {
			if coll.Stopped() {
				break
			}
			if err := prof.Profile(ctx, task); err != nil {
				return fmt.Errorf("Error during profiling of %s: %v", task.Executable, err)
			}
		}

		log.Info("Profiling runs complete")
		return nil
	},
}

// enclaveDriver returns nil when enclave runs are disabled or the loader is
// missing
func enclaveDriver(ctx context.Context) driver.Driver {
	if driver.SkipEnclave() {
		log.Infof("%s set; enclave runs disabled", driver.SkipEnclaveEnv)
		return nil
	}
	drv, err := driver.New(driver.GramineSGX, loaderBinary)
	if err != nil {
		log.WithError(err).Warn("enclave loader not found; enclave runs disabled")
		return nil
	}
	info, _ := drv.Info(ctx)
	log.Info(info)
	return drv
}

func init() {
	RootCmd.AddCommand(runCmd)
	runCmd.PersistentFlags().StringVarP(&workloadFile, "config", "c", defaultWorkloadFile, "YAML file with workload definition")
	runCmd.PersistentFlags().StringVar(&loaderBinary, "loader", driver.DefaultGramineBinary, "enclave loader binary")
}
