// Copyright © 2018 Phil Estes <estesp@gmail.com>
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
	"fmt"

	"github.com/spf13/cobra"
)

// set with -ldflags "-X github.com/estesp/enclavebench/cmd.gitCommit=..."
var gitCommit = ""

const version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display enclavebench version and git commit information.",
	Long: `Display the enclavebench version and git commit information embedded in
the binary at build time.`,
	Run: func(cmd *cobra.Command, args []string) {
		commit := gitCommit
		if commit == "" {
			commit = "unknown"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "enclavebench v%s (commit: %s)\n", version, commit)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
