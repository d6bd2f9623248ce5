// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

// See doc.go for documentation.

import (
	"flag"
	"os"

	"github.com/grailbio/base/grail"
	"v.io/x/lib/cmdline"
)

func newCmdRoot() *cmdline.Command {
	return &cmdline.Command{
		Name:     "bio-popgen",
		Short:    "Infer demographic history from population sequencing data",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdRun(),
			newCmdSFS(),
			newCmdOptimize(),
			newCmdExtract(),
			newCmdSpectrum(),
			newCmdModels(),
		},
	}
}

func main() {
	shutdown := grail.Init()
	cmdline.HideGlobalFlagsExcept()
	err := cmdline.ParseAndRun(newCmdRoot(), cmdline.EnvFromOS(), flag.Args())
	shutdown()
	if err != nil {
		os.Exit(cmdline.ExitCode(err, os.Stderr))
	}
}
