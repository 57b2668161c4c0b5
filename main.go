// Ageingpanel: Ageing Panel Stroke and Psychosis Pipeline
// Copyright (c) 2022 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/ptra/blob/master/LICENSE.txt>.

package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"ageingpanel/app"

	"go.uber.org/zap"
)

/*
Ageingpanel prepares the nine study waves of an ageing panel for a survival analysis of stroke and psychosis.

Usage:
	ageingpanel config.yaml outputPath [flags]

Example:
	ageingpanel ./config.yaml ./out/ --nrOfThreads 8 --seed 2023 --trees 100 --imputations 5

The configuration file lists the exported wave files, the participant index, the pre-study surveys and the wealth
tables. Each stage writes its output to outputPath: merged.gob.gz, master.gob.gz, survival_<direction>.gob.gz and
imputed_<direction>.gob.gz, with CSV copies of the last three, and a run.yaml report.

The flags are:

--from merge | reconcile | survival | impute
	The first stage to execute. The output of the stage before it is loaded from outputPath, where it must have been
	written by a previous run. Defaults to merge.
--nrOfThreads nr
	The number of threads used for fitting the imputation forests.
--seed nr
	The seed of the random number generator of the imputation. Overrides the configuration file.
--trees nr
	The number of trees per imputation forest. Overrides the configuration file.
--imputations nr
	The number of imputed tables per direction. Overrides the configuration file.
*/

const (
	programVersion = 0.1
	programName    = "ageingpanel"
)

func programMessage() string {
	return fmt.Sprint(programName, " version ", programVersion, " compiled with ", runtime.Version())
}

const ageingPanelHelp = "\nageingpanel parameters:\n" +
	"ageingpanel config.yaml outputPath\n" +
	"[--from merge | reconcile | survival | impute]\n" +
	"[--nrOfThreads nr]\n" +
	"[--seed nr]\n" +
	"[--trees nr]\n" +
	"[--imputations nr]\n"

func parseFlags(flags flag.FlagSet, requiredArgs int, help string) {
	if len(os.Args) < requiredArgs {
		fmt.Fprintln(os.Stderr, "Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
	flags.SetOutput(io.Discard)
	if err := flags.Parse(os.Args[requiredArgs:]); err != nil {
		x := 0
		if err != flag.ErrHelp {
			fmt.Fprint(os.Stderr, err)
			x = 1
		}
		fmt.Fprint(os.Stderr, help)
		os.Exit(x)
	}
	if flags.NArg() > 0 {
		fmt.Fprint(os.Stderr, "Cannot parse remaining parameters:", flags.Args())
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
}

func getFileName(s, help string) string {
	switch s {
	case "-h", "--h", "-help", "--help":
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
	return s
}

func main() {
	var (
		// required parameters
		configFile string //The configuration file listing the inputs.
		outputPath string //The path where output files are written.
		// optional flags
		from        string
		nrOfThreads int
		seed        int64
		trees       int
		imputations int
	)
	var flags flag.FlagSet
	flags.StringVar(&from, "from", app.StageMerge, "The first stage to execute; earlier stages are loaded from "+
		"the output path.")
	flags.IntVar(&nrOfThreads, "nrOfThreads", 0, "The number of threads ageingpanel uses.")
	flags.Int64Var(&seed, "seed", -1, "The seed of the imputation.")
	flags.IntVar(&trees, "trees", 0, "The number of trees per imputation forest.")
	flags.IntVar(&imputations, "imputations", 0, "The number of imputed tables per direction.")
	// parse optional arguments
	parseFlags(flags, 3, ageingPanelHelp)
	// parse required arguments
	configFile = getFileName(os.Args[1], ageingPanelHelp)
	outputPath, _ = filepath.Abs(getFileName(os.Args[2], ageingPanelHelp))

	cfg, err := app.Load(configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// build an output command line
	var command bytes.Buffer
	fmt.Fprint(&command, os.Args[0], " ", configFile, " ", outputPath)
	fmt.Fprint(&command, " --from ", from)
	if seed >= 0 {
		cfg.Imputation.Seed = uint32(seed)
		fmt.Fprint(&command, " --seed ", seed)
	}
	if trees > 0 {
		cfg.Imputation.Trees = trees
		fmt.Fprint(&command, " --trees ", trees)
	}
	if imputations > 0 {
		cfg.Imputation.Imputations = imputations
		fmt.Fprint(&command, " --imputations ", imputations)
	}
	if nrOfThreads > 0 {
		cfg.NrOfThreads = nrOfThreads
	}
	if cfg.NrOfThreads > 0 {
		runtime.GOMAXPROCS(cfg.NrOfThreads)
		fmt.Fprint(&command, " --nrOfThreads ", cfg.NrOfThreads)
	}

	logger, err := app.NewLogger(cfg.LogMode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	// start execution
	logger.Info(programMessage())
	logger.Info("executing command", zap.String("command", command.String()))
	if err := app.Run(cfg, app.Options{OutputPath: outputPath, From: from}, logger); err != nil {
		logger.Error("run failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("run finished", zap.String("output", outputPath))
}
