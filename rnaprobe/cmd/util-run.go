// Copyright © 2024 The rnaprobe Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	humanize "github.com/dustin/go-humanize"
	gzip "github.com/klauspost/pgzip"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"

	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/config"
	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/pipeline"
	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/tools"
)

// runSetting holds what the align and probe commands share.
type runSetting struct {
	opt  *Options
	mode pipeline.Mode

	samplesheet string
	reference   string
	samples     []config.SampleRecord
	ref         config.ReferenceConfig

	outDir  string
	workers int
	threads int // CPUs of one external tool invocation

	runner tools.Runner
	retry  pipeline.RetryOptions

	gzipped bool
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("samplesheet", "s", "",
		formatFlagUsage(`Samplesheet, tab-delimited (or comma-delimited with a .csv suffix), with columns
		sample_id, condition, and one or more read file columns (fastq1, fastq2, ...).`))
	cmd.Flags().StringP("reference", "r", "", formatFlagUsage(`Reference configuration file in YAML.`))
	cmd.Flags().StringP("out-dir", "O", "rnaprobe-out",
		formatFlagUsage(`Output directory. Finished stages of samples in it are reused.`))
	cmd.Flags().IntP("workers", "w", 2, formatFlagUsage(`Number of samples processed at the same time.`))

	cmd.Flags().IntP("retries", "", 2, formatFlagUsage(`Retries of a failed external tool invocation.`))
	cmd.Flags().DurationP("retry-backoff", "", 2*time.Second,
		formatFlagUsage(`Waiting time before the first retry, doubled for every following one.`))
	cmd.Flags().DurationP("tool-timeout", "", 24*time.Hour,
		formatFlagUsage(`Timeout of one external tool invocation, 0 for no timeout. A timed-out stage fails without retries.`))
	cmd.Flags().DurationP("grace-period", "", 10*time.Second,
		formatFlagUsage(`Time given to running external tools to exit after an interruption, before they are killed.`))

	cmd.Flags().Float64P("unmapped-rate-threshold", "", config.DefaultUnmappedRateThreshold,
		formatFlagUsage(`A sample is probe-eligible when its unmapped rate is greater than this value.
		It overrides unmapped_rate_threshold of the reference configuration when given.`))
}

// loadRunSetting reads the configuration files and shared flags.
// Configuration errors exit the program before anything runs.
func loadRunSetting(cmd *cobra.Command, opt *Options, mode pipeline.Mode) *runSetting {
	rs := &runSetting{opt: opt, mode: mode}

	rs.samplesheet = getFlagString(cmd, "samplesheet")
	if rs.samplesheet == "" {
		checkError(fmt.Errorf("flag -s/--samplesheet needed"))
	}
	rs.reference = getFlagString(cmd, "reference")
	if rs.reference == "" {
		checkError(fmt.Errorf("flag -r/--reference needed"))
	}

	rs.outDir = getFlagString(cmd, "out-dir")
	if rs.outDir == "" {
		checkError(fmt.Errorf("flag -O/--out-dir needed"))
	}
	rs.workers = getFlagPositiveInt(cmd, "workers")
	rs.threads = threadsPerTask(opt.NumCPUs, rs.workers)

	rs.retry = pipeline.RetryOptions{
		Retries: getFlagNonNegativeInt(cmd, "retries"),
		Backoff: getFlagNonNegativeDuration(cmd, "retry-backoff"),
	}
	rs.runner = tools.Runner{
		Timeout: getFlagNonNegativeDuration(cmd, "tool-timeout"),
		Grace:   getFlagNonNegativeDuration(cmd, "grace-period"),
	}

	var err error
	rs.ref, err = config.LoadReference(rs.reference)
	checkConfigError(err)

	rs.samples, err = config.LoadSamplesheet(rs.samplesheet)
	checkConfigError(err)

	getFlagFloat64IfSet(cmd, "unmapped-rate-threshold", &rs.ref.UnmappedRateThreshold)

	return rs
}

// validate checks the reference configuration again after command-line
// overrides.
func (rs *runSetting) validate() {
	checkConfigError(rs.ref.Validate())
}

func (rs *runSetting) logParameters() {
	if !(rs.opt.Verbose || rs.opt.Log2File) {
		return
	}
	log.Infof("rnaprobe v%s", VERSION)
	log.Info()
	log.Infof("-------------------- [main parameters] --------------------")
	log.Infof("command: %s", rs.mode)
	log.Infof("samplesheet: %s (%s)", rs.samplesheet, plural(len(rs.samples), "sample"))
	log.Infof("reference: %s", rs.reference)
	log.Infof("  organism: %s", config.OrganismName(rs.ref.Organism))
	log.Infof("  genome: %s", rs.ref.GenomePath)
	log.Infof("  annotation: %s", rs.ref.AnnotationPath)
	log.Infof("  search database: %s", rs.ref.SearchDatabasePath)
	log.Infof("unmapped-rate threshold: %v", rs.ref.UnmappedRateThreshold)
	if rs.mode == pipeline.ModeProbe {
		log.Infof("min identity: %v, max e-value: %v, min query coverage: %v",
			rs.ref.MinIdentity, rs.ref.MaxEvalue, rs.ref.MinQueryCoverage)
		log.Infof("dominant taxon fraction: %v", rs.ref.DominantTaxonFraction)
		log.Infof("host-like taxa: %s", joinNonEmpty(", ", rs.ref.HostLabels()...))
	}
	log.Infof("output directory: %s", absPath(rs.outDir))
	log.Infof("workers: %d, threads per tool: %d", rs.workers, rs.threads)
	log.Infof("retries: %d, backoff: %s, tool timeout: %s, grace period: %s",
		rs.retry.Retries, rs.retry.Backoff, rs.runner.Timeout, rs.runner.Grace)
	log.Infof("-------------------- [main parameters] --------------------")
	log.Info()
}

// pipelineOptions returns the orchestrator options shared by both modes.
func (rs *runSetting) pipelineOptions() pipeline.Options {
	return pipeline.Options{
		OutDir:                rs.outDir,
		Workers:               rs.workers,
		Threads:               rs.threads,
		Retry:                 rs.retry,
		UnmappedRateThreshold: rs.ref.UnmappedRateThreshold,
	}
}

// run runs the orchestrator and reports the result. It returns the exit code.
func (rs *runSetting) run(tls pipeline.Tools, popt pipeline.Options) int {
	opt := rs.opt
	makeOutDir(rs.outDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			log.Warningf("interrupted: no more samples are started, running tools are stopped within %s", rs.runner.Grace)
		case <-finished:
		}
	}()

	// process bar
	var pbs *mpb.Progress
	var bar *mpb.Bar
	if opt.Verbose {
		pbs = mpb.New(mpb.WithWidth(79))
		bar = pbs.AddBar(int64(len(rs.samples)),
			mpb.BarStyle("[=>-]<+"),
			mpb.PrependDecorators(
				decor.Name("processed samples: ", decor.WC{W: len("processed samples: "), C: decor.DidentRight}),
				decor.Name("", decor.WCSyncSpaceR),
				decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
			),
			mpb.AppendDecorators(
				decor.EwmaETA(decor.ET_STYLE_GO, 60),
			),
		)
		popt.OnTerminal = func(s *pipeline.SampleState) {
			bar.Increment()
		}
	}

	orch, err := pipeline.New(tls, popt)
	checkError(err)
	if opt.Verbose || opt.Log2File {
		log.Infof("run id: %s", orch.RunID())
	}

	summaryFile := filepath.Join(rs.outDir, pipeline.SummaryFile(rs.mode))
	sfh, sgw, sw, err := outStream(summaryFile, false, 0)
	checkError(err)
	w := pipeline.Writers{Summary: sfh}

	var reportFile string
	var rfh *bufio.Writer
	var rgw io.WriteCloser
	var rw *os.File
	if rs.mode == pipeline.ModeProbe {
		reportFile = filepath.Join(rs.outDir, pipeline.ReportFile)
		if rs.gzipped {
			reportFile += ".gz"
		}
		rfh, rgw, rw, err = outStream(reportFile, rs.gzipped, gzip.DefaultCompression)
		checkError(err)
		w.Report = rfh
	}

	result, err := orch.Run(ctx, rs.mode, rs.samples, w)
	close(finished)

	if bar != nil {
		if !bar.Completed() {
			bar.SetTotal(bar.Current(), true)
		}
		pbs.Wait()
	}
	checkError(closeStream(sfh, sgw, sw))
	if rfh != nil {
		checkError(closeStream(rfh, rgw, rw))
	}

	if err != nil {
		log.Error(err)
		if result == nil {
			return exitError
		}
	}

	checkError(writeSummaryTable(os.Stdout, result))
	logRunResult(result)

	if opt.Verbose || opt.Log2File {
		log.Infof("run summary saved to: %s", summaryFile)
		if reportFile != "" {
			log.Infof("composition report saved to: %s", reportFile)
		}
		files, size, err := dirSize(rs.outDir, opt.NumCPUs)
		if err != nil {
			log.Warningf("fail to compute size of %s: %s", rs.outDir, err)
		} else {
			log.Infof("output directory: %s, %s files, %s", rs.outDir,
				humanize.Comma(files), humanize.Bytes(uint64(size)))
		}
	}

	if ctx.Err() != nil {
		log.Warningf("run interrupted, rerun the same command to resume")
	}

	if err != nil {
		return exitError
	}
	return exitCode(result)
}
