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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shenwei356/bio/seq"
	"github.com/spf13/cobra"

	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/pipeline"
	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/tools"
)

var alignCmd = &cobra.Command{
	Use:   "align",
	Short: "Align reads, split aligned and unaligned reads, and count genes",
	Long: `Align reads, split aligned and unaligned reads, and count genes

Stages of every sample:
  1. aligning reads to the reference genome with STAR.
  2. splitting the alignments into aligned.fastq.gz and unaligned.fastq.gz,
     checking that aligned + unaligned reads equal the number of input reads
     reported by STAR, and computing the unmapped rate.
     A sample is probe-eligible when the unmapped rate is greater than
     the threshold.

After all samples are processed:
  3. counting reads of genes with featureCounts (unless --skip-counting).
  4. differential expression analysis with DESeq2 (with --run-deseq2),
     when samples belong to at least two conditions.

Output files:
  <out-dir>/<sample>/manifest.yaml         stages finished by the sample
  <out-dir>/<sample>/star/                 STAR output and logs
  <out-dir>/<sample>/aligned.fastq.gz
  <out-dir>/<sample>/unaligned.fastq.gz
  <out-dir>/counts/gene_counts.tsv         featureCounts output
  <out-dir>/counts/design.tsv              sample conditions
  <out-dir>/deseq2/                        DESeq2 results
  <out-dir>/run_summary.align.tsv          terminal state of every sample

Finished stages are skipped when rerunning the command with the same
output directory, as long as their output files are unchanged.
Failed samples do not stop others.

`,
	Run: func(cmd *cobra.Command, args []string) {
		var code int
		defer func() {
			if code != exitOK {
				os.Exit(code)
			}
		}()

		opt := getOptions(cmd)
		seq.ValidateSeq = false
		if logfh := setupLog(opt); logfh != nil {
			defer logfh.Close()
		}

		timeStart := time.Now()
		defer func() {
			if opt.Verbose || opt.Log2File {
				log.Info()
				log.Infof("elapsed time: %s", time.Since(timeStart))
				log.Info()
			}
		}()

		// ---------------------------------------------------------------
		// configuration

		rs := loadRunSetting(cmd, opt, pipeline.ModeAlign)
		rs.validate()

		starBin := getFlagString(cmd, "star")
		starArgs := getFlagString(cmd, "star-args")
		fcBin := getFlagString(cmd, "featurecounts")
		skipCounting := getFlagBool(cmd, "skip-counting")
		runDE := getFlagBool(cmd, "run-deseq2")
		rscript := getFlagString(cmd, "rscript")
		deScript := getFlagString(cmd, "deseq2-script")

		if skipCounting && runDE {
			checkError(fmt.Errorf("flag --run-deseq2 can not be used along with --skip-counting"))
		}

		// ---------------------------------------------------------------
		// external tools

		checkError(tools.Check(starBin))
		tls := pipeline.Tools{
			Aligner: &tools.STAR{
				Bin:       starBin,
				Index:     rs.ref.StarIndex,
				Threads:   rs.threads,
				ExtraArgs: strings.Fields(starArgs),
				Runner:    rs.runner,
			},
		}

		if !skipCounting {
			checkError(tools.Check(fcBin))

			var paired bool
			for _, s := range rs.samples {
				if s.Paired() {
					paired = true
					break
				}
			}
			tls.Counter = &tools.FeatureCounts{
				Bin:        fcBin,
				Annotation: rs.ref.AnnotationPath,
				Threads:    opt.NumCPUs,
				Paired:     paired,
				Runner:     rs.runner,
			}
		}

		if runDE {
			checkError(tools.Check(rscript))
			tls.DE = &tools.DESeq2{
				Rscript: rscript,
				Script:  deScript,
				Runner:  rs.runner,
			}
		}

		rs.logParameters()
		if opt.Verbose || opt.Log2File {
			log.Infof("STAR: %s, index: %s", starBin, rs.ref.StarIndex)
			if !skipCounting {
				log.Infof("featureCounts: %s", fcBin)
			}
			if runDE {
				log.Infof("DESeq2 with: %s", rscript)
			}
			log.Info()
		}

		// ---------------------------------------------------------------
		// run

		popt := rs.pipelineOptions()
		popt.RunDE = runDE

		code = rs.run(tls, popt)
	},
}

func init() {
	RootCmd.AddCommand(alignCmd)

	addRunFlags(alignCmd)

	alignCmd.Flags().StringP("star", "", "STAR", formatFlagUsage(`Path of STAR.`))
	alignCmd.Flags().StringP("star-args", "", "",
		formatFlagUsage(`Extra arguments passed to STAR, e.g., "--outFilterMultimapNmax 20".`))
	alignCmd.Flags().StringP("featurecounts", "", "featureCounts", formatFlagUsage(`Path of featureCounts.`))
	alignCmd.Flags().BoolP("skip-counting", "", false, formatFlagUsage(`Do not count reads of genes.`))
	alignCmd.Flags().BoolP("run-deseq2", "", false,
		formatFlagUsage(`Run differential expression analysis with DESeq2 after counting.`))
	alignCmd.Flags().StringP("rscript", "", "Rscript", formatFlagUsage(`Path of Rscript, used by DESeq2.`))
	alignCmd.Flags().StringP("deseq2-script", "", "",
		formatFlagUsage(`R script of DESeq2 analysis, called with the counts table, the design table and
		the output directory. A built-in script is used if not given.`))

	alignCmd.SetUsageTemplate(usageTemplate(""))
}
