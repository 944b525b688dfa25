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
	"os"
	"time"

	"github.com/shenwei356/bio/seq"
	"github.com/spf13/cobra"

	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/blast"
	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/composition"
	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/config"
	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/pipeline"
	"github.com/rnaprobe/rnaprobe/rnaprobe/cmd/tools"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Search unaligned reads against a database and summarize their taxonomic composition",
	Long: `Search unaligned reads against a database and summarize their taxonomic composition

It works on the output directory of "rnaprobe align". Samples not aligned
and split there are failed, samples not probe-eligible are skipped.

Stages of every probe-eligible sample:
  1. writing up to --sample-size unaligned reads into query.fasta. Both
     mates of a read pair are searched, but count as one read.
  2. searching them with blastn and parsing the hit table. Malformed lines
     are skipped and counted.
  3. choosing the best hit of every read:
       hits with identity < --min-identity or e-value > --max-evalue are
       discarded; the one with the highest bit score is chosen, ties are
       broken by the lowest e-value and then the smallest subject id.
     The best hit of a read pair is the better one of its mates' best hits.
     Reads with no hits left are labelled "no_significant_hit".
  4. counting reads of every taxon and flagging the sample:
       chromatin-disruption-consistent: fraction of no_significant_hit
         and host-like taxa >= --dominant-fraction
       contamination-consistent: fraction of other taxa >= --dominant-fraction
       inconclusive: otherwise
     The flag is a heuristic threshold comparison for review by an analyst,
     not a diagnosis.

Taxon labels:
  1. the subject id mapped by name-mapping files (-N/--name-map, or
     name_map of the reference configuration), or
  2. the first two words of the subject title (the optional 14th column), or
  3. the subject id.

Output files:
  <out-dir>/<sample>/query.fasta
  <out-dir>/<sample>/hits.tsv               blastn output
  <out-dir>/<sample>/best_hits.tsv          best hit of every read
  <out-dir>/<sample>/composition.tsv        composition of the sample
  <out-dir>/composition_report.tsv          composition of all samples
  <out-dir>/run_summary.probe.tsv           terminal state of every sample

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

		rs := loadRunSetting(cmd, opt, pipeline.ModeProbe)

		getFlagFloat64IfSet(cmd, "min-identity", &rs.ref.MinIdentity)
		getFlagFloat64IfSet(cmd, "max-evalue", &rs.ref.MaxEvalue)
		getFlagFloat64IfSet(cmd, "min-query-cov", &rs.ref.MinQueryCoverage)
		getFlagFloat64IfSet(cmd, "dominant-fraction", &rs.ref.DominantTaxonFraction)
		rs.validate()

		blastnBin := getFlagString(cmd, "blastn")
		sampleSize := getFlagNonNegativeInt(cmd, "sample-size")
		maxTargetSeqs := getFlagPositiveInt(cmd, "max-target-seqs")
		chunkSize := getFlagPositiveInt(cmd, "chunk-size")
		rs.gzipped = getFlagBool(cmd, "gzip")

		nameMapFiles := getFlagStringSlice(cmd, "name-map")
		if rs.ref.NameMap != "" {
			nameMapFiles = append([]string{rs.ref.NameMap}, nameMapFiles...)
		}
		labeler, err := blast.NewTaxonLabeler(nameMapFiles...)
		checkError(err)

		// ---------------------------------------------------------------
		// external tools

		checkError(tools.Check(blastnBin))
		tls := pipeline.Tools{
			Searcher: &tools.Blastn{
				Bin:           blastnBin,
				DB:            rs.ref.SearchDatabasePath,
				Threads:       rs.threads,
				MaxTargetSeqs: maxTargetSeqs,
				Evalue:        rs.ref.MaxEvalue,
				Runner:        rs.runner,
			},
		}

		rs.logParameters()
		if opt.Verbose || opt.Log2File {
			log.Infof("blastn: %s", blastnBin)
			if sampleSize > 0 {
				log.Infof("unaligned reads searched per sample: at most %d", sampleSize)
			} else {
				log.Infof("unaligned reads searched per sample: all")
			}
			if len(nameMapFiles) > 0 {
				log.Infof("%d subject names loaded from %s", labeler.NumNames(), plural(len(nameMapFiles), "file"))
			}
			log.Info()
		}

		// ---------------------------------------------------------------
		// run

		popt := rs.pipelineOptions()
		popt.SampleSize = sampleSize
		popt.ChunkSize = chunkSize
		popt.Labeler = labeler
		popt.Resolve = blast.ResolveOptions{
			MinIdentity: rs.ref.MinIdentity,
			MaxEvalue:   rs.ref.MaxEvalue,
			MinQueryCov: rs.ref.MinQueryCoverage,
		}
		popt.Composition = composition.Options{
			DominantFraction: rs.ref.DominantTaxonFraction,
			IsHost:           rs.ref.IsHostTaxon,
		}

		code = rs.run(tls, popt)
	},
}

func init() {
	RootCmd.AddCommand(probeCmd)

	addRunFlags(probeCmd)

	probeCmd.Flags().StringP("blastn", "", "blastn", formatFlagUsage(`Path of blastn.`))
	probeCmd.Flags().IntP("sample-size", "", 10000,
		formatFlagUsage(`Maximum number of unaligned reads (read pairs for paired-end samples) of a sample to search, 0 for all.`))
	probeCmd.Flags().IntP("max-target-seqs", "", 5, formatFlagUsage(`Maximum number of hits of a read reported by blastn.`))

	probeCmd.Flags().Float64P("min-identity", "", config.DefaultMinIdentity,
		formatFlagUsage(`Minimum percent identity of a hit. It overrides min_identity of the reference configuration when given.`))
	probeCmd.Flags().Float64P("max-evalue", "", config.DefaultMaxEvalue,
		formatFlagUsage(`Maximum e-value of a hit. It overrides max_evalue of the reference configuration when given.`))
	probeCmd.Flags().Float64P("min-query-cov", "", 0,
		formatFlagUsage(`Minimum query coverage (percent) of a hit, 0 for no filter.
		It overrides min_query_coverage of the reference configuration when given.`))
	probeCmd.Flags().Float64P("dominant-fraction", "", config.DefaultDominantTaxonFraction,
		formatFlagUsage(`Fraction of reads for a group of taxa to decide the flag of a sample.
		It overrides dominant_taxon_fraction of the reference configuration when given.`))

	probeCmd.Flags().StringSliceP("name-map", "N", []string{},
		formatFlagUsage(`Tabular two-column file(s) mapping subject ids to taxon labels.`))
	probeCmd.Flags().IntP("chunk-size", "", 5000, formatFlagUsage(`Number of lines per chunk when parsing hit tables.`))
	probeCmd.Flags().BoolP("gzip", "z", false, formatFlagUsage(`Compress the composition report with gzip.`))

	probeCmd.SetUsageTemplate(usageTemplate(""))
}
