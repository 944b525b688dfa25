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

package tools

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// DESeq2 runs the differential-expression analysis with an R script.
// The built-in script is used when Script is empty.
type DESeq2 struct {
	Rscript string
	Script  string
	Runner  Runner
}

// ScriptFile is the name of the built-in script written in the output directory.
const ScriptFile = "run_deseq2.R"

// the counts table comes from featureCounts: one comment line, then six
// annotation columns before the counts of every alignment, in the order
// of the design table.
const deseq2Script = `args <- commandArgs(trailingOnly = TRUE)
if (length(args) != 3) {
    stop("usage: run_deseq2.R <counts> <design> <outdir>")
}
suppressPackageStartupMessages(library(DESeq2))

counts <- read.delim(args[1], comment.char = "#", check.names = FALSE)
rownames(counts) <- counts$Geneid
counts <- as.matrix(counts[, -(1:6), drop = FALSE])

design <- read.delim(args[2], stringsAsFactors = TRUE)
if (ncol(counts) != nrow(design)) {
    stop("numbers of samples in the counts table and the design table differ")
}
colnames(counts) <- design$sample_id
rownames(design) <- design$sample_id

dds <- DESeqDataSetFromMatrix(countData = counts, colData = design, design = ~ condition)
dds <- DESeq(dds)

dir.create(args[3], showWarnings = FALSE, recursive = TRUE)
write.table(counts(dds, normalized = TRUE), file.path(args[3], "normalized_counts.tsv"),
    sep = "\t", quote = FALSE, col.names = NA)

levels <- levels(design$condition)
for (i in 1:(length(levels) - 1)) {
    for (j in (i + 1):length(levels)) {
        res <- results(dds, contrast = c("condition", levels[j], levels[i]))
        res <- res[order(res$padj), ]
        write.table(as.data.frame(res),
            file.path(args[3], paste0("deseq2_", levels[j], "_vs_", levels[i], ".tsv")),
            sep = "\t", quote = FALSE, col.names = NA)
    }
}
`

// Analyze implements pipeline.DEEngine.
func (d *DESeq2) Analyze(ctx context.Context, countsFile, designFile, outDir string) error {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return errors.Wrap(err, outDir)
	}

	script := d.Script
	if script == "" {
		script = filepath.Join(outDir, ScriptFile)
		if err := os.WriteFile(script, []byte(deseq2Script), 0644); err != nil {
			return errors.Wrap(err, script)
		}
	}

	return d.Runner.Run(ctx, filepath.Join(outDir, "deseq2.log"), nil, d.Rscript, script, countsFile, designFile, outDir)
}
