package blast

import (
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeTable(t *testing.T, lines []string) string {
	file := filepath.Join(t.TempDir(), "hits.tsv")
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(file, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return file
}

var goodLines = []string{
	"q1\tNR_003278.3\t99.5\t150\t1\t0\t1\t150\t10\t159\t1e-70\t270\t100\tNR_003278.3 Mus musculus 18S ribosomal RNA",
	"q1\tX01\t98.0\t150\t3\t0\t1\t150\t10\t159\t1e-60\t250",
	"q2\tY02\t85.0\t120\t18\t0\t1\t120\t1\t120\t1e-20\t120\t80\tY02 Mycoplasma hyorhinis strain HUB-1",
	"q3\tZ03\t100\t100\t0\t0\t1\t100\t1\t100\t0\t185",
}

func TestParseLine(t *testing.T) {
	items := make([]string, maxFields)
	h, err := ParseLine(goodLines[0], &items)
	if err != nil {
		t.Fatal(err)
	}
	if h.QueryID != "q1" || h.SubjectID != "NR_003278.3" || h.AlignLen != 150 ||
		h.Identity != 99.5 || h.Evalue != 1e-70 || h.BitScore != 270 || h.QueryCov != 100 {
		t.Errorf("unexpected record: %+v", h)
	}
	if h.Title != "NR_003278.3 Mus musculus 18S ribosomal RNA" {
		t.Errorf("unexpected title: %q", h.Title)
	}

	h, err = ParseLine(goodLines[1], &items)
	if err != nil {
		t.Fatal(err)
	}
	if h.QueryCov != -1 || h.Title != "" {
		t.Errorf("optional columns should be absent: %+v", h)
	}
}

func TestParseLineMalformed(t *testing.T) {
	bad := []string{
		"q1\tX\t99\t150",
		"q1\tX\tabc\t150\t1\t0\t1\t150\t10\t159\t1e-70\t270",
		"q1\tX\t101\t150\t1\t0\t1\t150\t10\t159\t1e-70\t270",
		"q1\tX\t99\t0\t1\t0\t1\t150\t10\t159\t1e-70\t270",
		"q1\tX\t99\t150\t1\t0\t1\t150\t10\t159\tstrong\t270",
		"q1\tX\t99\t150\t1\t0\t1\t150\t10\t159\t-1\t270",
		"q1\tX\t99\t150\t1\t0\t1\t150\t10\t159\t1e-70\thigh",
		"\tX\t99\t150\t1\t0\t1\t150\t10\t159\t1e-70\t270",
	}
	items := make([]string, maxFields)
	for _, line := range bad {
		if _, err := ParseLine(line, &items); err == nil {
			t.Errorf("line should be malformed: %q", line)
		}
	}
}

func TestHitReaderSkipsMalformed(t *testing.T) {
	lines := []string{
		"# BLASTN 2.12.0+",
		goodLines[0],
		"garbage",
		"",
		goodLines[1],
		"q9\tX\tNaNa\t150\t1\t0\t1\t150\t10\t159\t1e-70\t270",
		goodLines[2],
		goodLines[3],
		"q9\tX\t99",
	}
	file := writeTable(t, lines)

	hits, stats, err := ReadAll(file, nil, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Skipped != 3 {
		t.Errorf("skipped lines: expected 3, returned %d", stats.Skipped)
	}
	if len(stats.Warnings) != 3 {
		t.Errorf("warnings: expected 3, returned %d", len(stats.Warnings))
	}
	if stats.Records != 4 || len(hits) != 4 {
		t.Fatalf("records: expected 4, returned %d", len(hits))
	}
	for i, q := range []string{"q1", "q1", "q2", "q3"} {
		if hits[i].QueryID != q {
			t.Errorf("record %d: expected query %s, returned %s", i, q, hits[i].QueryID)
		}
	}
	if hits[0].Taxon != "Mus musculus" {
		t.Errorf("unexpected taxon label: %s", hits[0].Taxon)
	}
}

func TestHitReaderIdempotent(t *testing.T) {
	file := writeTable(t, goodLines)

	a, _, err := ReadAll(file, nil, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := ReadAll(file, nil, 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("parsing twice returned different records")
	}
}

func TestHitReaderEmptyFile(t *testing.T) {
	file := writeTable(t, nil)
	hits, stats, err := ReadAll(file, nil, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 || stats.Skipped != 0 {
		t.Errorf("expected nothing from an empty table")
	}
}

func hit(query, subject string, identity, evalue, bitscore float64) HitRecord {
	return HitRecord{QueryID: query, SubjectID: subject, Identity: identity, AlignLen: 100,
		Evalue: evalue, BitScore: bitscore, QueryCov: -1, Taxon: subject}
}

var defaultOptions = ResolveOptions{MinIdentity: 90, MaxEvalue: 1e-5}

func TestResolveTieBreak(t *testing.T) {
	hits := []HitRecord{
		hit("Q1", "X", 99, 1e-40, 150),
		hit("Q1", "A", 99, 1e-30, 150),
	}
	r := ResolveQuery("Q1", hits, defaultOptions)
	if r.NoHit() || r.Hit.SubjectID != "X" {
		t.Errorf("expected the hit with the lower e-value (X), returned %v", r.Hit)
	}

	hits = []HitRecord{
		hit("Q1", "X", 99, 1e-40, 150),
		hit("Q1", "A", 99, 1e-40, 150),
	}
	r = ResolveQuery("Q1", hits, defaultOptions)
	if r.NoHit() || r.Hit.SubjectID != "A" {
		t.Errorf("expected the smallest subject (A), returned %v", r.Hit)
	}

	hits = []HitRecord{
		hit("Q1", "A", 99, 1e-40, 150),
		hit("Q1", "Z", 99, 1e-40, 151),
	}
	r = ResolveQuery("Q1", hits, defaultOptions)
	if r.NoHit() || r.Hit.SubjectID != "Z" {
		t.Errorf("expected the highest bit score (Z), returned %v", r.Hit)
	}
}

func TestResolveFilter(t *testing.T) {
	hits := []HitRecord{
		hit("Q1", "A", 89.9, 1e-40, 300), // low identity
		hit("Q1", "B", 99, 1e-3, 300),    // weak e-value
		hit("Q2", "C", 90, 1e-5, 50),     // on both limits
	}
	resolved := Resolve([]string{"Q1", "Q2", "Q3"}, hits, defaultOptions)
	if len(resolved) != 3 {
		t.Fatalf("expected 3 results, returned %d", len(resolved))
	}
	if !resolved[0].NoHit() || resolved[0].Taxon() != NoHitLabel {
		t.Errorf("Q1 should have no hit")
	}
	if resolved[1].NoHit() || resolved[1].Hit.SubjectID != "C" {
		t.Errorf("Q2 should resolve to C")
	}
	if !resolved[2].NoHit() || resolved[2].QueryID != "Q3" {
		t.Errorf("Q3 should have no hit")
	}

	cov := hit("Q4", "D", 99, 1e-40, 300)
	cov.QueryCov = 30
	opt := defaultOptions
	opt.MinQueryCov = 50
	if !ResolveQuery("Q4", []HitRecord{cov}, opt).NoHit() {
		t.Errorf("hit with low query coverage should be filtered")
	}
	cov.QueryCov = -1
	if ResolveQuery("Q4", []HitRecord{cov}, opt).NoHit() {
		t.Errorf("hit without query coverage should not be filtered by coverage")
	}
}

func TestResolveOrderIndependent(t *testing.T) {
	hits := []HitRecord{
		hit("Q1", "B", 99, 1e-40, 150),
		hit("Q1", "A", 99, 1e-40, 150),
		hit("Q1", "C", 95, 1e-50, 149),
		hit("Q2", "D", 92, 1e-20, 80),
		hit("Q2", "E", 92, 1e-20, 80),
		hit("Q3", "F", 50, 1e-20, 80),
	}
	hits = append(hits, hit("Q1", "A", 98, 1e-40, 150)) // second HSP of A

	expected := Resolve(nil, hits, defaultOptions)

	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 50; i++ {
		shuffled := make([]HitRecord, len(hits))
		copy(shuffled, hits)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		got := Resolve(nil, shuffled, defaultOptions)
		if !reflect.DeepEqual(expected, got) {
			t.Fatalf("shuffled input changed the resolution: %v vs %v", expected, got)
		}
	}

	if expected[0].Hit.SubjectID != "A" || expected[0].Hit.Identity != 99 {
		t.Errorf("unexpected best hit of Q1: %v", expected[0].Hit)
	}
	if expected[1].Hit.SubjectID != "D" {
		t.Errorf("unexpected best hit of Q2: %v", expected[1].Hit)
	}
	if !expected[2].NoHit() {
		t.Errorf("Q3 should have no hit")
	}
}

func TestTaxonLabeler(t *testing.T) {
	mapFile := filepath.Join(t.TempDir(), "names.tsv")
	if err := os.WriteFile(mapFile, []byte("NR_1\tHomo sapiens\nX02\tEscherichia coli\n"), 0644); err != nil {
		t.Fatal(err)
	}
	l, err := NewTaxonLabeler(mapFile)
	if err != nil {
		t.Fatal(err)
	}
	if l.NumNames() != 2 {
		t.Errorf("expected 2 names, returned %d", l.NumNames())
	}

	tests := []struct {
		subject, title, label string
	}{
		{"NR_1.2", "", "Homo sapiens"},
		{"X02", "whatever", "Escherichia coli"},
		{"NR_9.1", "NR_9.1 Mus musculus 28S ribosomal RNA", "Mus musculus"},
		{"XM_5", "PREDICTED: Rattus norvegicus protein", "Rattus norvegicus"},
		{"abc", "Mycoplasma", "Mycoplasma"},
		{"abc", "", "abc"},
	}
	for _, test := range tests {
		if got := l.Label(test.subject, test.title); got != test.label {
			t.Errorf("Label(%s, %q): expected %q, returned %q", test.subject, test.title, test.label, got)
		}
	}

	var nilLabeler *TaxonLabeler
	if got := nilLabeler.Label("abc", "Bos taurus x"); got != "Bos taurus" {
		t.Errorf("nil labeler: unexpected label %q", got)
	}
}

func TestBuildQueryFasta(t *testing.T) {
	dir := t.TempDir()
	fq := filepath.Join(dir, "unaligned.fastq")
	content := "@r1\nACGT\n+\nIIII\n@r2\nGGGG\n+\nIIII\n@r3\nTTTT\n+\nIIII\n"
	if err := os.WriteFile(fq, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	fa := filepath.Join(dir, "query.fasta")
	n, err := BuildQueryFasta(fq, fa, 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 queries, returned %d", n)
	}
	ids, err := QueryIDs(fa)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []string{"r1", "r2"}) {
		t.Errorf("unexpected query IDs: %v", ids)
	}

	n, err = BuildQueryFasta(fq, fa, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expected 3 queries, returned %d", n)
	}
}

func TestBuildQueryFastaPaired(t *testing.T) {
	dir := t.TempDir()
	fq := filepath.Join(dir, "unaligned.fastq")
	content := "@p1/1\nACGT\n+\nIIII\n@p1/2\nGGGG\n+\nIIII\n" +
		"@p2/1\nTTTT\n+\nIIII\n@p2/2\nCCCC\n+\nIIII\n" +
		"@p3/1\nAAAA\n+\nIIII\n@p3/2\nACAC\n+\nIIII\n"
	if err := os.WriteFile(fq, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	fa := filepath.Join(dir, "query.fasta")
	n, err := BuildQueryFasta(fq, fa, 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 templates, returned %d", n)
	}
	ids, err := QueryIDs(fa)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []string{"p1/1", "p1/2", "p2/1", "p2/2"}) {
		t.Errorf("both mates of every template should be written: %v", ids)
	}

	n, err = BuildQueryFasta(fq, fa, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expected 3 templates, returned %d", n)
	}
}

func TestTemplateID(t *testing.T) {
	tests := []struct {
		id, template string
	}{
		{"p1/1", "p1"},
		{"p1/2", "p1"},
		{"p1/3", "p1/3"},
		{"p1", "p1"},
		{"/1", "/1"},
		{"a/b/2", "a/b"},
	}
	for _, test := range tests {
		if got := TemplateID(test.id); got != test.template {
			t.Errorf("TemplateID(%s): expected %s, returned %s", test.id, test.template, got)
		}
	}
}

func TestResolveMates(t *testing.T) {
	hits := []HitRecord{
		hit("p1/1", "A", 95, 1e-30, 120),
		hit("p1/2", "B", 99, 1e-40, 160),
		hit("p2/2", "C", 99, 1e-40, 150),
		hit("p3/1", "D", 50, 1e-40, 150), // filtered
	}
	queries := []string{"p1/1", "p1/2", "p2/1", "p2/2", "p3/1", "p3/2"}
	resolved := Resolve(queries, hits, defaultOptions)
	if len(resolved) != 3 {
		t.Fatalf("expected one result per template, returned %d: %v", len(resolved), resolved)
	}

	if resolved[0].QueryID != "p1" || resolved[0].NoHit() || resolved[0].Hit.SubjectID != "B" {
		t.Errorf("p1 should resolve to the better mate hit B: %v %v", resolved[0].QueryID, resolved[0].Hit)
	}
	if resolved[1].QueryID != "p2" || resolved[1].NoHit() || resolved[1].Hit.SubjectID != "C" {
		t.Errorf("p2 should resolve to the hit of its second mate: %v %v", resolved[1].QueryID, resolved[1].Hit)
	}
	if resolved[2].QueryID != "p3" || !resolved[2].NoHit() {
		t.Errorf("p3 should have no hit")
	}
}

func TestBetterSameSubject(t *testing.T) {
	base := hit("Q1", "A", 99, 1e-40, 150)
	base.QStart, base.QEnd, base.SStart, base.SEnd = 1, 100, 1, 100
	base.QueryCov = 90

	variants := []func(h *HitRecord){
		func(h *HitRecord) { h.Mismatch = 2 },
		func(h *HitRecord) { h.GapOpen = 1 },
		func(h *HitRecord) { h.QEnd = 101 },
		func(h *HitRecord) { h.QueryCov = 80 },
	}
	for i, change := range variants {
		worse := base
		change(&worse)
		if !Better(&base, &worse) || Better(&worse, &base) {
			t.Errorf("variant %d: expected a strict order between %v and %v", i, base, worse)
		}

		r1 := ResolveQuery("Q1", []HitRecord{base, worse}, defaultOptions)
		r2 := ResolveQuery("Q1", []HitRecord{worse, base}, defaultOptions)
		if !reflect.DeepEqual(r1, r2) {
			t.Errorf("variant %d: input order changed the best hit: %v vs %v", i, r1.Hit, r2.Hit)
		}
	}
}

func TestParseLinePadded(t *testing.T) {
	items := make([]string, maxFields)
	line := "q1\tX01\t 98.0 \t150 \t3\t0\t 1\t150\t10\t159\t 1e-60\t250 "
	h, err := ParseLine(line, &items)
	if err != nil {
		t.Fatalf("padded fields should be parsed: %s", err)
	}
	if h.Identity != 98 || h.AlignLen != 150 || h.QStart != 1 || h.Evalue != 1e-60 || h.BitScore != 250 {
		t.Errorf("unexpected record: %+v", h)
	}
}
