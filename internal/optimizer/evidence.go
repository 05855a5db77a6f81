package optimizer

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode"
)

// ErrNoReport is returned when the CSPM directory holds no report.
var ErrNoReport = errors.New("optimizer: no cspm report found")

// Finding is one Prowler CSPM finding.
type Finding struct {
	FindingUniqueID string `json:"FindingUniqueId"`
	ResourceArn     string `json:"ResourceArn"`
	ServiceName     string `json:"ServiceName"`
	ResourceType    string `json:"ResourceType"`
	CheckTitle      string `json:"CheckTitle"`
	Status          string `json:"Status"`
	StatusExtended  string `json:"StatusExtended"`
	Severity        string `json:"Severity"`
	Description     string `json:"Description"`
	Risk            string `json:"Risk"`
	Remediation     struct {
		Recommendation struct {
			Text string `json:"Text"`
			URL  string `json:"Url"`
		} `json:"Recommendation"`
	} `json:"Remediation"`
}

// LatestReport returns the path of the newest *.json report in dir.
func LatestReport(dir string) (string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return "", err
	}
	var latest string
	var latestMod int64
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); latest == "" || mod > latestMod {
			latest, latestMod = p, mod
		}
	}
	if latest == "" {
		return "", fmt.Errorf("%w in %s", ErrNoReport, dir)
	}
	return latest, nil
}

// LoadReport reads a Prowler JSON report: an array of findings.
func LoadReport(path string) ([]Finding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("optimizer: failed to read report: %w", err)
	}
	var findings []Finding
	if err := json.Unmarshal(data, &findings); err != nil {
		return nil, fmt.Errorf("optimizer: malformed report %s: %w", filepath.Base(path), err)
	}
	return findings, nil
}

// document is the smallest unique searchable unit of a report: findings
// sharing a description and risk collapse into one document.
type document struct {
	text     string
	terms    map[string]int
	findings []Finding
}

// Index is an in-memory term index over CSPM findings.
type Index struct {
	docs []*document
	df   map[string]int
}

// NewIndex groups findings by description and risk and indexes their terms.
func NewIndex(findings []Finding) *Index {
	idx := &Index{df: make(map[string]int)}
	byText := make(map[string]*document)
	for _, f := range findings {
		text := fmt.Sprintf("Description: %s; Risk: %s", f.Description, f.Risk)
		doc, ok := byText[text]
		if !ok {
			doc = &document{text: text, terms: make(map[string]int)}
			for _, t := range tokenize(text + " " + f.CheckTitle + " " + f.ServiceName) {
				doc.terms[t]++
			}
			for t := range doc.terms {
				idx.df[t]++
			}
			byText[text] = doc
			idx.docs = append(idx.docs, doc)
		}
		doc.findings = append(doc.findings, f)
	}
	return idx
}

// Len returns the number of indexed documents.
func (idx *Index) Len() int { return len(idx.docs) }

// Search returns the findings of the k best documents for query, scored by
// tf-idf over shared terms. Documents with no shared term are never returned.
func (idx *Index) Search(query string, k int) []Finding {
	type scored struct {
		doc   *document
		score float64
		order int
	}
	qterms := tokenize(query)
	n := float64(len(idx.docs))
	var hits []scored
	for i, doc := range idx.docs {
		var score float64
		for _, t := range qterms {
			if tf := doc.terms[t]; tf > 0 {
				score += float64(tf) * math.Log(1+n/float64(idx.df[t]))
			}
		}
		if score > 0 {
			hits = append(hits, scored{doc, score, i})
		}
	}
	slices.SortFunc(hits, func(a, b scored) int {
		if a.score != b.score {
			if a.score > b.score {
				return -1
			}
			return 1
		}
		return a.order - b.order
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	var out []Finding
	for _, h := range hits {
		out = append(out, h.doc.findings...)
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true, "with": true,
	"that": true, "this": true, "from": true, "has": true, "have": true, "not": true,
	"any": true, "can": true, "been": true, "which": true, "what": true, "there": true,
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 && !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

var evidenceColumns = []string{
	"ResourceArn", "ServiceName", "ResourceType", "CheckTitle", "Status",
	"StatusExtended", "Severity", "Description", "Risk", "Text", "Url",
}

// findingsCSV renders findings as CSV with a header row.
func findingsCSV(findings []Finding) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(evidenceColumns); err != nil {
		return "", err
	}
	for _, f := range findings {
		row := []string{
			f.ResourceArn, f.ServiceName, f.ResourceType, f.CheckTitle, f.Status,
			f.StatusExtended, f.Severity, f.Description, f.Risk,
			f.Remediation.Recommendation.Text, f.Remediation.Recommendation.URL,
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	return buf.String(), w.Error()
}
