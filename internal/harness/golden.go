package harness

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// turnDigest is the stable per-turn surface compared against golden
// fixtures. It keeps only fields that are deterministic across runs.
type turnDigest struct {
	Turn        int    `json:"turn"`
	PayloadType string `json:"payload_type"`
	Text        string `json:"text,omitempty"`
	ReportName  string `json:"report_name,omitempty"`
	PendingMode string `json:"pending_mode,omitempty"`
	RowCount    int    `json:"row_count,omitempty"`
}

// Digest renders the result as an indented JSON digest suitable for
// golden comparison.
func Digest(res *Result) ([]byte, error) {
	digests := make([]turnDigest, 0, len(res.Turns))
	for _, t := range res.Turns {
		d := turnDigest{
			Turn:        t.Index,
			PayloadType: string(t.Payload.Type),
			Text:        t.Payload.Text,
			ReportName:  t.Payload.ReportName,
			PendingMode: t.PendingMode(),
		}
		if rc := t.RowCount(); rc > 0 {
			d.RowCount = rc
		}
		digests = append(digests, d)
	}
	out, err := json.MarshalIndent(digests, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal digest: %w", err)
	}
	return append(out, '\n'), nil
}

// AssertGolden compares the result digest against the named fixture
// under testdata/golden.
func AssertGolden(t *testing.T, name string, res *Result) {
	t.Helper()
	digest, err := Digest(res)
	if err != nil {
		t.Fatalf("digest %s: %v", name, err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, digest)
}
