package detect

import (
	"bytes"
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/ausocean/dvk/checksum"
	"github.com/ausocean/dvk/schema"
)

func protoWithHeader(header ...byte) *schema.Protocol {
	p := schema.Protocol{
		ProtocolID: "p",
		Frames: []schema.Frame{
			{
				Name:   "f",
				Header: header,
				Length: schema.LengthSpec{Mode: schema.LengthFixed, Value: 4},
				Checksum: &checksum.Spec{
					Type: checksum.Sum8, Range: checksum.Range{From: 0, To: 2},
					StoreAt: 3, StoreFormat: checksum.Uint8,
				},
			},
		},
	}
	loaded, err := schema.LoadProtocol(p)
	if err != nil {
		panic(err)
	}
	return loaded
}

func validFrame(header byte) []byte {
	f := []byte{header, 0x01, 0x02, 0x00}
	var sum byte
	for _, b := range f[:3] {
		sum += b
	}
	f[3] = sum
	return f
}

// TestSniffScorePrefersCleanCandidate pins the preference-order-under-
// ambiguity scenario from spec.md §8: a sample that parses cleanly
// under protocol A but produces checksum failures under B should score
// A higher.
func TestSniffScorePrefersCleanCandidate(t *testing.T) {
	good := protoWithHeader(0xAA)
	// Wrong: same header length, but its checksum spec covers the wrong
	// range, so it'll reject every frame it finds.
	badChecksum := protoWithHeader(0xAA)
	badChecksum.Frames[0].Checksum.Range = checksum.Range{From: 0, To: 1}

	sample := append(validFrame(0xAA), validFrame(0xAA)...)

	best, scored, ambiguous := SniffScore([]Candidate{
		{ProtocolID: "good", Proto: good},
		{ProtocolID: "bad", Proto: badChecksum},
	}, sample)
	if best == nil {
		t.Fatal("expected a detection result")
	}
	if best.ProtocolID != "good" {
		t.Fatalf("expected %q to win, got %q (scored=%+v)", "good", best.ProtocolID, scored)
	}
	if ambiguous {
		t.Fatal("expected an unambiguous result")
	}
}

func TestSniffScoreNoCandidateMatches(t *testing.T) {
	p := protoWithHeader(0xFF)
	best, _, _ := SniffScore([]Candidate{{ProtocolID: "p", Proto: p}}, []byte{0x01, 0x02, 0x03})
	if best != nil {
		t.Fatalf("expected no detection, got %+v", best)
	}
}

func TestConfidenceFormula(t *testing.T) {
	c := Confidence(8, 2)
	want := 0.2 + 0.79*(8.0/10.0)
	if c < want-1e-6 || c > want+1e-6 {
		t.Fatalf("Confidence(8,2) = %v, want ~%v", c, want)
	}
	if Confidence(0, 0) != 0 {
		t.Fatal("Confidence(0,0) should be 0")
	}
}

func TestMatchBanner(t *testing.T) {
	rule := BannerRule{
		ID:           "banner1",
		Regex:        regexp.MustCompile(`MODEL=(?P<model_id>\w+)`),
		ProtocolID:   "proto_a",
		ModelIDGroup: "model_id",
	}
	res, groups := MatchBanner(rule, "booting...\nMODEL=X200\nready")
	if res == nil {
		t.Fatal("expected a match")
	}
	if res.ModelID != "X200" {
		t.Fatalf("ModelID = %q, want X200", res.ModelID)
	}
	if groups["model_id"] != "X200" {
		t.Fatalf("groups[model_id] = %q", groups["model_id"])
	}
}

func TestMatchBannerNoMatch(t *testing.T) {
	rule := BannerRule{Regex: regexp.MustCompile(`NEVER_MATCHES`)}
	res, _ := MatchBanner(rule, "hello")
	if res != nil {
		t.Fatal("expected nil result for non-matching banner")
	}
}

// fakeSerial is an io.ReadWriter that echoes a canned response after a
// write, simulating a query/response device.
type fakeSerial struct {
	written  []byte
	response []byte
	served   bool
}

func (f *fakeSerial) Write(p []byte) (int, error) {
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *fakeSerial) Read(p []byte) (int, error) {
	if f.served || len(f.response) == 0 {
		return 0, nil
	}
	n := copy(p, f.response)
	f.served = true
	return n, nil
}

func TestApplyQueryRule(t *testing.T) {
	ser := &fakeSerial{response: []byte("ID=rangefinder-9\n")}
	rule := QueryRule{
		ID:         "q1",
		TxHex:      []byte{0x01},
		RxRegex:    regexp.MustCompile(`ID=rangefinder-9`),
		Timeout:    200 * time.Millisecond,
		ProtocolID: "rangefinder_v1",
	}
	res, err := ApplyQueryRule(context.Background(), rule, ser)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil {
		t.Fatal("expected a query match")
	}
	if res.ProtocolID != "rangefinder_v1" || res.Method != "query" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !bytes.Equal(ser.written, []byte{0x01}) {
		t.Fatalf("unexpected bytes written: %x", ser.written)
	}
}

func TestApplyQueryRuleTimesOut(t *testing.T) {
	ser := &fakeSerial{}
	rule := QueryRule{
		RxRegex: regexp.MustCompile(`NEVER`),
		Timeout: 60 * time.Millisecond,
	}
	res, err := ApplyQueryRule(context.Background(), rule, ser)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Fatal("expected nil result on timeout")
	}
}

func TestChooseBestPrefersMethodThenConfidence(t *testing.T) {
	best := ChooseBest([]Result{
		{Method: "banner", Confidence: 0.5},
		{Method: "sniff", Confidence: 0.9},
	})
	if best.Method != "banner" {
		t.Fatalf("expected banner to win over higher-confidence sniff, got %q", best.Method)
	}

	best = ChooseBest([]Result{
		{Method: "sniff", Confidence: 0.5},
		{Method: "sniff", Confidence: 0.9},
	})
	if best.Method != "sniff" || best.Confidence != 0.9 {
		t.Fatalf("expected higher-confidence sniff to win a same-method tie, got %+v", best)
	}
}

// TestChooseBestPrefersQueryOverBanner pins spec.md §8's "Detector
// preference" property unconditionally: when both query and banner
// rules match, the query result wins regardless of confidence.
func TestChooseBestPrefersQueryOverBanner(t *testing.T) {
	best := ChooseBest([]Result{
		{Method: "banner", Confidence: 0.9},
		{Method: "query", Confidence: 0.4},
	})
	if best.Method != "query" {
		t.Fatalf("expected query to win over banner even at lower confidence, got %q", best.Method)
	}
}

func TestRestrictByModel(t *testing.T) {
	candidates := []Candidate{
		{ProtocolID: "a", ProtocolVersion: "1"},
		{ProtocolID: "b", ProtocolVersion: "2"},
	}
	model := schema.Model{
		ModelID: "x",
		ProtocolBundles: []schema.ProtocolBundle{
			{ProtocolID: "a", ExpectedProtocolVersion: "1"},
		},
	}
	got := RestrictByModel(candidates, model)
	if len(got) != 1 || got[0].ProtocolID != "a" {
		t.Fatalf("unexpected restricted candidates: %+v", got)
	}
}
