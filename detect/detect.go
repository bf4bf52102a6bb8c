/*
DESCRIPTION
  detect.go implements the three-tier protocol detector: an explicit
  query/response rule, a banner regex rule, and a byte-sniffing scorer
  that runs each candidate protocol's framer over a captured sample and
  ranks candidates by how cleanly they parse it.

  Grounded on
  original_source/skills/protocol_detection_skill/scripts/dvk_detect_protocol.py:
  iter_frames (here: reuse of framer.Framer, which already implements
  the identical state machine), sniff_score_protocol, pick_by_sniff,
  score_to_confidence, match_banner, apply_query_rule and choose_best.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package detect identifies which protocol a device speaks from a
// banner, a query/response exchange, or a raw byte sample.
package detect

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"
	"time"

	"github.com/ausocean/dvk/framer"
	"github.com/ausocean/dvk/schema"
)

// Candidate is one protocol eligible for sniff scoring.
type Candidate struct {
	ProtocolID      string
	ProtocolVersion string
	Proto           *schema.Protocol
}

// Result is the outcome of one detection rule or the sniff scorer.
type Result struct {
	ProtocolID      string  `json:"protocol_id"`
	ProtocolVersion string  `json:"protocol_version"`
	ModelID         string  `json:"model_id,omitempty"`
	Confidence      float64 `json:"confidence"`
	RuleID          string  `json:"rule_id"`
	Method          string  `json:"method"` // "query", "banner", or "sniff".
}

// ScoredCandidate is one candidate's sniff-scoring outcome.
type ScoredCandidate struct {
	ProtocolID        string `json:"protocol_id"`
	ProtocolVersion   string `json:"protocol_version"`
	FramesOK          int    `json:"frames_ok"`
	FramesBadChecksum int    `json:"frames_bad_checksum"`
	Resyncs           int    `json:"resyncs"`
	Score             int    `json:"score"`
}

// Confidence maps frames_ok/frames_bad counts to the detector's
// confidence score: 0.2 baseline, plus up to 0.79 scaled by the
// fraction of frames that parsed clean, capped at 0.99.
func Confidence(framesOK, framesBad int) float64 {
	total := framesOK + framesBad
	if total <= 0 {
		return 0
	}
	c := 0.2 + 0.79*(float64(framesOK)/(float64(total)+1e-9))
	if c > 0.99 {
		c = 0.99
	}
	return c
}

// scoreCandidate runs c's framer over sample and returns its sniff
// counters and score (frames_ok*100 - frames_bad_checksum*50 - resyncs).
func scoreCandidate(c Candidate, sample []byte) ScoredCandidate {
	f := framer.New(c.Proto)
	f.Write(sample)
	f.Drain(nil)
	st := f.Stats()
	return ScoredCandidate{
		ProtocolID:        c.ProtocolID,
		ProtocolVersion:   c.ProtocolVersion,
		FramesOK:          int(st.FramesOK),
		FramesBadChecksum: int(st.FramesBadChecksum),
		Resyncs:           int(st.Resyncs),
		Score:             int(st.FramesOK)*100 - int(st.FramesBadChecksum)*50 - int(st.Resyncs),
	}
}

// SniffScore runs every candidate's framer over sample and ranks them by
// score, descending. It returns the best result (nil if no candidate
// produced any valid frame), the full ranked list, and whether the top
// two candidates are ambiguous (scores within 50 and the runner-up
// produced at least one valid frame).
func SniffScore(candidates []Candidate, sample []byte) (*Result, []ScoredCandidate, bool) {
	scored := make([]ScoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, scoreCandidate(c, sample))
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	if len(scored) == 0 || scored[0].FramesOK <= 0 {
		return nil, scored, false
	}

	best := scored[0]
	ambiguous := false
	if len(scored) > 1 && scored[1].FramesOK > 0 && best.Score-scored[1].Score < 50 {
		ambiguous = true
	}

	ruleID := "sniff_protocol_assets"
	if ambiguous {
		ruleID += ":ambiguous"
	}
	return &Result{
		ProtocolID:      best.ProtocolID,
		ProtocolVersion: best.ProtocolVersion,
		Confidence:      Confidence(best.FramesOK, best.FramesBadChecksum),
		RuleID:          ruleID,
		Method:          "sniff",
	}, scored, ambiguous
}

// BannerRule matches a regular expression against captured banner text.
type BannerRule struct {
	ID                          string
	Regex                       *regexp.Regexp
	ProtocolID, ProtocolVersion string
	ModelIDGroup                string // named capture group to read model_id from, if ProtocolID/ModelID aren't fixed.
	ModelID                     string
	Confidence                  float64
}

// MatchBanner applies rule against bannerText, returning the detection
// result and any named capture groups, or nil if the rule did not match.
func MatchBanner(rule BannerRule, bannerText string) (*Result, map[string]string) {
	if rule.Regex == nil {
		return nil, nil
	}
	m := rule.Regex.FindStringSubmatch(bannerText)
	if m == nil {
		return nil, nil
	}

	groups := map[string]string{}
	for i, name := range rule.Regex.SubexpNames() {
		if i == 0 || name == "" || m[i] == "" {
			continue
		}
		groups[name] = m[i]
	}

	modelID := rule.ModelID
	if modelID == "" && rule.ModelIDGroup != "" {
		modelID = groups[rule.ModelIDGroup]
	}

	confidence := rule.Confidence
	if confidence == 0 {
		confidence = 0.5
	}

	return &Result{
		ProtocolID:      rule.ProtocolID,
		ProtocolVersion: rule.ProtocolVersion,
		ModelID:         modelID,
		Confidence:      confidence,
		RuleID:          rule.ID,
		Method:          "banner",
	}, groups
}

// QueryRule sends a fixed byte sequence and waits for a regex match in
// the response text.
type QueryRule struct {
	ID                          string
	TxHex                       []byte
	RxRegex                     *regexp.Regexp
	Timeout                     time.Duration
	ProtocolID, ProtocolVersion string
	Confidence                  float64
}

// ApplyQueryRule writes rule.TxHex to rw and polls for a response
// matching rule.RxRegex until ctx is done or rule.Timeout elapses.
func ApplyQueryRule(ctx context.Context, rule QueryRule, rw io.ReadWriter) (*Result, error) {
	if rule.RxRegex == nil {
		return nil, fmt.Errorf("detect: query rule %q has no rx_regex", rule.ID)
	}
	if _, err := rw.Write(rule.TxHex); err != nil {
		return nil, fmt.Errorf("detect: query rule %q write: %w", rule.ID, err)
	}

	timeout := rule.Timeout
	if timeout <= 0 {
		timeout = 800 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	var acc []byte
	buf := make([]byte, 4096)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		n, err := rw.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			if m := rule.RxRegex.FindStringSubmatch(string(acc)); m != nil {
				confidence := rule.Confidence
				if confidence == 0 {
					confidence = 0.9
				}
				return &Result{
					ProtocolID:      rule.ProtocolID,
					ProtocolVersion: rule.ProtocolVersion,
					Confidence:      confidence,
					RuleID:          rule.ID,
					Method:          "query",
				}, nil
			}
		}
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("detect: query rule %q read: %w", rule.ID, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, nil
}

// methodRank orders ChooseBest's candidates by method per spec.md §4.H's
// evaluation order and §8's "Detector preference" property: query >
// banner > sniff, unconditionally — a matching query result outranks a
// matching banner result even if the banner rule reports higher
// confidence.
var methodRank = map[string]int{"query": 2, "banner": 1, "sniff": 0}

// ChooseBest ranks results by methodRank (query > banner > sniff),
// breaking ties between same-method results by confidence.
func ChooseBest(results []Result) *Result {
	if len(results) == 0 {
		return nil
	}
	best := results[0]
	for _, r := range results[1:] {
		if methodRank[r.Method] > methodRank[best.Method] ||
			(methodRank[r.Method] == methodRank[best.Method] && r.Confidence > best.Confidence) {
			best = r
		}
	}
	return &best
}

// RestrictByModel filters candidates to those declared in the model's
// protocol bundles, further filtering by expected_protocol_version where
// the model pins one.
func RestrictByModel(candidates []Candidate, model schema.Model) []Candidate {
	if len(model.ProtocolBundles) == 0 {
		return candidates
	}
	expected := map[string]string{}
	allowed := map[string]bool{}
	for _, b := range model.ProtocolBundles {
		allowed[b.ProtocolID] = true
		if b.ExpectedProtocolVersion != "" {
			expected[b.ProtocolID] = b.ExpectedProtocolVersion
		}
	}
	var out []Candidate
	for _, c := range candidates {
		if !allowed[c.ProtocolID] {
			continue
		}
		if ver, ok := expected[c.ProtocolID]; ok && ver != c.ProtocolVersion {
			continue
		}
		out = append(out, c)
	}
	return out
}

// RunRecord is the persisted outcome of one detection attempt against
// one device, mirroring the run record the original skill wrote to
// runs/<run_id>.yaml (spec.md's Non-goals exclude a YAML run-record
// writer; the shape is kept here as the struct a caller would
// serialize with any encoding).
type RunRecord struct {
	DeviceSerial string `json:"device_serial"`
	ModelID      string `json:"model_id,omitempty"`
	Method       string `json:"transport"` // "UART", "OfflineFile", etc.

	Detected   Result            `json:"detection"`
	Candidates []ScoredCandidate `json:"candidates,omitempty"`
	Ambiguous  bool              `json:"ambiguous,omitempty"`
}
