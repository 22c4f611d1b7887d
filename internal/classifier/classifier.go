// Package classifier implements the routing decision tree: given a
// message's embedding, the current branch, candidate sibling branches,
// and linguistic drift analysis, it decides whether to STAY, ROUTE, or
// BRANCH.
package classifier

import (
	"sort"
	"strings"

	"github.com/driftos/driftrouter/internal/embedclient"
	"github.com/driftos/driftrouter/internal/similarity"
	"github.com/driftos/driftrouter/internal/store"
)

// Action is the routing outcome.
type Action string

const (
	Stay   Action = "STAY"
	Route  Action = "ROUTE"
	Branch Action = "BRANCH"
)

// Policy carries the threshold configuration the classifier scores
// against. All fields are overridable per-request.
type Policy struct {
	StayThreshold          float64
	NewClusterThreshold    float64
	RouteThreshold         float64
	TopicReturnBoostFactor float64
}

// Classification is the classifier's full verdict, including
// provenance the executor and API response need.
type Classification struct {
	Action          Action
	DriftAction     similarity.DriftAction
	TargetBranchID  string // set for STAY and ROUTE
	ParentBranchID  string // set for BRANCH, may be empty (first branch)
	NewBranchTopic  string // set for BRANCH
	Similarity      float64
	Confidence      float64
	Reason          string
	ReasonCodes     []string
}

// Input bundles everything the classifier needs for one request.
type Input struct {
	Role              string
	Content           string
	Embedding         []float32
	CurrentBranch     *store.Branch // nil if conversation has no branches yet
	OtherBranches     []store.Branch
	LastMessageContent string
	HasLastMessage    bool
	Policy            Policy
	DriftAnalysis     func() (embedclient.DriftAnalysis, bool)
}

// Classify runs the decision tree described by the routing design: an
// ordered sequence of checks, first match wins.
func Classify(in Input) Classification {
	// A. Assistant auto-stay. Fires regardless of whether a current
	// branch exists: an assistant turn never initiates a new topic, so
	// it must never fall through to the BRANCH path below. If there is
	// no current branch to stay on, TargetBranchID is left empty and
	// the executor's STAY-with-no-current-branch guard surfaces the
	// error instead.
	if in.Role == "assistant" {
		targetBranchID := ""
		if in.CurrentBranch != nil {
			targetBranchID = in.CurrentBranch.ID
		}
		return Classification{
			Action:         Stay,
			DriftAction:    similarity.Stay,
			TargetBranchID: targetBranchID,
			Similarity:     1.0,
			Confidence:     1.0,
			Reason:         "assistant turn never initiates a new topic",
			ReasonCodes:    []string{"assistant_auto_stay"},
		}
	}

	// B. First branch.
	if in.CurrentBranch == nil && len(in.OtherBranches) == 0 {
		return Classification{
			Action:         Branch,
			DriftAction:    similarity.BranchNewCluster,
			NewBranchTopic: extractTopic(in.Content),
			Similarity:     0,
			Confidence:     1.0,
			Reason:         "conversation has no branches yet",
			ReasonCodes:    []string{"first_branch"},
		}
	}

	// C. Uninitialized centroid.
	if in.CurrentBranch != nil && len(in.CurrentBranch.Centroid) == 0 {
		return Classification{
			Action:         Stay,
			DriftAction:    similarity.Stay,
			TargetBranchID: in.CurrentBranch.ID,
			Similarity:     1.0,
			Confidence:     1.0,
			Reason:         "current branch has no centroid yet",
			ReasonCodes:    []string{"branch_no_centroid"},
		}
	}

	// D. Score current branch.
	sim, boostsApplied, topicReturnSignal := scoreCurrentBranch(in)
	act := similarity.Action(sim, in.Policy.StayThreshold, in.Policy.NewClusterThreshold)

	// E. STAY.
	if act == similarity.Stay {
		reasonCodes := append([]string{"similar_to_current"}, boostsApplied...)
		reason := "similar to current branch"
		if len(boostsApplied) > 0 {
			reason += " (boosts: " + strings.Join(boostsApplied, ", ") + ")"
		}
		return Classification{
			Action:         Stay,
			DriftAction:    act,
			TargetBranchID: in.CurrentBranch.ID,
			Similarity:     sim,
			Confidence:     sim,
			Reason:         reason,
			ReasonCodes:    reasonCodes,
		}
	}

	// F. ROUTE candidate search.
	if best, ok := bestRouteCandidate(in, topicReturnSignal); ok && best.score > in.Policy.RouteThreshold {
		reasonCodes := []string{"route_existing"}
		reason := "routing to existing branch \"" + best.branch.Summary + "\""
		if best.boosted {
			reasonCodes = append(reasonCodes, "topic_return_signal")
			reason += " (topic return boost applied)"
		}
		return Classification{
			Action:         Route,
			DriftAction:    similarity.Action(best.score, in.Policy.StayThreshold, in.Policy.NewClusterThreshold),
			TargetBranchID: best.branch.ID,
			Similarity:     best.score,
			Confidence:     best.score,
			Reason:         reason,
			ReasonCodes:    reasonCodes,
		}
	}

	// G. BRANCH.
	parent := ""
	if in.CurrentBranch != nil {
		parent = in.CurrentBranch.ID
	}
	reasonCode := "branch_same_cluster"
	if act == similarity.BranchNewCluster {
		reasonCode = "branch_new_cluster"
	}
	return Classification{
		Action:         Branch,
		DriftAction:    act,
		ParentBranchID: parent,
		NewBranchTopic: extractTopic(in.Content),
		Similarity:     sim,
		Confidence:     1 - sim,
		Reason:         "message diverges from current branch",
		ReasonCodes:    []string{reasonCode},
	}
}

// scoreCurrentBranch computes the similarity between the message and
// the current branch, using the embedding service's boosted drift
// analysis when a last message exists and falling back to raw cosine
// on analysis failure or absence.
func scoreCurrentBranch(in Input) (sim float64, boostsApplied []string, topicReturnSignal bool) {
	if in.HasLastMessage && in.DriftAnalysis != nil {
		if analysis, ok := in.DriftAnalysis(); ok {
			return analysis.BoostedSimilarity, analysis.BoostsApplied, analysis.Analysis.HasTopicReturnSignal
		}
	}
	raw, _ := similarity.Cosine(in.Embedding, in.CurrentBranch.Centroid)
	return raw, nil, false
}

type routeCandidate struct {
	branch  store.Branch
	score   float64
	boosted bool
}

// bestRouteCandidate scores every other branch's centroid against the
// message embedding, applies the topic-return boost when signaled, and
// returns the top-ranked candidate. Ties are broken by updatedAt
// descending then id, matching listBranches' own ordering.
func bestRouteCandidate(in Input, topicReturnSignal bool) (routeCandidate, bool) {
	var candidates []routeCandidate
	for _, b := range in.OtherBranches {
		if in.CurrentBranch != nil && b.ID == in.CurrentBranch.ID {
			continue
		}
		if len(b.Centroid) == 0 {
			continue
		}
		raw, err := similarity.Cosine(in.Embedding, b.Centroid)
		if err != nil {
			continue
		}
		score := raw
		boosted := false
		if topicReturnSignal {
			boosted = true
			score = raw * in.Policy.TopicReturnBoostFactor
			if score > 1.0 {
				score = 1.0
			}
		}
		candidates = append(candidates, routeCandidate{branch: b, score: score, boosted: boosted})
	}
	if len(candidates) == 0 {
		return routeCandidate{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if !candidates[i].branch.UpdatedAt.Equal(candidates[j].branch.UpdatedAt) {
			return candidates[i].branch.UpdatedAt.After(candidates[j].branch.UpdatedAt)
		}
		return candidates[i].branch.ID > candidates[j].branch.ID
	})
	return candidates[0], true
}

// extractTopic derives a short branch summary from message content:
// collapse whitespace, trim, and when longer than 100 characters keep
// the first 97 and append an ellipsis.
func extractTopic(content string) string {
	collapsed := strings.Join(strings.Fields(content), " ")
	runes := []rune(collapsed)
	if len(runes) <= 100 {
		return collapsed
	}
	return string(runes[:97]) + "…"
}
