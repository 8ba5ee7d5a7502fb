// Package agent is the participation boundary between the consensus engine
// and the agents it coordinates. It renders turn context for token holders
// and bridges their structured replies back into the coordinator, treating
// contribution content as opaque text throughout.
package agent

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/concordd/pkg/protocol"
)

const (
	// summaryMaxContributions bounds how many trailing contributions the
	// turn summary includes.
	summaryMaxContributions = 12

	// summaryLineLimit truncates each quoted contribution line.
	summaryLineLimit = 160
)

// Summarize renders a compressed view of a session's prior contributions and
// open proposals for the next turn-holder. Only the trailing window of
// contributions is included; each line is truncated.
func Summarize(topic string, contributions []protocol.Contribution, proposals []*protocol.Proposal) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Topic: %s\n", topic)

	open := 0
	for _, p := range proposals {
		if p.Status == protocol.ProposalOpen {
			open++
		}
	}
	if open > 0 {
		fmt.Fprintf(&b, "Open proposals (%d):\n", open)
		for _, p := range proposals {
			if p.Status != protocol.ProposalOpen {
				continue
			}
			fmt.Fprintf(&b, "  [%s] %s: %s\n", p.ID, p.AuthorID, truncate(p.Content, summaryLineLimit))
		}
	}

	if len(contributions) == 0 {
		b.WriteString("No contributions yet.\n")
		return b.String()
	}

	start := 0
	if len(contributions) > summaryMaxContributions {
		start = len(contributions) - summaryMaxContributions
		fmt.Fprintf(&b, "Discussion (last %d of %d):\n", summaryMaxContributions, len(contributions))
	} else {
		b.WriteString("Discussion:\n")
	}
	for _, c := range contributions[start:] {
		if c.Type == protocol.ContributionSkip {
			continue
		}
		fmt.Fprintf(&b, "  r%d %s (%s): %s\n", c.Round, c.ParticipantID, c.Type, truncate(c.Content, summaryLineLimit))
	}

	return b.String()
}

// TurnOptions returns the contribution kinds a holder may answer with.
func TurnOptions() []protocol.ContributionType {
	return []protocol.ContributionType{
		protocol.ContributionOpinion,
		protocol.ContributionQuestion,
		protocol.ContributionProposalRef,
		protocol.ContributionSynthesis,
		protocol.ContributionSkip,
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
