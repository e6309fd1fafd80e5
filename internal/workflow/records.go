// ABOUTME: Performance and skills flows reading disclosed attributes from completed proofs
// ABOUTME: Marks come from revealed attributes, badges from revealed attribute groups

package workflow

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/2389/ssi-portal/internal/agent"
	"github.com/2389/ssi-portal/internal/catalog"
	"github.com/2389/ssi-portal/internal/operations"
)

// Attribute names inside a skills attribute group.
const (
	attrCourseName = "Course Name"
	attrTimestamp  = "Timestamp"
)

// ModuleMarks is the disclosed mark for one module.
type ModuleMarks struct {
	Module int
	Title  string
	Marks  int
}

// SkillBadge is one disclosed course completion.
type SkillBadge struct {
	CourseName string
	EarnedOn   time.Time
}

// CheckPerformance asks the connected wallet to disclose its module marks.
// The result is a []ModuleMarks ordered by module number.
func (s *Service) CheckPerformance(ctx context.Context, sessionID string) error {
	connectionID, err := s.connectionID(ctx, sessionID)
	if err != nil {
		return err
	}

	return s.disclose(sessionID, FlowPerformance, "Requesting your module marks",
		"Failed to request performance data. Please try again.",
		"Failed to fetch marks. Please try again.",
		func(ctx context.Context) (*agent.ProofRequest, error) {
			return s.agent.RequestPerformanceProof(ctx, connectionID)
		},
		func(d *agent.RequestedProof) (any, string) {
			marks := s.marksFrom(d)
			return marks, fmt.Sprintf("Found marks for %d modules.", len(marks))
		})
}

// CheckSkills asks the connected wallet to disclose its course badges.
// The result is a []SkillBadge.
func (s *Service) CheckSkills(ctx context.Context, sessionID string) error {
	connectionID, err := s.connectionID(ctx, sessionID)
	if err != nil {
		return err
	}

	return s.disclose(sessionID, FlowSkills, "Requesting your skills",
		"Failed to fetch skills. Please try again.",
		"Failed to fetch skills. Please try again.",
		func(ctx context.Context) (*agent.ProofRequest, error) {
			return s.agent.RequestSkillsProof(ctx, connectionID)
		},
		func(d *agent.RequestedProof) (any, string) {
			badges := badgesFrom(d)
			return badges, fmt.Sprintf("Found %d skills.", len(badges))
		})
}

func (s *Service) connectionID(ctx context.Context, sessionID string) (string, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !sess.Connected() {
		return "", ErrNotConnected
	}
	return sess.ConnectionID, nil
}

// disclose runs a proof whose disclosed data becomes the job's result.
func (s *Service) disclose(
	sessionID, flow, progress, submitFailed, readFailed string,
	request func(context.Context) (*agent.ProofRequest, error),
	extract func(*agent.RequestedProof) (any, string),
) error {
	return s.tracker.Start(sessionID, flow, func(ctx context.Context, p *operations.Progress) error {
		p.Submitting(progress)
		req, err := request(ctx)
		if err := s.submitted(flow, err, submitFailed); err != nil {
			return err
		}
		p.Waiting(req.ProofRecord.ID, "Approve the proof request in your wallet")

		proofID := req.ProofRecord.ID
		return await[*agent.ProofState](ctx, s, p, sessionID, flow, KindProof, proofID,
			s.agent.VerificationState, outcomes[*agent.ProofState]{
				done: func(ctx context.Context, _ *agent.ProofState) error {
					data, err := s.agent.RequestedData(ctx, proofID)
					if err != nil {
						s.logger.Warn("reading disclosed data", "flow", flow, "error", err)
						return &Failure{Message: readFailed, Err: err}
					}
					result, msg := extract(data)
					p.Succeed(msg, result)
					return nil
				},
				abandoned: func(st *agent.ProofState) string {
					if st != nil && st.ErrorMessage != "" {
						return st.ErrorMessage
					}
					return "Verification process was abandoned."
				},
				timedOut: "Verification process timed out. Please try again.",
			})
	})
}

// marksFrom turns revealed attributes such as "module3_marks" into marks.
// Values that are not integers are skipped.
func (s *Service) marksFrom(d *agent.RequestedProof) []ModuleMarks {
	out := make([]ModuleMarks, 0, len(d.RevealedAttrs))
	for name, attr := range d.RevealedAttrs {
		marks, err := strconv.Atoi(attr.Raw)
		if err != nil {
			s.logger.Debug("skipping non-numeric marks", "attribute", name, "raw", attr.Raw)
			continue
		}
		n := catalog.ModuleNumber(name)
		out = append(out, ModuleMarks{Module: n, Title: s.catalog.TitleOr(n), Marks: marks})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Title < out[j].Title
	})
	return out
}

// badgesFrom reads one badge per revealed attribute group, ordered by group name.
func badgesFrom(d *agent.RequestedProof) []SkillBadge {
	names := make([]string, 0, len(d.RevealedAttrGroups))
	for name := range d.RevealedAttrGroups {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]SkillBadge, 0, len(names))
	for _, name := range names {
		values := d.RevealedAttrGroups[name].Values
		course, ok := values[attrCourseName]
		if !ok || course.Raw == "" {
			continue
		}
		badge := SkillBadge{CourseName: course.Raw}
		if ts, err := strconv.ParseInt(values[attrTimestamp].Raw, 10, 64); err == nil {
			badge.EarnedOn = time.Unix(ts, 0).UTC()
		}
		out = append(out, badge)
	}
	return out
}
