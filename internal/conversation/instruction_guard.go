package conversation

import (
	"errors"
	"regexp"
	"slices"
	"strings"
)

// ErrInstructionRejected is returned when an update instruction looks like an
// attempt to override the code-generation prompt rather than change the code.
var ErrInstructionRejected = errors.New("conversation: instruction rejected")

// GuardResult is the outcome of scanning one instruction.
type GuardResult struct {
	Blocked bool
	// Score is a heuristic risk in [0,1].
	Score   float64
	Reasons []string
	// Sanitized has chat-template markers stripped.
	Sanitized string
}

type guardPattern struct {
	re     *regexp.Regexp
	reason string
	weight float64
}

const guardBlockThreshold = 0.7

// Instructions legitimately talk about keys, secrets, roles and policies, so
// only patterns aimed at the model itself are scored.
var guardPatterns = []guardPattern{
	// "rules" alone is ordinary IaC wording (security group rules), so it only
	// counts when addressed to the model.
	{regexp.MustCompile(`(?i)(ignore|disregard|forget)\s+(all\s+)?(of\s+)?(the\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|guidelines?|directives?)`), "override:ignore_instructions", 0.9},
	{regexp.MustCompile(`(?i)(ignore|disregard|forget)\s+(all\s+)?(of\s+)?your\s+(instructions?|rules?|prompts?|guidelines?|directives?|system\s+prompt)`), "override:ignore_instructions", 0.9},
	{regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|my)\s+`), "override:role_reassignment", 0.7},
	{regexp.MustCompile(`(?i)new\s+instructions?\s*:|system\s*prompt\s*:|<<\s*sys(tem)?\s*>>`), "override:new_instructions", 0.9},
	{regexp.MustCompile(`(?i:\bjailbreak)|\bDAN\s+mode\b`), "override:jailbreak_keyword", 0.9},
	{regexp.MustCompile(`(?i)(reveal|show|print|output|repeat)\s+(me\s+)?(your\s+)?(system\s+prompt|initial\s+prompt|hidden\s+prompt|system\s+message)`), "exfiltration:system_prompt", 0.8},
	{regexp.MustCompile(`(?i)repeat\s+(everything|all|the\s+text)\s+(above|before|from\s+the\s+(start|beginning))`), "exfiltration:repeat_above", 0.7},
	{regexp.MustCompile(`(?i)\[/?INST\]|\[/?SYS\]|<\|im_start\|>|<\|im_end\|>|<\|system\|>|<\|user\|>|<\|assistant\|>`), "context:special_tokens", 0.5},
	{regexp.MustCompile(`(?i)\n\s*(human|assistant)\s*:`), "context:turn_markers", 0.5},
	{regexp.MustCompile(`(?i)the\s+real\s+(instructions?|task|prompt)\s+(is|starts?|begins?)`), "context:real_instructions", 0.8},
}

var (
	specialTokenRe = regexp.MustCompile(`(?i)\[/?INST\]|\[/?SYS\]|<\|im_start\|>|<\|im_end\|>|<\|system\|>|<\|user\|>|<\|assistant\|>`)
	turnMarkerRe   = regexp.MustCompile(`(?im)^\s*(human|assistant)\s*:`)
)

// ScanInstruction scores an update instruction. The score is the heaviest
// matching pattern plus 0.1 per additional match, capped at 1.
func ScanInstruction(instruction string) GuardResult {
	if strings.TrimSpace(instruction) == "" {
		return GuardResult{Sanitized: instruction}
	}

	var reasons []string
	maxWeight := 0.0
	for _, p := range guardPatterns {
		if p.re.MatchString(instruction) && !slices.Contains(reasons, p.reason) {
			reasons = append(reasons, p.reason)
			if p.weight > maxWeight {
				maxWeight = p.weight
			}
		}
	}

	score := maxWeight
	if len(reasons) > 1 {
		score = min(1.0, maxWeight+float64(len(reasons)-1)*0.1)
	}
	return GuardResult{
		Blocked:   score >= guardBlockThreshold,
		Score:     score,
		Reasons:   reasons,
		Sanitized: sanitizeInstruction(instruction),
	}
}

func sanitizeInstruction(instruction string) string {
	cleaned := specialTokenRe.ReplaceAllString(instruction, "")
	cleaned = turnMarkerRe.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}
