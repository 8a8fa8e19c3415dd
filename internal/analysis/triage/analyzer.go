package triage

import (
	"sort"
	"strings"
)

// Severity 表示症状的紧急程度。
type Severity string

const (
	Low      Severity = "low"
	Moderate Severity = "moderate"
	High     Severity = "high"
	Critical Severity = "critical"
)

var rank = map[Severity]int{Low: 0, Moderate: 1, High: 2, Critical: 3}

// Decision 给出启发式分级结果以及命中的症状关键词。
type Decision struct {
	Severity Severity
	Score    int
	Symptoms []string
	RedFlags []string
}

var keywordBuckets = map[Severity][]string{
	Critical: {
		"chest pain", "can't breathe", "cannot breathe", "difficulty breathing", "unconscious", "fainted",
		"seizure", "convulsion", "vomiting blood", "coughing blood", "heavy bleeding", "slurred speech",
		"face drooping", "suicidal", "stiff neck", "ìrora àyà", "ciwon kirji",
	},
	High: {
		"high fever", "severe pain", "blood in stool", "blood in urine", "shortness of breath", "confusion",
		"dehydrated", "not eating", "yellow eyes", "swollen leg", "pregnant and bleeding", "severe headache",
	},
	Moderate: {
		"fever", "headache", "vomiting", "diarrhea", "diarrhoea", "cough", "rash", "dizzy", "dizziness",
		"abdominal pain", "stomach pain", "back pain", "sore throat", "malaria", "body pain", "weakness",
		"ibà", "zazzabi", "ahụ ọkụ",
	},
	Low: {
		"tired", "runny nose", "sneezing", "itching", "mild", "catarrh", "insomnia", "cold",
	},
}

// Analyze 根据患者陈述估计严重程度，仅作为报告兜底，不替代临床判断。
func Analyze(utterances ...string) Decision {
	normalized := strings.ToLower(strings.Join(utterances, "\n"))
	if strings.TrimSpace(normalized) == "" {
		return Decision{Severity: Low}
	}

	best := Low
	score := 0
	seen := make(map[string]struct{})
	var symptoms, redFlags []string

	for severity, keywords := range keywordBuckets {
		for _, word := range keywords {
			if !strings.Contains(normalized, word) {
				continue
			}
			if _, dup := seen[word]; dup {
				continue
			}
			seen[word] = struct{}{}
			score += rank[severity] + 1
			symptoms = append(symptoms, word)
			if rank[severity] >= rank[High] {
				redFlags = append(redFlags, word)
			}
			if rank[severity] > rank[best] {
				best = severity
			}
		}
	}

	// 多个中度症状叠加时上调一级。
	if best == Moderate && score >= 6 {
		best = High
	}

	sort.Strings(symptoms)
	sort.Strings(redFlags)
	return Decision{Severity: best, Score: score, Symptoms: symptoms, RedFlags: redFlags}
}

// Max returns the more severe of a and b. Unknown labels rank as low.
func Max(a, b Severity) Severity {
	if rank[b] > rank[a] {
		return b
	}
	if _, ok := rank[a]; !ok {
		return Low
	}
	return a
}

// Parse normalizes a free-form severity label from an external service.
func Parse(raw string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low", "mild", "minor":
		return Low, true
	case "moderate", "medium":
		return Moderate, true
	case "high", "severe":
		return High, true
	case "critical", "emergency", "urgent":
		return Critical, true
	default:
		return "", false
	}
}
