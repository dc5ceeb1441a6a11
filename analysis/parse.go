package analysis

import (
	"regexp"
	"strconv"
	"strings"
)

// Section extraction is a best-effort heuristic over free-text model
// output. Header detection can misclassify prose that happens to
// contain words like "testing"; the hard guarantee is the fallback:
// when no header is recognized, the full raw text lands in all three
// sections so no content is silently dropped.

var (
	storiesHeaderRe  = regexp.MustCompile(`(?i)^\s*(?:#{1,6}\s*)?(?:\*\*)?\s*(?:\d+[.)]\s*)?user\s+stor(?:y|ies)\b`)
	testsHeaderRe    = regexp.MustCompile(`(?i)^\s*(?:#{1,6}\s*)?(?:\*\*)?\s*(?:\d+[.)]\s*)?(?:test\s*cases?\b|testing\b)`)
	criteriaHeaderRe = regexp.MustCompile(`(?i)^\s*(?:#{1,6}\s*)?(?:\*\*)?\s*(?:\d+[.)]\s*)?(?:acceptance\b|criteria\b)`)

	// listItemRe matches one numbered or bulleted item for preview counts.
	listItemRe = regexp.MustCompile(`(?m)^\s*(?:\d+[.)]|[-*+])\s+\S`)
)

// ParseSections splits a raw generation response into its structured
// sections by locating section headers case-insensitively. The second
// return value reports whether any header was recognized; when false,
// the raw text has been placed into all three sections.
func ParseSections(raw string) (Sections, bool) {
	sections := Sections{Raw: raw}

	type segment struct {
		target *string
		lines  []string
	}

	var segments []segment
	current := -1

	for _, line := range strings.Split(raw, "\n") {
		var target *string
		switch {
		case storiesHeaderRe.MatchString(line):
			target = &sections.UserStories
		case testsHeaderRe.MatchString(line):
			target = &sections.TestCases
		case criteriaHeaderRe.MatchString(line):
			target = &sections.AcceptanceCriteria
		}

		if target != nil {
			segments = append(segments, segment{target: target, lines: []string{line}})
			current = len(segments) - 1
			continue
		}
		if current >= 0 {
			segments[current].lines = append(segments[current].lines, line)
		}
	}

	if len(segments) == 0 {
		// No recognizable structure: keep everything everywhere.
		sections.UserStories = raw
		sections.TestCases = raw
		sections.AcceptanceCriteria = raw
		return sections, false
	}

	for _, seg := range segments {
		content := strings.TrimSpace(strings.Join(seg.lines, "\n"))
		if *seg.target != "" {
			*seg.target += "\n\n"
		}
		*seg.target += content
	}

	return sections, true
}

// CountPreview estimates how many stories and test cases a response
// contains by counting list items. The counts feed progress UI only
// and carry no correctness guarantee.
func CountPreview(sections Sections) Preview {
	return Preview{
		StoriesCount: len(listItemRe.FindAllString(sections.UserStories, -1)),
		TestsCount:   len(listItemRe.FindAllString(sections.TestCases, -1)),
	}
}

// ConcatenateSections merges successful batch outputs by appending each
// batch's sections under a "Batch N" heading. This is the documented
// fallback when the synthesis call fails; results are preserved rather
// than lost.
func ConcatenateSections(results []BatchResult) Sections {
	var merged Sections

	appendPart := func(dst *string, index int, part string) {
		part = strings.TrimSpace(part)
		if part == "" {
			return
		}
		if *dst != "" {
			*dst += "\n\n"
		}
		*dst += "## Batch " + strconv.Itoa(index+1) + "\n\n" + part
	}

	for _, r := range results {
		if r.Sections == nil {
			continue
		}
		appendPart(&merged.UserStories, r.Index, r.Sections.UserStories)
		appendPart(&merged.TestCases, r.Index, r.Sections.TestCases)
		appendPart(&merged.AcceptanceCriteria, r.Index, r.Sections.AcceptanceCriteria)
		appendPart(&merged.Raw, r.Index, r.Sections.Raw)
	}

	return merged
}
