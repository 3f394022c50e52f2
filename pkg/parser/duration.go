package parser

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	unitPairPattern     = regexp.MustCompile(`(?i)(\d+)\s*([^\d\s]+)`)
	trailingNumberRegex = regexp.MustCompile(`(\d+)\s*$`)
)

// Keywords holds the unit vocabularies used to classify duration tokens.
// Units are matched by substring, hours before minutes.
type Keywords struct {
	Hours   []string
	Minutes []string
}

// DefaultKeywords covers the locales transit sites answer in: English,
// Japanese, Chinese, German, French, Italian and Korean.
func DefaultKeywords() Keywords {
	return Keywords{
		Hours: []string{
			"hr", "hour", "hours", "h",
			"時間", "小時", "小时",
			"std", "stunde", "stunden",
			"heure", "heures",
			"ora", "ore",
			"시간",
		},
		Minutes: []string{
			"min", "mins", "minute", "minutes", "m",
			"分", "分钟", "分鐘",
			"minuten",
			"minuti",
			"분",
		},
	}
}

// Merge returns k extended with the keywords in other.
func (k Keywords) Merge(other Keywords) Keywords {
	return Keywords{
		Hours:   appendUnique(k.Hours, other.Hours),
		Minutes: appendUnique(k.Minutes, other.Minutes),
	}
}

// ParseKeywordList splits a comma separated keyword list such as "std,stunde".
func ParseKeywordList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// DurationParser turns free-text durations ("1 hr 20 min", "45分") into minutes.
type DurationParser struct {
	hours   []string
	minutes []string

	// Strict drops numbers whose unit matches neither vocabulary instead of
	// counting them as minutes.
	Strict bool
}

// NewDurationParser creates a parser for the given vocabularies.
func NewDurationParser(kw Keywords) *DurationParser {
	return &DurationParser{
		hours:   lowerAll(kw.Hours),
		minutes: lowerAll(kw.Minutes),
	}
}

// NewDefaultDurationParser creates a parser using DefaultKeywords.
func NewDefaultDurationParser() *DurationParser {
	return NewDurationParser(DefaultKeywords())
}

// Parse returns the total minutes in text. ok is false when nothing could be
// parsed or the total is not positive; zero minutes is never a valid result.
func (p *DurationParser) Parse(text string) (minutes int, ok bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}

	total := 0
	matches := unitPairPattern.FindAllStringSubmatch(text, -1)
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		unit := strings.ToLower(m[2])

		switch {
		case containsAny(unit, p.hours):
			total += n * 60
		case containsAny(unit, p.minutes):
			total += n
		case !p.Strict:
			total += n
		}
	}

	if len(matches) == 0 {
		if m := trailingNumberRegex.FindStringSubmatch(text); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				total += n
			}
		}
	}

	if total <= 0 {
		return 0, false
	}
	return total, true
}

func containsAny(unit string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(unit, kw) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func appendUnique(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
