// Package textfit shrinks product text into a destination character budget
// without destroying meaning: URLs are preserved, truncation prefers word
// and phrase boundaries, and a hard cut is the last resort.
package textfit

import (
	"html"
	"regexp"
	"strings"
)

// URLCost is the accounted length of any http(s) token. Outbound links are
// assumed to go through a shortener, so their literal length does not count.
const URLCost = 25

var (
	urlRE = regexp.MustCompile(`https?://[^\s]+`)
	// Phrase shape used by warning products: "<subject> for <area> till <time>".
	phraseRE = regexp.MustCompile(`^(.*) for (.*)( till [0-9A-Z].*)$`)
)

// Normalize decodes HTML entities and collapses whitespace runs into single
// spaces.
func Normalize(text string) string {
	return strings.Join(strings.Fields(html.UnescapeString(text)), " ")
}

// AccountedLen returns the budget-accounted length of text: URL tokens cost
// URLCost units, every other word costs its length plus one separating space.
func AccountedLen(text string) int {
	chars := 0
	for _, word := range strings.Fields(text) {
		if strings.HasPrefix(word, "http") {
			chars += URLCost
		} else {
			chars += len(word) + 1
		}
	}
	return chars
}

// Fit returns text adapted to the given budget.
//
// The steps, in order:
//  1. Normalize (entities, whitespace).
//  2. Short text without URLs passes through unchanged.
//  3. Text whose accounted length fits the budget passes through unchanged.
//  4. With exactly one URL, rebuild around "<A> for <B> till <C>" as A+C+URL,
//     truncating A if needed; otherwise cut the prose and append "... URL".
//  5. When the final word is a URL, drop trailing whole words before it.
//  6. Hard-truncate to the budget.
func Fit(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	text = Normalize(text)

	if len(text) < budget && !strings.Contains(text, "http") {
		return text
	}

	words := strings.Fields(text)
	chars := AccountedLen(text)
	if chars < budget {
		return text
	}

	urls := urlRE.FindAllString(text, -1)
	if len(urls) == 1 {
		prose := strings.TrimSpace(strings.Replace(text, urls[0], "", 1))
		if m := phraseRE.FindStringSubmatch(prose); m != nil {
			subject, till := m[1], m[3]
			out := subject + till + " " + urls[0]
			if len(out) > budget {
				keep := budget - URLCost - 2 - len(till)
				if keep < 0 {
					keep = 0
				}
				if keep > len(subject) {
					keep = len(subject)
				}
				out = subject[:keep] + till + " " + urls[0]
			}
			return out
		}
		if len(text) > budget {
			// URLCost for the link, four more for "... ".
			keep := budget - URLCost - 4
			if keep < 0 {
				keep = 0
			}
			if keep > len(prose) {
				keep = len(prose)
			}
			return prose[:keep] + "... " + urls[0]
		}
	}

	if chars > budget && len(words) >= 2 && strings.HasPrefix(words[len(words)-1], "http") {
		n := len(words) - 2
		for n > 0 && len(strings.Join(words[:n], " ")) > budget-4-URLCost {
			n--
		}
		return strings.Join(words[:n], " ") + "... " + words[len(words)-1]
	}

	if len(text) > budget {
		return text[:budget]
	}
	return text
}
