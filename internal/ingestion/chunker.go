package ingestion

import (
	"regexp"
	"strings"

	prose "github.com/jdkato/prose/v2"

	"github.com/raghub/backend/internal/storage/models"
	"github.com/raghub/backend/pkg/apperr"
)

// Chunking version strings are recorded in chunk metadata. Bumping one
// changes re-ingestion output without touching already committed chunk
// sets.
const (
	chunkingBasicV1      = "basic/v1"
	chunkingAdvancedV1   = "advanced/v1"
	chunkingCustomizedV1 = "customized/v1"
)

// TextChunk is chunker output before ordinals and hashes are assigned.
type TextChunk struct {
	Text string
	Meta models.ChunkMetadata
}

type Chunker struct {
	windowSize int
	overlap    int
}

func NewChunker(windowSize, overlap int) *Chunker {
	if windowSize <= 0 {
		windowSize = 1000
	}
	if overlap < 0 || overlap >= windowSize {
		overlap = windowSize / 5
	}
	return &Chunker{windowSize: windowSize, overlap: overlap}
}

// Chunk splits extracted pages according to the retrieval mode.
// Customized mode requires a profile; the caller resolves it from the
// tenant partition and falls back to basic when none is configured.
func (c *Chunker) Chunk(mode models.RetrievalMode, pages []ExtractedPage, profile *models.ChunkingProfile) ([]TextChunk, error) {
	switch mode {
	case models.ModeBasic:
		return c.chunkBasic(pages), nil
	case models.ModeAdvanced:
		return c.chunkAdvanced(pages), nil
	case models.ModeCustomized:
		if profile == nil {
			return c.chunkBasic(pages), nil
		}
		return chunkCustomized(pages, profile), nil
	}
	return nil, apperr.Newf(apperr.CodeInvalidArgument, "unknown retrieval mode %q", mode)
}

// chunkBasic slides a fixed character window over each page, breaking
// on word boundaries.
func (c *Chunker) chunkBasic(pages []ExtractedPage) []TextChunk {
	var chunks []TextChunk
	for _, page := range pages {
		for _, text := range windowWords(page.Text, c.windowSize, c.overlap) {
			chunks = append(chunks, TextChunk{
				Text: text,
				Meta: models.ChunkMetadata{
					Page:            page.Page,
					ChunkingVersion: chunkingBasicV1,
				},
			})
		}
	}
	return chunks
}

var headingRe = regexp.MustCompile(`(?m)^#{1,6} (.+)$`)

// chunkAdvanced splits pages into heading-delimited sections, then packs
// whole sentences into windows so no chunk starts or ends mid-sentence.
func (c *Chunker) chunkAdvanced(pages []ExtractedPage) []TextChunk {
	var chunks []TextChunk
	for _, page := range pages {
		for _, section := range splitSections(page.Text) {
			sentences := splitSentences(section.body)
			for _, text := range packSentences(sentences, c.windowSize, c.overlap) {
				chunks = append(chunks, TextChunk{
					Text: text,
					Meta: models.ChunkMetadata{
						Page:            page.Page,
						Section:         section.title,
						ChunkingVersion: chunkingAdvancedV1,
					},
				})
			}
		}
	}
	return chunks
}

// chunkCustomized applies the tenant's window and overlap, and runs the
// profile's metadata rules (label to regexp) against each chunk.
func chunkCustomized(pages []ExtractedPage, profile *models.ChunkingProfile) []TextChunk {
	rules := compileMetadataRules(profile.MetadataRules)

	var chunks []TextChunk
	for _, page := range pages {
		for _, text := range windowWords(page.Text, profile.WindowSize, profile.Overlap) {
			meta := models.ChunkMetadata{
				Page:            page.Page,
				ChunkingVersion: chunkingCustomizedV1,
			}
			for label, re := range rules {
				if m := re.FindString(text); m != "" {
					if meta.Extra == nil {
						meta.Extra = make(map[string]string)
					}
					meta.Extra[label] = m
				}
			}
			chunks = append(chunks, TextChunk{Text: text, Meta: meta})
		}
	}
	return chunks
}

func compileMetadataRules(rules map[string]string) map[string]*regexp.Regexp {
	compiled := make(map[string]*regexp.Regexp, len(rules))
	for label, pattern := range rules {
		re, err := regexp.Compile(pattern)
		if err != nil {
			// Bad rules are rejected when the profile is saved; an
			// invalid one slipping through is skipped, not fatal.
			continue
		}
		compiled[label] = re
	}
	return compiled
}

type section struct {
	title string
	body  string
}

// splitSections cuts text at markdown-style headings. Text before the
// first heading becomes an untitled section.
func splitSections(text string) []section {
	locs := headingRe.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return []section{{body: text}}
	}

	var sections []section
	if head := strings.TrimSpace(text[:locs[0][0]]); head != "" {
		sections = append(sections, section{body: head})
	}
	for i, loc := range locs {
		title := strings.TrimSpace(text[loc[2]:loc[3]])
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := strings.TrimSpace(text[loc[1]:end])
		if body == "" {
			continue
		}
		sections = append(sections, section{title: title, body: body})
	}
	return sections
}

func splitSentences(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return []string{text}
	}
	sents := doc.Sentences()
	out := make([]string, 0, len(sents))
	for _, s := range sents {
		if t := strings.TrimSpace(s.Text); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}

// packSentences greedily fills windows with whole sentences, carrying
// the tail sentences of each window into the next as overlap.
func packSentences(sentences []string, windowSize, overlap int) []string {
	var chunks []string
	var current []string
	currentLen := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, strings.Join(current, " "))

		var carry []string
		carryLen := 0
		for i := len(current) - 1; i >= 0; i-- {
			carryLen += len(current[i]) + 1
			if carryLen > overlap {
				break
			}
			carry = append([]string{current[i]}, carry...)
		}
		current = carry
		currentLen = carryLen
	}

	for _, s := range sentences {
		// A single sentence longer than the window falls back to word
		// splitting so it is never silently dropped.
		if len(s) > windowSize {
			flush()
			chunks = append(chunks, windowWords(s, windowSize, overlap)...)
			current = nil
			currentLen = 0
			continue
		}
		if currentLen+len(s)+1 > windowSize && len(current) > 0 {
			flush()
		}
		current = append(current, s)
		currentLen += len(s) + 1
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}

// windowWords slides a character-budget window over text, breaking on
// word boundaries and restarting each window with the overlap tail of
// the previous one.
func windowWords(text string, windowSize, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []string
	var current strings.Builder

	for _, word := range words {
		wordLen := len(word) + 1
		if current.Len()+wordLen > windowSize && current.Len() > 0 {
			chunk := strings.TrimSpace(current.String())
			chunks = append(chunks, chunk)

			tail := overlapTail(chunk, overlap)
			current.Reset()
			if tail != "" {
				current.WriteString(tail + " ")
			}
		}
		current.WriteString(word + " ")
	}
	if trimmed := strings.TrimSpace(current.String()); trimmed != "" {
		chunks = append(chunks, trimmed)
	}
	return chunks
}

func overlapTail(chunk string, overlap int) string {
	if overlap <= 0 {
		return ""
	}
	words := strings.Fields(chunk)
	tailLen := 0
	start := len(words)
	for i := len(words) - 1; i >= 0; i-- {
		tailLen += len(words[i]) + 1
		if tailLen > overlap {
			break
		}
		start = i
	}
	return strings.Join(words[start:], " ")
}
