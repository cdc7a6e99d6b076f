package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"documint/internal/models"
)

// WholeDocumentHeading labels the single chunk emitted when a document has no
// usable heading structure.
const WholeDocumentHeading = "Document Content"

const (
	defaultChunkSize    = 1000 // characters
	defaultChunkOverlap = 200  // characters
	boundaryLookback    = 150  // window for sentence/space boundary search
	idSnippetLen        = 200  // content prefix folded into the chunk id
	pagePrefixLen       = 20   // prefix used for page number lookup
)

// ChunkID derives the stable content-addressed identifier for a chunk.
// Identical inputs always re-derive the identical id.
func ChunkID(sourceFile, heading string, pageNumber int, content string) string {
	snippet := content
	if len(snippet) > idSnippetLen {
		snippet = snippet[:idSnippetLen]
	}
	base := fmt.Sprintf("%s||%s||%d||%s", sourceFile, heading, pageNumber, snippet)
	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:])
}

// HashContent digests the full chunk text; used for cache-context equality.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// HashBytes digests raw file bytes; the de-duplication key for source files.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type Chunker struct {
	chunkSize    int
	chunkOverlap int
}

func New(chunkSize, chunkOverlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if chunkOverlap < 0 {
		chunkOverlap = defaultChunkOverlap
	}
	return &Chunker{chunkSize: chunkSize, chunkOverlap: chunkOverlap}
}

// ExtractChunks turns raw per-page text plus detected headings into an
// ordered list of content-addressed chunks. Non-empty source text always
// yields at least one chunk: if no heading matches, a single whole-document
// chunk is emitted.
func (c *Chunker) ExtractChunks(sourceFile string, pages []string, headings []string) []models.Chunk {
	allText := strings.Join(pages, "\n")
	trimmed := strings.TrimSpace(allText)
	if trimmed == "" {
		return nil
	}

	if len(headings) == 0 {
		return []models.Chunk{c.wholeDocumentChunk(sourceFile, trimmed)}
	}

	var chunks []models.Chunk
	for _, section := range splitAtHeadings(allText, headings) {
		if section.heading == "" || strings.TrimSpace(section.content) == "" {
			continue
		}
		for _, sub := range c.SlidingWindow(strings.TrimSpace(section.content)) {
			page := FindPageNumber(sub, pages)
			chunks = append(chunks, models.Chunk{
				ID:         ChunkID(sourceFile, section.heading, page, sub),
				Heading:    section.heading,
				Content:    sub,
				SourceFile: sourceFile,
				PageNumber: page,
				Hash:       HashContent(sub),
			})
		}
	}

	// Headings that never matched the body must not leave a non-empty
	// document with zero chunks.
	if len(chunks) == 0 {
		return []models.Chunk{c.wholeDocumentChunk(sourceFile, trimmed)}
	}
	return chunks
}

func (c *Chunker) wholeDocumentChunk(sourceFile, content string) models.Chunk {
	return models.Chunk{
		ID:         ChunkID(sourceFile, WholeDocumentHeading, 1, content),
		Heading:    WholeDocumentHeading,
		Content:    content,
		SourceFile: sourceFile,
		PageNumber: 1,
		Hash:       HashContent(content),
	}
}

type section struct {
	heading string
	content string
}

// splitAtHeadings splits the full text at lines that consist of a known
// heading. Longer headings are matched first so a short heading never matches
// inside a longer one. Text before the first heading is dropped, mirroring
// how outline-driven extraction treats front matter.
func splitAtHeadings(text string, headings []string) []section {
	sorted := make([]string, 0, len(headings))
	for _, h := range headings {
		h = strings.TrimSpace(h)
		if h != "" {
			sorted = append(sorted, h)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	var sections []section
	var current *section
	var buf strings.Builder

	flush := func() {
		if current != nil {
			current.content = buf.String()
			sections = append(sections, *current)
		}
		buf.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		if h := matchHeadingLine(line, sorted); h != "" {
			flush()
			current = &section{heading: h}
			continue
		}
		if current != nil {
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
	flush()
	return sections
}

// matchHeadingLine returns the heading occupying the whole line, or "".
func matchHeadingLine(line string, sortedHeadings []string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return ""
	}
	for _, h := range sortedHeadings {
		if strings.HasPrefix(trimmed, h) && strings.TrimSpace(trimmed[len(h):]) == "" {
			return h
		}
	}
	return ""
}

// SlidingWindow splits text into chunks of roughly chunkSize characters with
// chunkOverlap carried between consecutive windows. The split prefers a
// sentence terminator, then whitespace, inside the trailing boundary window;
// only when neither exists does it hard-cut. The start always advances by at
// least one character so the loop terminates even when overlap is large
// relative to the window.
func (c *Chunker) SlidingWindow(text string) []string {
	if len(text) <= c.chunkSize {
		return []string{text}
	}

	var chunks []string
	start := 0
	textLen := len(text)

	for start < textLen {
		end := start + c.chunkSize
		if end >= textLen {
			if tail := strings.TrimSpace(text[start:]); tail != "" {
				chunks = append(chunks, tail)
			}
			break
		}

		searchStart := start + c.chunkSize/2
		if lb := end - boundaryLookback; lb > searchStart {
			searchStart = lb
		}

		splitPoint := -1
		for i := end; i > searchStart; i-- {
			if i < textLen && isSentenceEnd(text[i]) {
				splitPoint = i + 1
				break
			}
		}
		if splitPoint == -1 {
			for i := end; i > searchStart; i-- {
				if i < textLen && isSpace(text[i]) {
					splitPoint = i + 1
					break
				}
			}
		}
		if splitPoint == -1 {
			splitPoint = end
		}

		if piece := strings.TrimSpace(text[start:splitPoint]); piece != "" {
			chunks = append(chunks, piece)
		}

		next := splitPoint - c.chunkOverlap
		if next <= start {
			next = start + c.chunkSize/2
		}
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

func isSentenceEnd(b byte) bool {
	return b == '.' || b == '!' || b == '?' || b == '\n'
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// FindPageNumber locates a chunk's page by searching for a short prefix of
// its text inside the per-page text array. This is a best-effort heuristic:
// the first match wins and unmatched chunks default to page 1.
func FindPageNumber(content string, pages []string) int {
	prefix := content
	if len(prefix) > pagePrefixLen {
		prefix = prefix[:pagePrefixLen]
	}
	if prefix == "" {
		return 1
	}
	for i, page := range pages {
		if strings.Contains(page, prefix) {
			return i + 1
		}
	}
	return 1
}
