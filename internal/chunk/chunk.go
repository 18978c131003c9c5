// Package chunk implements the recursive text chunker (§4.3 of C5's
// pipeline): splits page content into 200–2000 token chunks with 0–500
// token overlap, preferring heading boundaries before falling back to
// fixed-size word splitting. Grounded on the teacher's chunking strategies
// (apps/rag-loader/internal/processor/chunker.go's FixedSizeChunker and
// MarkdownChunker), merged into one recursive splitter since the spec does
// not distinguish chunking "strategies" the way the teacher's pipeline
// does.
package chunk

import (
	"strings"
)

// Result is one produced chunk, prior to persistence — HPath carries the
// heading breadcrumb so the caller can populate vectorstore.Chunk.
type Result struct {
	Index    int
	Content  string
	HPath    string
	WordCount int
	TokenCount int
}

// Options bounds the splitter, matching the invariants config.Validate
// already enforces on CrawlConfig's chunk settings.
type Options struct {
	MinTokens int // default 200
	MaxTokens int // default 2000
	Overlap   int // default 0, max 500
}

// wordsToTokens converts a word count to a token count. No real tokenizer
// is wired, so token counts here are word counts (one token per word),
// matching the teacher's FixedSizeChunker which also treats "tokens" as
// whitespace-split words.
func wordsToTokens(words int) int { return words }

// Split recursively splits content: first by Markdown-style headings
// (# / ## / ### lines), then any oversized section by fixed-size word
// windows with overlap, mirroring MarkdownChunker's header-then-fallback
// structure.
func Split(content string, opts Options) []Result {
	opts = normalize(opts)

	sections := splitByHeadings(content)
	if len(sections) == 0 {
		return splitFixedSize("", content, opts)
	}

	var out []Result
	index := 0
	for _, sec := range sections {
		words := strings.Fields(sec.body)
		if len(words) == 0 {
			continue
		}
		if wordsToTokens(len(words)) <= opts.MaxTokens {
			if wordsToTokens(len(words)) < opts.MinTokens && len(out) > 0 {
				// Merge small trailing sections into the previous chunk
				// rather than emitting a sub-minimum chunk, matching I2's
				// "no degenerate chunks" expectation.
				prev := &out[len(out)-1]
				prev.Content = prev.Content + "\n\n" + sec.body
				prev.WordCount = len(strings.Fields(prev.Content))
				prev.TokenCount = wordsToTokens(prev.WordCount)
				continue
			}
			out = append(out, Result{
				Index:      index,
				Content:    sec.body,
				HPath:      sec.hPath,
				WordCount:  len(words),
				TokenCount: wordsToTokens(len(words)),
			})
			index++
			continue
		}
		for _, r := range splitFixedSize(sec.hPath, sec.body, opts) {
			r.Index = index
			out = append(out, r)
			index++
		}
	}
	return out
}

func normalize(opts Options) Options {
	if opts.MinTokens <= 0 {
		opts.MinTokens = 200
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2000
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.Overlap > 500 {
		opts.Overlap = 500
	}
	if opts.Overlap >= opts.MaxTokens {
		opts.Overlap = opts.MaxTokens / 2
	}
	return opts
}

type section struct {
	hPath string
	body  string
}

// splitByHeadings breaks content at lines beginning with "#"; hPath tracks
// the nesting of headings seen so far (e.g. "Intro > Setup > Step 1").
func splitByHeadings(content string) []section {
	lines := strings.Split(content, "\n")
	var sections []section
	var path []string
	var cur strings.Builder

	flush := func() {
		body := strings.TrimSpace(cur.String())
		if body != "" {
			sections = append(sections, section{hPath: strings.Join(path, " > "), body: body})
		}
		cur.Reset()
	}

	sawHeading := false
	for _, line := range lines {
		if level, title, ok := headingLevel(line); ok {
			sawHeading = true
			flush()
			if level <= len(path) {
				path = path[:level-1]
			}
			path = append(path[:min(level-1, len(path))], title)
			continue
		}
		cur.WriteString(line)
		cur.WriteString("\n")
	}
	flush()

	if !sawHeading {
		return nil
	}
	return sections
}

func headingLevel(line string) (level int, title string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "#") {
		return 0, "", false
	}
	level = 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level >= len(trimmed) || trimmed[level] != ' ' {
		return 0, "", false
	}
	return level, strings.TrimSpace(trimmed[level:]), true
}

// splitFixedSize windows content by words, each window MaxTokens words
// with Overlap words of repeat between consecutive windows, matching the
// teacher's FixedSizeChunker stepping logic.
func splitFixedSize(hPath, content string, opts Options) []Result {
	words := strings.Fields(content)
	if len(words) == 0 {
		return nil
	}

	var out []Result
	step := opts.MaxTokens - opts.Overlap
	if step <= 0 {
		step = opts.MaxTokens
	}

	index := 0
	for i := 0; i < len(words); i += step {
		end := i + opts.MaxTokens
		if end > len(words) {
			end = len(words)
		}
		chunkWords := words[i:end]
		out = append(out, Result{
			Index:      index,
			Content:    strings.Join(chunkWords, " "),
			HPath:      hPath,
			WordCount:  len(chunkWords),
			TokenCount: wordsToTokens(len(chunkWords)),
		})
		index++
		if end == len(words) {
			break
		}
	}
	return out
}
