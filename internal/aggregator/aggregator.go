// Package aggregator re-segments a raw token stream into semantically
// meaningful blocks: paragraphs terminated by a blank line and fenced
// code blocks kept whole. Downstream persistence and the edge treat these
// blocks as assistant message paragraphs for incremental delivery and
// TTS boundaries.
//
// The segmentation is lossless: concatenating the emitted blocks yields
// exactly the concatenation of the input chunks.
package aggregator

import (
	"context"
	"log/slog"
	"strings"
)

const (
	// scanWindow bounds how far into the buffer we look for a paragraph
	// terminator or an opening fence while outside a code block.
	scanWindow = 8 * 1024

	// maxBuffer is the force-flush threshold. Past it the segmenter gives
	// up on finding a natural boundary and flushes at the last newline.
	maxBuffer = 32 * 1024

	fence = "```"
)

// state is the segmenter mode: outside or inside a fenced code block.
type state int

const (
	stateOutside state = iota
	stateInCode
)

// Segmenter is the streaming state machine. It holds a single buffer and
// the in-code flag; Push feeds it input and returns any completed blocks,
// Flush drains whatever remains at end of stream.
type Segmenter struct {
	buf    strings.Builder
	state  state
	logger *slog.Logger
}

// NewSegmenter creates a segmenter. A nil logger falls back to the
// process default.
func NewSegmenter(logger *slog.Logger) *Segmenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Segmenter{logger: logger}
}

// Push appends chunk to the buffer and returns all blocks completed by
// it, in order.
func (s *Segmenter) Push(chunk string) []string {
	if chunk == "" {
		return nil
	}
	s.buf.WriteString(chunk)
	return s.drain(false)
}

// Flush ends the stream, returning the remaining buffer as the terminal
// block. An unterminated code block is emitted as-is with a warning.
func (s *Segmenter) Flush() []string {
	blocks := s.drain(true)
	rest := s.buf.String()
	s.buf.Reset()
	if rest != "" {
		if s.state == stateInCode {
			s.logger.Warn("stream ended inside an unterminated code block",
				"buffered_bytes", len(rest))
		}
		blocks = append(blocks, rest)
	}
	s.state = stateOutside
	return blocks
}

// drain repeatedly cuts completed blocks off the front of the buffer.
// With final set, boundary decisions no longer wait for more input.
func (s *Segmenter) drain(final bool) []string {
	var blocks []string
	for {
		block, ok := s.next(final)
		if !ok {
			return blocks
		}
		blocks = append(blocks, block)
	}
}

// next attempts to cut one block off the buffer front.
func (s *Segmenter) next(final bool) (string, bool) {
	buf := s.buf.String()
	if buf == "" {
		return "", false
	}

	if s.state == stateInCode {
		return s.nextInCode(buf, final)
	}
	return s.nextOutside(buf, final)
}

func (s *Segmenter) nextOutside(buf string, final bool) (string, bool) {
	window := buf
	if len(window) > scanWindow {
		window = window[:scanWindow]
	}

	paraIdx := strings.Index(window, "\n\n")
	fenceIdx := strings.Index(window, fence)

	// Opening fence before any paragraph break: cut the text ahead of the
	// fence as its own block, then switch to code mode.
	if fenceIdx >= 0 && (paraIdx < 0 || fenceIdx < paraIdx) {
		s.state = stateInCode
		if fenceIdx == 0 {
			// Fence is at the buffer front; nothing to cut yet.
			return s.nextInCode(buf, final)
		}
		s.cut(buf, fenceIdx)
		return buf[:fenceIdx], true
	}

	if paraIdx >= 0 {
		end := paraIdx + 2
		end, settled := extendNewlineRun(buf, end, final)
		if !settled {
			return "", false
		}
		s.cut(buf, end)
		return buf[:end], true
	}

	// No boundary found. Force a flush once the buffer is oversized.
	if len(buf) > maxBuffer {
		cutAt := strings.LastIndexByte(window, '\n')
		if cutAt < 0 {
			s.logger.Warn("forcing flush with no newline in scan window",
				"buffered_bytes", len(buf))
			cutAt = len(window) - 1
		}
		// The newline run may straddle the window boundary; extend past it
		// so the remainder never starts with a blank line.
		end := cutAt + 1
		for end < len(buf) && buf[end] == '\n' {
			end++
		}
		s.cut(buf, end)
		return buf[:end], true
	}
	return "", false
}

func (s *Segmenter) nextInCode(buf string, final bool) (string, bool) {
	// Search past the opening fence for the closing one.
	searchFrom := len(fence)
	if len(buf) < searchFrom {
		return "", false
	}
	rel := strings.Index(buf[searchFrom:], fence)
	if rel >= 0 {
		end := searchFrom + rel + len(fence)
		end, settled := extendNewlineRun(buf, end, final)
		if !settled {
			return "", false
		}
		s.state = stateOutside
		s.cut(buf, end)
		return buf[:end], true
	}

	// Unterminated and oversized: flush everything up to the last newline
	// so the consumer keeps receiving output.
	if len(buf) > maxBuffer {
		cutAt := strings.LastIndexByte(buf, '\n')
		if cutAt > 0 {
			s.logger.Warn("forcing partial flush inside oversized code block",
				"buffered_bytes", len(buf))
			s.cut(buf, cutAt+1)
			return buf[:cutAt+1], true
		}
	}
	return "", false
}

// extendNewlineRun grows end through any consecutive newlines so the
// terminator run stays with the block it closes and the next block never
// starts with a blank line. When the run touches the buffer end and more
// input may follow, the cut is deferred.
func extendNewlineRun(buf string, end int, final bool) (int, bool) {
	for end < len(buf) && buf[end] == '\n' {
		end++
	}
	if end == len(buf) && !final {
		return end, false
	}
	return end, true
}

// cut drops the first n bytes of the buffer.
func (s *Segmenter) cut(buf string, n int) {
	rest := buf[n:]
	s.buf.Reset()
	s.buf.WriteString(rest)
}

// Block is one output element of the channel driver. Err is set on the
// terminal element when the input stream failed.
type Block struct {
	Text string
	Err  error
}

// Chunk is one input element of the channel driver.
type Chunk struct {
	Text string
	Err  error
}

// Run consumes chunks from in and emits aggregated blocks until the
// input closes or delivers an error. Input errors propagate to the
// consumer after any already-complete blocks. The output channel is
// closed on return.
func Run(ctx context.Context, logger *slog.Logger, in <-chan Chunk) <-chan Block {
	out := make(chan Block)
	go func() {
		defer close(out)
		seg := NewSegmenter(logger)

		emit := func(blocks []string) bool {
			for _, b := range blocks {
				select {
				case out <- Block{Text: b}:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-in:
				if !ok {
					emit(seg.Flush())
					return
				}
				if chunk.Err != nil {
					if !emit(seg.Flush()) {
						return
					}
					select {
					case out <- Block{Err: chunk.Err}:
					case <-ctx.Done():
					}
					return
				}
				if !emit(seg.Push(chunk.Text)) {
					return
				}
			}
		}
	}()
	return out
}
