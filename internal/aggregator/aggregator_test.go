package aggregator

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
)

// feed pushes text in chunks of the given size and returns all blocks
// including the flush tail.
func feed(s *Segmenter, text string, chunkSize int) []string {
	var blocks []string
	for len(text) > 0 {
		n := chunkSize
		if n > len(text) {
			n = len(text)
		}
		blocks = append(blocks, s.Push(text[:n])...)
		text = text[n:]
	}
	return append(blocks, s.Flush()...)
}

func TestSegmenterParagraphs(t *testing.T) {
	input := "First paragraph.\n\nSecond paragraph,\nstill the same block.\n\nTail."
	blocks := feed(NewSegmenter(nil), input, 7)

	want := []string{
		"First paragraph.\n\n",
		"Second paragraph,\nstill the same block.\n\n",
		"Tail.",
	}
	if len(blocks) != len(want) {
		t.Fatalf("blocks = %q", blocks)
	}
	for i := range want {
		if blocks[i] != want[i] {
			t.Errorf("block %d = %q, want %q", i, blocks[i], want[i])
		}
	}
}

func TestSegmenterCodeBlockKeptWhole(t *testing.T) {
	code := "```go\nfunc main() {\n\n\tprintln(1)\n\n}\n```\n"
	input := "Look:\n\n" + code + "\nDone."
	blocks := feed(NewSegmenter(nil), input, 3)

	var codeBlock string
	for _, b := range blocks {
		if strings.Contains(b, "func main") {
			codeBlock = b
		}
	}
	// The blank lines inside the fence must not split it.
	if !strings.HasPrefix(codeBlock, "```go") || !strings.Contains(codeBlock, "}\n```") {
		t.Errorf("code block split: %q", blocks)
	}
}

func TestSegmenterTextBeforeFence(t *testing.T) {
	blocks := feed(NewSegmenter(nil), "intro ```x``` after", 1000)
	if len(blocks) < 2 || blocks[0] != "intro " {
		t.Errorf("blocks = %q", blocks)
	}
}

func TestSegmenterNewlineRunStaysWithBlock(t *testing.T) {
	blocks := feed(NewSegmenter(nil), "a\n\n\n\nb", 1)
	if len(blocks) != 2 || blocks[0] != "a\n\n\n\n" || blocks[1] != "b" {
		t.Errorf("blocks = %q", blocks)
	}
}

func TestSegmenterUnterminatedFenceFlushes(t *testing.T) {
	blocks := feed(NewSegmenter(nil), "```\nnever closed\n", 5)
	if strings.Join(blocks, "") != "```\nnever closed\n" {
		t.Errorf("blocks = %q", blocks)
	}
}

func TestSegmenterForceFlushOversized(t *testing.T) {
	// A single paragraph larger than the force-flush threshold must still
	// produce output before Flush.
	s := NewSegmenter(nil)
	line := strings.Repeat("x", 100) + "\n"
	var streamed []string
	for i := 0; i < (maxBuffer/len(line))+10; i++ {
		streamed = append(streamed, s.Push(line)...)
	}
	if len(streamed) == 0 {
		t.Fatal("no block before flush despite oversized buffer")
	}
	tail := s.Flush()
	joined := strings.Join(streamed, "") + strings.Join(tail, "")
	if len(joined) != ((maxBuffer/len(line))+10)*len(line) {
		t.Errorf("lost bytes: %d", len(joined))
	}
}

func TestSegmenterForceFlushNewlineRunAtWindowBoundary(t *testing.T) {
	// A paragraph break split by the scan window must stay with the
	// flushed block so the remainder never starts with a blank line.
	input := strings.Repeat("x", scanWindow-1) + "\n\n" +
		strings.Repeat(strings.Repeat("y", 100)+"\n", 400)
	s := NewSegmenter(nil)
	blocks := append(s.Push(input), s.Flush()...)

	if strings.Join(blocks, "") != input {
		t.Fatal("lost bytes")
	}
	want := strings.Repeat("x", scanWindow-1) + "\n\n"
	if blocks[0] != want {
		t.Errorf("block 0 ends %q, want the full newline run", blocks[0][len(blocks[0])-4:])
	}
	for i, b := range blocks {
		if strings.HasPrefix(b, "\n") {
			t.Errorf("block %d starts with a newline", i)
		}
	}
}

func TestRunPropagatesError(t *testing.T) {
	in := make(chan Chunk, 3)
	in <- Chunk{Text: "partial "}
	in <- Chunk{Err: errors.New("stream broke")}
	close(in)

	var texts []string
	var last Block
	for b := range Run(context.Background(), nil, in) {
		last = b
		if b.Err == nil {
			texts = append(texts, b.Text)
		}
	}
	if last.Err == nil {
		t.Fatal("error not propagated")
	}
	if strings.Join(texts, "") != "partial " {
		t.Errorf("texts = %q", texts)
	}
}

// FuzzSegmenter checks the segmentation invariants under arbitrary
// input and chunking: concatenated output equals input and no emitted
// block is empty.
func FuzzSegmenter(f *testing.F) {
	f.Add("plain text", uint8(3))
	f.Add("a\n\nb\n\nc", uint8(1))
	f.Add("pre ```code\n\ninside``` post", uint8(4))
	f.Add("``````", uint8(2))
	f.Add(strings.Repeat("long\n", 100), uint8(16))
	f.Add("\n\n\n\n", uint8(1))

	f.Fuzz(func(t *testing.T, input string, chunkSize uint8) {
		size := int(chunkSize)%32 + 1
		s := NewSegmenter(nil)

		rest := input
		var blocks []string
		for len(rest) > 0 {
			n := size
			if n > len(rest) {
				n = len(rest)
			}
			blocks = append(blocks, s.Push(rest[:n])...)
			rest = rest[n:]
		}
		blocks = append(blocks, s.Flush()...)

		if got := strings.Join(blocks, ""); got != input {
			t.Fatalf("lossless violated: in %q out %q", input, got)
		}
		for i, b := range blocks {
			if b == "" {
				t.Fatalf("empty block at %d: %q", i, blocks)
			}
		}
	})
}

// FuzzSegmenterChunkingInvariance feeds the same input with two chunk
// sizes; the concatenation must match regardless of how it arrived.
func FuzzSegmenterChunkingInvariance(f *testing.F) {
	f.Add("a\n\nb ```c``` d", int64(1))
	f.Fuzz(func(t *testing.T, input string, seed int64) {
		rng := rand.New(rand.NewSource(seed))
		s := NewSegmenter(nil)
		var blocks []string
		rest := input
		for len(rest) > 0 {
			n := rng.Intn(9) + 1
			if n > len(rest) {
				n = len(rest)
			}
			blocks = append(blocks, s.Push(rest[:n])...)
			rest = rest[n:]
		}
		blocks = append(blocks, s.Flush()...)
		if got := strings.Join(blocks, ""); got != input {
			t.Fatalf("random chunking lost bytes: in %q out %q", input, got)
		}
	})
}
