package analysis

import (
	"bufio"
	"os"
	"sort"

	"tabfuse/internal/errs"
)

// DefaultBufferLimit caps the bytes buffered for a single block.
const DefaultBufferLimit = 1 << 20

// PlannedBlock is one line range selected for sampling.
type PlannedBlock struct {
	BlockID   int
	StartLine int
	EndLine   int
}

// BlockPlanner builds sampling plans and streams block buffers within a
// memory cap.
type BlockPlanner struct {
	BlockSize   int
	MinGapLines int
	BufferLimit int
}

// NewBlockPlanner clamps the knobs to sane minimums.
func NewBlockPlanner(blockSize, minGapLines int) *BlockPlanner {
	return &BlockPlanner{
		BlockSize:   max(1, blockSize),
		MinGapLines: max(1, minGapLines),
		BufferLimit: DefaultBufferLimit,
	}
}

// Plan picks deduplicated, sorted blocks covering the file approximately
// uniformly. Sample indices bisect every gap wider than MinGapLines until
// fixpoint.
func (p *BlockPlanner) Plan(totalLines int) []PlannedBlock {
	indices := p.sampleIndices(totalLines)
	type span struct{ start, end int }
	seen := make(map[span]struct{})
	planned := make([]PlannedBlock, 0, len(indices))
	for blockID, idx := range indices {
		start, end := p.toBlock(idx, totalLines)
		key := span{start, end}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		planned = append(planned, PlannedBlock{BlockID: blockID, StartLine: start, EndLine: end})
	}
	sort.Slice(planned, func(i, j int) bool { return planned[i].StartLine < planned[j].StartLine })
	return planned
}

// BlockBuffer pairs a planned block with the lines captured for it. Lines
// past the byte cap are discarded from the buffer but still counted by the
// line cursor, so a buffer may be partial or empty.
type BlockBuffer struct {
	Block PlannedBlock
	Lines []string
}

// Stream performs a single pass over the file, routing each raw line into
// the block that covers it, and invokes yield once per planned block in
// ascending start order. A line covered by two overlapping blocks is routed
// only to the earlier one. decode converts raw bytes to a string (the caller
// supplies encoding handling).
func (p *BlockPlanner) Stream(path string, plan []PlannedBlock, decode func([]byte) (string, error), yield func(BlockBuffer) error) error {
	if len(plan) == 0 {
		return nil
	}
	handle, err := os.Open(path)
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "open %s", path)
	}
	defer handle.Close()

	cursor := 0
	current := plan[cursor]
	var buffer []string
	bufferBytes := 0

	flush := func() error {
		captured := buffer
		buffer = nil
		bufferBytes = 0
		if err := yield(BlockBuffer{Block: current, Lines: captured}); err != nil {
			return err
		}
		cursor++
		if cursor < len(plan) {
			current = plan[cursor]
		}
		return nil
	}

	scanner := bufio.NewScanner(handle)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	lineNumber := -1
	for scanner.Scan() {
		lineNumber++
		for cursor < len(plan) && lineNumber > current.EndLine {
			if err := flush(); err != nil {
				return err
			}
		}
		if cursor >= len(plan) {
			break
		}
		if current.StartLine <= lineNumber && lineNumber <= current.EndLine {
			raw := scanner.Bytes()
			if bufferBytes+len(raw) <= p.BufferLimit {
				line, decErr := decode(raw)
				if decErr != nil {
					return decErr
				}
				buffer = append(buffer, line)
				bufferBytes += len(raw)
			}
		}
		if cursor < len(plan) && lineNumber == current.EndLine {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return errs.Wrap(errs.KindIO, err, "scan %s", path)
	}
	// Blocks past EOF yield their (possibly empty) partial buffers.
	for cursor < len(plan) {
		if err := flush(); err != nil {
			return err
		}
	}
	return nil
}

func (p *BlockPlanner) sampleIndices(totalLines int) []int {
	if totalLines <= 0 {
		return nil
	}
	gap := p.MinGapLines
	samples := map[int]struct{}{0: {}, totalLines - 1: {}}
	for changed := true; changed; {
		changed = false
		ordered := sortedKeys(samples)
		for i := 0; i+1 < len(ordered); i++ {
			left, right := ordered[i], ordered[i+1]
			if right-left > gap {
				mid := left + (right-left)/2
				if _, ok := samples[mid]; !ok {
					samples[mid] = struct{}{}
					changed = true
				}
			}
		}
	}
	return sortedKeys(samples)
}

func (p *BlockPlanner) toBlock(lineIndex, totalLines int) (int, int) {
	half := p.BlockSize / 2
	if totalLines < 1 {
		totalLines = 1
	}
	start := max(0, lineIndex-half)
	end := min(totalLines-1, start+p.BlockSize-1)
	start = max(0, end-p.BlockSize+1)
	return start, end
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
