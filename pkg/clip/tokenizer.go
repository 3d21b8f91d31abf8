// Package clip runs a CLIP image/text matching model through ONNX Runtime.
package clip

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

const (
	bosToken = "<|startoftext|>"
	eosToken = "<|endoftext|>"

	// ContextLength is the maximum token sequence length the text tower accepts.
	ContextLength = 77
)

// CLIP's pre-tokenization pattern: special tokens, contractions, letter runs,
// single digits, and runs of other non-space symbols.
var splitPattern = regexp.MustCompile(`<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|\p{L}+|\p{N}|[^\s\p{L}\p{N}]+`)

var whitespace = regexp.MustCompile(`\s+`)

// Tokenizer is CLIP's byte-level BPE tokenizer. It is safe for concurrent use.
type Tokenizer struct {
	vocab    map[string]int64
	ranks    map[[2]string]int
	byteEnc  [256]string
	bos, eos int64
}

// LoadTokenizer reads vocab.json and merges.txt in the Hugging Face CLIP format.
func LoadTokenizer(vocabPath, mergesPath string) (*Tokenizer, error) {
	vf, err := os.Open(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer vf.Close()

	mf, err := os.Open(mergesPath)
	if err != nil {
		return nil, fmt.Errorf("open merges: %w", err)
	}
	defer mf.Close()

	return NewTokenizer(vf, mf)
}

// NewTokenizer builds a tokenizer from a JSON vocab and a merges list.
func NewTokenizer(vocab io.Reader, merges io.Reader) (*Tokenizer, error) {
	t := &Tokenizer{
		ranks:   map[[2]string]int{},
		byteEnc: bytesToUnicode(),
	}

	if err := json.NewDecoder(vocab).Decode(&t.vocab); err != nil {
		return nil, fmt.Errorf("decode vocab: %w", err)
	}

	bos, ok := t.vocab[bosToken]
	if !ok {
		return nil, fmt.Errorf("vocab missing %s", bosToken)
	}
	eos, ok := t.vocab[eosToken]
	if !ok {
		return nil, fmt.Errorf("vocab missing %s", eosToken)
	}
	t.bos, t.eos = bos, eos

	sc := bufio.NewScanner(merges)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	rank := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}
		a, b, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("bad merge line %q", line)
		}
		t.ranks[[2]string{a, b}] = rank
		rank++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read merges: %w", err)
	}

	return t, nil
}

// PadID is the token used to pad shorter sequences in a batch.
func (t *Tokenizer) PadID() int64 { return t.eos }

// Encode returns BOS, the BPE token ids of text, and EOS, truncated to ContextLength.
func (t *Tokenizer) Encode(text string) []int64 {
	ids := []int64{t.bos}

	clean := strings.ToLower(strings.TrimSpace(whitespace.ReplaceAllString(text, " ")))
	for _, word := range splitPattern.FindAllString(clean, -1) {
		var sb strings.Builder
		for _, b := range []byte(word) {
			sb.WriteString(t.byteEnc[b])
		}
		for _, tok := range t.bpe(sb.String()) {
			if id, ok := t.vocab[tok]; ok {
				ids = append(ids, id)
			}
		}
	}

	if len(ids) > ContextLength-1 {
		ids = ids[:ContextLength-1]
	}
	return append(ids, t.eos)
}

// EncodeBatch encodes texts and pads them to the longest sequence.
// The attention mask is 1 for real tokens and 0 for padding.
func (t *Tokenizer) EncodeBatch(texts []string) (ids, mask [][]int64) {
	seqs := make([][]int64, len(texts))
	longest := 0
	for i, s := range texts {
		seqs[i] = t.Encode(s)
		longest = max(longest, len(seqs[i]))
	}

	ids = make([][]int64, len(texts))
	mask = make([][]int64, len(texts))
	for i, seq := range seqs {
		ids[i] = make([]int64, longest)
		mask[i] = make([]int64, longest)
		for j := range longest {
			if j < len(seq) {
				ids[i][j] = seq[j]
				mask[i][j] = 1
			} else {
				ids[i][j] = t.eos
			}
		}
	}
	return ids, mask
}

// bpe splits one byte-encoded word into merged subword tokens.
func (t *Tokenizer) bpe(token string) []string {
	if token == bosToken || token == eosToken {
		return []string{token}
	}

	runes := []rune(token)
	if len(runes) == 0 {
		return nil
	}
	word := make([]string, len(runes))
	for i, r := range runes {
		word[i] = string(r)
	}
	word[len(word)-1] += "</w>"

	for len(word) > 1 {
		best, bestRank := -1, int(^uint(0)>>1)
		for i := 0; i < len(word)-1; i++ {
			if r, ok := t.ranks[[2]string{word[i], word[i+1]}]; ok && r < bestRank {
				best, bestRank = i, r
			}
		}
		if best < 0 {
			break
		}

		first, second := word[best], word[best+1]
		merged := make([]string, 0, len(word)-1)
		for i := 0; i < len(word); {
			if i < len(word)-1 && word[i] == first && word[i+1] == second {
				merged = append(merged, first+second)
				i += 2
				continue
			}
			merged = append(merged, word[i])
			i++
		}
		word = merged
	}

	return word
}

// bytesToUnicode maps every byte to a printable rune so BPE never sees whitespace
// or control characters. This is the GPT-2 byte encoder CLIP inherits.
func bytesToUnicode() [256]string {
	var out [256]string
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	n := 0
	for b := 0; b < 256; b++ {
		if printable(b) {
			out[b] = string(rune(b))
			continue
		}
		out[b] = string(rune(256 + n))
		n++
	}
	return out
}
