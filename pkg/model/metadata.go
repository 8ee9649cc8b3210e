package model

import "sort"

// Reserved vocabulary entries. Their indices are fixed so that serialized
// models stay compatible with previously preprocessed data.
const (
	PadToken     = "_PAD_"
	UnknownToken = "_OOV_"
	BeginToken   = "_BOS_"
	EndToken     = "_EOS_"

	PadIndex     = 0
	UnknownIndex = 1
	BeginIndex   = 2
	EndIndex     = 3

	NumReservedWords = 4
)

// NameMap implements a bidirectional mapping between a name and an index
type NameMap struct {
	NameToIndex map[string]int
	IndexToName map[int]string
}

func NewNameMap() NameMap {
	return NameMap{
		NameToIndex: map[string]int{},
		IndexToName: map[int]string{},
	}
}

func (f NameMap) Set(name string, index int) {
	f.NameToIndex[name] = index
	f.IndexToName[index] = name
}

func (f NameMap) Size() int {
	return len(f.IndexToName)
}

func (f NameMap) ContainsName(name string) (int, bool) {
	index, ok := f.NameToIndex[name]
	return index, ok
}

// ValueFor returns the index of name, assigning the next free index when
// the name has not been seen before.
func (f NameMap) ValueFor(name string) int {
	index, ok := f.NameToIndex[name]
	if !ok {
		index = f.Size()
		f.Set(name, index)
	}
	return index
}

// Vocabulary maps words onto rows of the embedding table. Index 0..3 are
// the reserved padding, out-of-vocabulary, begin and end entries.
type Vocabulary struct {
	Words NameMap
}

func NewVocabulary() *Vocabulary {
	v := &Vocabulary{Words: NewNameMap()}
	v.Words.Set(PadToken, PadIndex)
	v.Words.Set(UnknownToken, UnknownIndex)
	v.Words.Set(BeginToken, BeginIndex)
	v.Words.Set(EndToken, EndIndex)
	return v
}

// BuildVocabulary assigns indices to the most frequent words first,
// starting right after the reserved entries. Words tied on frequency are
// ordered lexicographically so that builds are reproducible. A maxWords
// value greater than zero caps the number of non-reserved entries.
func BuildVocabulary(counts map[string]int, maxWords int) *Vocabulary {
	words := make([]string, 0, len(counts))
	for word := range counts {
		words = append(words, word)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})

	if maxWords > 0 && maxWords < len(words) {
		words = words[:maxWords]
	}

	v := NewVocabulary()
	for _, word := range words {
		v.Words.ValueFor(word)
	}
	return v
}

func (v *Vocabulary) Size() int {
	return v.Words.Size()
}

// Index returns the index for word, or the out-of-vocabulary index when
// the word is unknown.
func (v *Vocabulary) Index(word string) int {
	index, ok := v.Words.ContainsName(word)
	if !ok {
		return UnknownIndex
	}
	return index
}

// Indices transforms a token sequence into vocabulary indices, wrapped
// with the begin and end of sentence entries.
func (v *Vocabulary) Indices(tokens []string) []int {
	indices := make([]int, 0, len(tokens)+2)
	indices = append(indices, BeginIndex)
	for _, token := range tokens {
		indices = append(indices, v.Index(token))
	}
	indices = append(indices, EndIndex)
	return indices
}

// Metadata carries everything needed to map raw sentence pairs onto the
// network's input and output spaces. It is saved together with the model.
type Metadata struct {
	Vocab *Vocabulary

	// Labels contains a mapping of label names to class indexes, grown in
	// discovery order over the training data unless fixed up front.
	Labels NameMap

	// EmbeddingSize is the dimension of the pretrained word vectors, or 0
	// when no pretrained vectors were supplied.
	EmbeddingSize int

	// Granularity is the tokenization level ("words" or "chars") the
	// vocabulary was built on.
	Granularity string

	// Lowercase records whether input text was lowercased during
	// preprocessing.
	Lowercase bool
}

func NewMetadata() *Metadata {
	return &Metadata{
		Vocab:  NewVocabulary(),
		Labels: NewNameMap(),
	}
}

func (d *Metadata) NumClasses() int {
	return d.Labels.Size()
}

// ParseOrAddLabel returns the class index for a label, growing the label
// map when the label has not been seen before.
func (d *Metadata) ParseOrAddLabel(value string) int {
	return d.Labels.ValueFor(value)
}

// ParseLabel returns the class index for a label known to the label map.
func (d *Metadata) ParseLabel(value string) (int, bool) {
	return d.Labels.ContainsName(value)
}
