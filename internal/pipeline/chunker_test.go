package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentenceChunker_StreamedFragments(t *testing.T) {
	c := NewSentenceChunker(".!?")

	assert.Empty(t, c.Add("Hello"))
	assert.Equal(t, []string{"Hello world."}, c.Add(" world. How"))
	assert.Equal(t, []string{"How are you?", "Great!"}, c.Add(" are you? Great! Then"))
	assert.Equal(t, "Then", c.Flush())
	assert.Empty(t, c.Flush())
}

func TestSentenceChunker_DecimalSplitAcrossFragments(t *testing.T) {
	c := NewSentenceChunker(".!?")

	assert.Empty(t, c.Add("Pi is 3."))
	assert.Equal(t, []string{"Pi is 3.14 roughly."}, c.Add("14 roughly. "))
}

func TestSentenceChunker_Abbreviations(t *testing.T) {
	c := NewSentenceChunker(".!?")

	assert.Equal(t, []string{"Dr. Smith and J. Doe arrived."}, c.Add("Dr. Smith and J. Doe arrived. "))
	assert.Equal(t, []string{"Bring fruit, e.g. apples."}, c.Add("Bring fruit, e.g. apples. "))
}

func TestSentenceChunker_ConfigurableTerminators(t *testing.T) {
	c := NewSentenceChunker("。！？")

	assert.Equal(t, []string{"你好。", "今天天气很好！"}, c.Add("你好。今天天气很好！明天"))
	assert.Equal(t, "明天", c.Flush())

	// ASCII punctuation is not a boundary unless configured
	c = NewSentenceChunker("!")
	assert.Equal(t, []string{"One. Two!"}, c.Add("One. Two! "))
}
