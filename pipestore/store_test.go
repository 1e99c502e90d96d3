package pipestore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPipeCompositionScenarioS4(t *testing.T) {
	s := New()
	s.Put("gen", "exact data")

	in, ok := s.Stdin([]string{"gen"})
	assert.True(t, ok)
	assert.Equal(t, "exact data", in)

	s.Put("passthrough", in)
	in2, ok := s.Stdin([]string{"passthrough"})
	assert.True(t, ok)
	assert.Equal(t, "exact data", in2)
}

func TestPipeConcatenationOrder(t *testing.T) {
	s := New()
	s.Put("a", "one")
	s.Put("b", "two")

	in, ok := s.Stdin([]string{"a", "b"})
	assert.True(t, ok)
	assert.Equal(t, "onetwo", in)
}

func TestMissingSourceContributesEmpty(t *testing.T) {
	s := New()
	s.Put("a", "x")
	in, ok := s.Stdin([]string{"a", "missing"})
	assert.True(t, ok)
	assert.Equal(t, "x", in)
}

func TestEmptyStdinClosed(t *testing.T) {
	s := New()
	_, ok := s.Stdin(nil)
	assert.False(t, ok)

	s.Put("a", "")
	_, ok = s.Stdin([]string{"a"})
	assert.False(t, ok)
}

func TestConcurrentReadWrite(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s.Put("t", "v")
		}(i)
		go func() {
			defer wg.Done()
			s.Get("t")
		}()
	}
	wg.Wait()
}
