package buffer

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestNewRingBuffer(t *testing.T) {
	rb := NewRingBuffer(100)
	if rb.Cap() != 100 {
		t.Errorf("expected capacity 100, got %d", rb.Cap())
	}
	if rb.Len() != 0 {
		t.Errorf("expected length 0, got %d", rb.Len())
	}

	for _, c := range []int{0, -5} {
		if got := NewRingBuffer(c).Cap(); got != 1 {
			t.Errorf("capacity %d: expected 1, got %d", c, got)
		}
	}
}

func TestRingBuffer_Write(t *testing.T) {
	rb := NewRingBuffer(10)

	n, err := rb.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	rb.Write([]byte("world"))

	if rb.Len() != 10 {
		t.Errorf("expected length 10, got %d", rb.Len())
	}
	if data := rb.ReadAll(); !bytes.Equal(data, []byte("helloworld")) {
		t.Errorf("expected 'helloworld', got '%s'", data)
	}
	if rb.Truncated() {
		t.Error("buffer exactly at capacity should not report truncation")
	}
}

func TestRingBuffer_WriteOverflow(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Write([]byte("0123456789"))
	rb.Write([]byte("abc"))

	if data := rb.ReadAll(); !bytes.Equal(data, []byte("3456789abc")) {
		t.Errorf("expected '3456789abc', got '%s'", data)
	}
	if !rb.Truncated() {
		t.Error("expected truncation after overflow")
	}
	if rb.Written() != 13 {
		t.Errorf("expected 13 bytes written, got %d", rb.Written())
	}
}

func TestRingBuffer_WrapAround(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]byte("ab"))
	rb.Write([]byte("cd"))
	rb.Write([]byte("e"))
	rb.Write([]byte("fg"))

	if data := rb.ReadAll(); !bytes.Equal(data, []byte("defg")) {
		t.Errorf("expected 'defg', got '%s'", data)
	}
}

func TestRingBuffer_WriteLargerThanCapacity(t *testing.T) {
	rb := NewRingBuffer(5)

	n, _ := rb.Write([]byte("0123456789"))
	if n != 10 {
		t.Errorf("expected n=10, got %d", n)
	}
	if data := rb.ReadAll(); !bytes.Equal(data, []byte("56789")) {
		t.Errorf("expected '56789', got '%s'", data)
	}
}

func TestRingBuffer_ReadAllReturnsCopy(t *testing.T) {
	rb := NewRingBuffer(10)
	if rb.ReadAll() != nil {
		t.Error("expected nil for empty buffer")
	}

	rb.Write([]byte("test"))
	data := rb.ReadAll()
	data[0] = 'X'
	if again := rb.ReadAll(); !bytes.Equal(again, []byte("test")) {
		t.Errorf("ReadAll should return a copy, got '%s'", again)
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Write([]byte("hello"))
	rb.Clear()

	if rb.Len() != 0 || rb.ReadAll() != nil {
		t.Error("expected empty buffer after clear")
	}

	rb.Write([]byte("world"))
	if data := rb.ReadAll(); !bytes.Equal(data, []byte("world")) {
		t.Errorf("expected 'world', got '%s'", data)
	}
}

// The buffer always holds exactly the trailing Cap() bytes of everything written.
func TestRingBufferTailProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("ReadAll equals the tail of all writes", prop.ForAll(
		func(capacity int, chunks []string) bool {
			rb := NewRingBuffer(capacity)
			var all []byte
			for _, c := range chunks {
				rb.Write([]byte(c))
				all = append(all, c...)
			}

			want := all
			if len(want) > capacity {
				want = want[len(want)-capacity:]
			}
			got := rb.ReadAll()
			if len(want) == 0 {
				return got == nil
			}
			return bytes.Equal(got, want) && rb.Truncated() == (len(all) > capacity)
		},
		gen.IntRange(1, 64),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
