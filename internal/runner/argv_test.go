package runner

import (
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dockerflow/gateway/internal/model"
)

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"echo hi", []string{"echo", "hi"}},
		{"  ls   -la\t/tmp ", []string{"ls", "-la", "/tmp"}},
		{`echo "hello world"`, []string{"echo", "hello world"}},
		{`echo 'a "b" c'`, []string{"echo", `a "b" c`}},
		{`echo "it's"`, []string{"echo", "it's"}},
		{`echo a\ b`, []string{"echo", "a b"}},
		{`echo "x\"y"`, []string{"echo", `x"y`}},
		{`echo "a\\b"`, []string{"echo", `a\b`}},
		{`echo a # trailing comment`, []string{"echo", "a"}},
		{`echo ''`, []string{"echo", ""}},
		{`echo $HOME`, []string{"echo", "$HOME"}},
		{`sh -c "echo one; echo two"`, []string{"sh", "-c", "echo one; echo two"}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := SplitCommand(tt.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitCommand(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSplitCommandErrors(t *testing.T) {
	for _, in := range []string{"", "   ", `echo "open`, `echo 'open`, `echo trailing\`} {
		_, err := SplitCommand(in)
		if model.KindOf(err) != model.KindInvalidCommand {
			t.Errorf("SplitCommand(%q): expected InvalidCommand, got %v", in, err)
		}
	}
}

// Single-quoting every word and joining with spaces round-trips.
func TestSplitCommandQuotingProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	quote := func(s string) string {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}

	properties.Property("quoted words split back to the same argv", prop.ForAll(
		func(words []string) bool {
			if len(words) == 0 {
				return true
			}
			quoted := make([]string, len(words))
			for i, w := range words {
				quoted[i] = quote(w)
			}
			got, err := SplitCommand(strings.Join(quoted, " "))
			return err == nil && reflect.DeepEqual(got, words)
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
