package segment

import (
	"strings"
	"testing"
	"unicode"

	"pgregory.net/rapid"
)

func han(n int) string {
	return strings.Repeat("文", n)
}

// sentenceOf builds a sentence of n units closed by a full stop.
func sentenceOf(n int) string {
	return han(n) + "。"
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func TestCountUnitsIgnoresASCIIAndPunctuation(t *testing.T) {
	got := CountUnits("abc 中文，测试。123!?")
	if got != 4 {
		t.Fatalf("expected 4 units, got %d", got)
	}
}

func TestSplitDropsEmptyParagraphs(t *testing.T) {
	got := Split("第一段。\n\n  \n第二段。\r\n", 500)
	if len(got) != 2 {
		t.Fatalf("expected 2 segments, got %d: %q", len(got), got)
	}
	if got[0] != "第一段。" || got[1] != "第二段。" {
		t.Fatalf("unexpected segments %q", got)
	}
}

func TestSplitKeepsParagraphAtLimitWhole(t *testing.T) {
	para := strings.Repeat(sentenceOf(50), 10)
	got := Split(para, 500)
	if len(got) != 1 || got[0] != para {
		t.Fatalf("expected paragraph of exactly 500 units to stay whole, got %d segments", len(got))
	}
}

func TestSplitMixedParagraphSizes(t *testing.T) {
	para1 := strings.Repeat(sentenceOf(40), 13) // 520 units
	para2 := strings.Repeat(sentenceOf(50), 2)  // 100 units
	para3 := strings.Repeat(sentenceOf(60), 10) // 600 units
	text := para1 + "\n" + para2 + "\n" + para3

	got := Split(text, 500)

	var p1, p3 []string
	foundPara2 := false
	for _, s := range got {
		switch {
		case s == para2:
			foundPara2 = true
		case !foundPara2:
			p1 = append(p1, s)
		default:
			p3 = append(p3, s)
		}
	}
	if !foundPara2 {
		t.Fatalf("second paragraph not emitted verbatim: %q", got)
	}
	if len(p1) < 2 || len(p3) < 2 {
		t.Fatalf("expected long paragraphs to split, got %d and %d segments", len(p1), len(p3))
	}
	for _, s := range append(p1, p3...) {
		if n := CountUnits(s); n > 500 {
			t.Fatalf("segment over limit: %d units", n)
		}
	}
	if strings.Join(p1, "") != para1 || strings.Join(p3, "") != para3 {
		t.Fatalf("split paragraphs do not reassemble")
	}
}

func TestSplitKeepsOversizedSentence(t *testing.T) {
	long := sentenceOf(80)
	text := sentenceOf(10) + long + sentenceOf(10)
	got := Split(text, 50)
	if len(got) != 3 {
		t.Fatalf("expected 3 segments, got %d: %q", len(got), got)
	}
	if got[1] != long {
		t.Fatalf("oversized sentence was cut: %q", got[1])
	}
}

func TestSentencesReattachTerminators(t *testing.T) {
	got := sentences("你好！！真的吗?是的；好. 尾巴")
	want := []string{"你好！！", "真的吗?", "是的；", "好.", " 尾巴"}
	if len(got) != len(want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sentence %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestSplitDocumentRejectsBlankInput(t *testing.T) {
	if _, err := SplitDocument(" \n\t\n", 500); err != ErrNoSegments {
		t.Fatalf("expected ErrNoSegments, got %v", err)
	}
}

func documentGen() *rapid.Generator[string] {
	alphabet := []rune("文字段落中国人。！？；.!?;abc ,，\n")
	return rapid.Custom(func(t *rapid.T) string {
		runes := rapid.SliceOfN(rapid.SampledFrom(alphabet), 0, 400).Draw(t, "runes")
		return string(runes)
	})
}

func TestSplitPreservesContent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := documentGen().Draw(t, "text")
		maxUnits := rapid.IntRange(1, 40).Draw(t, "max_units")

		got := Split(text, maxUnits)
		if stripSpace(strings.Join(got, "")) != stripSpace(text) {
			t.Fatalf("content changed:\n in=%q\nout=%q", text, got)
		}
		for _, s := range got {
			if strings.TrimSpace(s) == "" {
				t.Fatalf("empty segment in %q", got)
			}
			if CountUnits(s) > maxUnits && len(sentences(s)) != 1 {
				t.Fatalf("segment %q over %d units and splittable", s, maxUnits)
			}
		}
	})
}

func TestSplitIsDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := documentGen().Draw(t, "text")
		maxUnits := rapid.IntRange(1, 40).Draw(t, "max_units")
		a := Split(text, maxUnits)
		b := Split(text, maxUnits)
		if strings.Join(a, "\x00") != strings.Join(b, "\x00") {
			t.Fatalf("split not deterministic for %q", text)
		}
	})
}
