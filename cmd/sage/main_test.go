package main

import "testing"

func TestSplitMarkdownSections(t *testing.T) {
	content := `intro paragraph before any heading

## First Topic
first body line
second body line

## Second Topic
other body
`
	docs := splitMarkdownSections(content, "guide.md")
	if len(docs) != 3 {
		t.Fatalf("got %d sections, want 3", len(docs))
	}

	if docs[0].Category != "## guide" {
		t.Errorf("preamble category: got %q, want %q", docs[0].Category, "## guide")
	}
	if docs[0].Content != "intro paragraph before any heading" {
		t.Errorf("preamble content: got %q", docs[0].Content)
	}

	if docs[1].Category != "## First Topic" {
		t.Errorf("section category: got %q", docs[1].Category)
	}
	if docs[1].Content != "first body line\nsecond body line" {
		t.Errorf("section content: got %q", docs[1].Content)
	}
	if docs[1].SourceFile != "guide.md" {
		t.Errorf("source file: got %q", docs[1].SourceFile)
	}

	if docs[2].Category != "## Second Topic" {
		t.Errorf("last category: got %q", docs[2].Category)
	}
}

func TestSplitMarkdownSectionsEmpty(t *testing.T) {
	if docs := splitMarkdownSections("", "x.md"); docs != nil {
		t.Errorf("empty file: got %v, want nil", docs)
	}
	if docs := splitMarkdownSections("\n\n  \n", "x.md"); docs != nil {
		t.Errorf("blank file: got %v, want nil", docs)
	}
}

func TestSplitMarkdownSectionsSkipsEmptySections(t *testing.T) {
	content := "## Empty One\n\n## Full One\nbody\n"
	docs := splitMarkdownSections(content, "x.md")
	if len(docs) != 1 {
		t.Fatalf("got %d sections, want 1", len(docs))
	}
	if docs[0].Category != "## Full One" {
		t.Errorf("category: got %q", docs[0].Category)
	}
}
