package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderVars(t *testing.T) {
	out, err := Render("run {{work_item_id}} in {{mode}} mode", Vars{
		"work_item_id": "TICK-7",
		"mode":         "full",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "run TICK-7 in full mode" {
		t.Errorf("out = %q", out)
	}
}

func TestRenderMissingVar(t *testing.T) {
	_, err := Render("hello {{name}} and {{other}}", Vars{"name": "x"})
	if err == nil || !strings.Contains(err.Error(), "other") {
		t.Errorf("err = %v, want missing variable error naming 'other'", err)
	}
}

func TestRenderConditionals(t *testing.T) {
	tmpl := "start{{#if extra}} [{{extra}}]{{/if}} end"

	out, err := Render(tmpl, Vars{"extra": "ctx"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "start [ctx] end" {
		t.Errorf("out = %q", out)
	}

	out, err = Render(tmpl, Vars{"extra": ""})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "start end" {
		t.Errorf("out = %q", out)
	}
}

func TestRenderNestedConditionals(t *testing.T) {
	tmpl := "{{#if a}}A{{#if b}}B{{/if}}{{/if}}"
	out, err := Render(tmpl, Vars{"a": "1", "b": ""})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "A" {
		t.Errorf("out = %q, want A", out)
	}
}

func TestRenderDanglingClose(t *testing.T) {
	if _, err := Render("x {{/if}}", Vars{}); err == nil {
		t.Error("dangling close should error")
	}
}

func TestLoadBuiltins(t *testing.T) {
	for _, name := range []string{
		"plan.md", "explore.md", "generate.md", "review.md", "verify.md",
		"legacy.md", "ingest.md", "testplan.md", "execute.md", "heal.md",
		"defects.md", "question.md",
	} {
		tmpl, err := Load(name, "")
		if err != nil {
			t.Errorf("Load(%q): %v", name, err)
			continue
		}
		if !strings.Contains(tmpl, "# Role") {
			t.Errorf("template %q missing role header", name)
		}
	}
}

func TestLoadOverrideWins(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "plan.md"), []byte("# Role: custom"), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}

	tmpl, err := Load("plan.md", dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tmpl != "# Role: custom" {
		t.Errorf("override not used: %q", tmpl)
	}
}

func TestLoadEscapeRejected(t *testing.T) {
	if _, err := Load("../plan.md", t.TempDir()); err == nil {
		t.Error("path escape should be rejected")
	}
}
