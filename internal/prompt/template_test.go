package prompt

import (
	"errors"
	"reflect"
	"testing"
	"testing/fstest"

	"github.com/MrWong99/banter/pkg/provider/llm"
)

const sampleDoc = `## role:system
You are {{bot_name}}.

## role:user
History:
{{history}}

Message: {{message}}
`

func TestParse_Sections(t *testing.T) {
	tpl, err := Parse("sample", sampleDoc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(tpl.Sections) != 2 {
		t.Fatalf("got %d sections, want 2", len(tpl.Sections))
	}
	if tpl.Sections[0].Role != llm.RoleSystem || tpl.Sections[1].Role != llm.RoleUser {
		t.Fatalf("roles = %q, %q", tpl.Sections[0].Role, tpl.Sections[1].Role)
	}
}

func TestParse_Rejections(t *testing.T) {
	if _, err := Parse("bad", "preamble text\n## role:system\nhi"); !errors.Is(err, ErrBadTemplate) {
		t.Errorf("preamble: err = %v, want ErrBadTemplate", err)
	}
	if _, err := Parse("bad", "## role:narrator\nhi"); !errors.Is(err, ErrBadTemplate) {
		t.Errorf("bad role: err = %v, want ErrBadTemplate", err)
	}
	if _, err := Parse("bad", ""); !errors.Is(err, ErrBadTemplate) {
		t.Errorf("empty: err = %v, want ErrBadTemplate", err)
	}
}

func TestRender_Deterministic(t *testing.T) {
	tpl, err := Parse("sample", sampleDoc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	bindings := map[string]string{
		"bot_name": "jippy",
		"history":  "0. alice: hi",
		"message":  "@jippy hello",
	}

	first, err := tpl.Render(bindings)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	second, err := tpl.Render(bindings)
	if err != nil {
		t.Fatalf("Render (second): %v", err)
	}

	if len(first) != 2 {
		t.Fatalf("got %d messages, want 2", len(first))
	}
	if first[0].Content != "You are jippy." {
		t.Errorf("system content = %q", first[0].Content)
	}
	for i := range first {
		if !reflect.DeepEqual(first[i], second[i]) {
			t.Fatalf("render is not deterministic at message %d", i)
		}
	}
}

func TestRender_MissingVariable(t *testing.T) {
	tpl, _ := Parse("sample", sampleDoc)

	_, err := tpl.Render(map[string]string{"bot_name": "jippy", "history": "x"})
	if !errors.Is(err, ErrMissingVariable) {
		t.Fatalf("err = %v, want ErrMissingVariable", err)
	}

	var te *TemplateError
	if !errors.As(err, &te) || te.Variable != "message" {
		t.Fatalf("TemplateError.Variable = %v", err)
	}
}

func TestRender_UnusedVariable(t *testing.T) {
	tpl, _ := Parse("sample", sampleDoc)

	_, err := tpl.Render(map[string]string{
		"bot_name": "jippy", "history": "x", "message": "y", "msg": "typo",
	})
	if !errors.Is(err, ErrUnusedVariable) {
		t.Fatalf("err = %v, want ErrUnusedVariable", err)
	}
}

func TestRender_ValuesAreLiteral(t *testing.T) {
	tpl, err := Parse("inject", "## role:user\nsay {{payload}}")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	msgs, err := tpl.Render(map[string]string{"payload": "{{bot_name}} and {{secret}}"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if msgs[0].Content != "say {{bot_name}} and {{secret}}" {
		t.Fatalf("inserted value was re-substituted: %q", msgs[0].Content)
	}
}

func TestRender_UnterminatedPlaceholder(t *testing.T) {
	tpl, err := Parse("broken", "## role:user\nsay {{oops")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := tpl.Render(map[string]string{}); !errors.Is(err, ErrBadTemplate) {
		t.Fatalf("err = %v, want ErrBadTemplate", err)
	}
}

func TestStore_Defaults(t *testing.T) {
	s, err := NewStore()
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	for _, id := range []string{"analyze_message", "decide_action", "respond"} {
		tpl, err := s.Get(id)
		if err != nil {
			t.Fatalf("Get(%q): %v", id, err)
		}
		if len(tpl.Sections) < 2 {
			t.Errorf("template %q has %d sections, want system + user", id, len(tpl.Sections))
		}
	}

	if _, err := s.Get("nope"); err == nil {
		t.Fatal("expected error for unknown template id")
	}
}

func TestStore_LoadDirOverridesDefaults(t *testing.T) {
	s, err := NewStore()
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	override := fstest.MapFS{
		"respond.md": {Data: []byte("## role:system\ncustom {{bot_name}}\n")},
		"extra.md":   {Data: []byte("## role:user\nhello\n")},
		"notes.txt":  {Data: []byte("ignored")},
	}
	if err := s.LoadDir(override); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	tpl, err := s.Get("respond")
	if err != nil {
		t.Fatalf("Get(respond): %v", err)
	}
	if len(tpl.Sections) != 1 || tpl.Sections[0].Body != "custom {{bot_name}}" {
		t.Fatalf("override not applied: %+v", tpl.Sections)
	}
	if _, err := s.Get("extra"); err != nil {
		t.Fatalf("new template not loaded: %v", err)
	}
	if _, err := s.Get("notes"); err == nil {
		t.Fatal("non-markdown file should be ignored")
	}
}

func TestTemplate_Variables(t *testing.T) {
	tpl, _ := Parse("sample", sampleDoc)
	vars, err := tpl.Variables()
	if err != nil {
		t.Fatalf("Variables: %v", err)
	}
	for _, want := range []string{"bot_name", "history", "message"} {
		if !vars[want] {
			t.Errorf("missing variable %q", want)
		}
	}
	if len(vars) != 3 {
		t.Errorf("got %d variables, want 3", len(vars))
	}
}
