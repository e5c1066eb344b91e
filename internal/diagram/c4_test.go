package diagram

import (
	"strings"
	"testing"

	"github.com/codecanvas/codecanvas/internal/apperr"
)

func TestC4Shape(t *testing.T) {
	tests := []struct {
		keyword string
		want    string
	}{
		{"Person", "person"},
		{"Person_Ext", "person"},
		{"System", "rectangle"},
		{"System_Ext", "rectangle"},
		{"SystemDb", "cylinder"},
		{"SystemDb_Ext", "cylinder"},
		{"ContainerDb", "cylinder"},
		{"SystemQueue", "queue"},
		{"ContainerQueue_Ext", "queue"},
		{"Container", "rectangle"},
		{"Component", "rectangle"},
	}
	for _, tt := range tests {
		t.Run(tt.keyword, func(t *testing.T) {
			if got := c4Shape(tt.keyword); got != tt.want {
				t.Errorf("c4Shape(%s) = %q, want %q", tt.keyword, got, tt.want)
			}
		})
	}
}

func TestConvertC4ToD2Entities(t *testing.T) {
	src := `Person(user, "Customer")
SystemDb(db, "Orders DB", "stores orders", "PostgreSQL")
Rel(user, db, "reads", "SQL")`

	out, err := ConvertC4ToD2(src)
	if err != nil {
		t.Fatalf("ConvertC4ToD2: %v", err)
	}

	for _, want := range []string{
		`user: "Customer" {`,
		"shape: person",
		"shape: cylinder",
		"[PostgreSQL]",
		`user -> db: "reads\n[SQL]"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConvertC4ToD2BoundaryScoping(t *testing.T) {
	src := `System_Boundary(api, "API") {
  Container(svc, "Service")
}
Person(user, "User")
Rel(user, svc, "calls")`

	out, err := ConvertC4ToD2(src)
	if err != nil {
		t.Fatalf("ConvertC4ToD2: %v", err)
	}

	if !strings.Contains(out, "api: {") {
		t.Errorf("boundary container missing:\n%s", out)
	}
	// The endpoint declared inside the boundary is scoped; the outside one is not.
	if !strings.Contains(out, `user -> api.svc: "calls"`) {
		t.Errorf("relationship not scoped to boundary:\n%s", out)
	}
}

func TestConvertC4ToD2ContainerFixedAtDeclaration(t *testing.T) {
	// svc is declared inside the boundary; a relationship written after the
	// boundary closed still addresses it by its declaration scope.
	src := `Container_Boundary(b, "Backend") {
  Container(svc, "Service")
}
Rel(svc, svc, "self")`

	out, err := ConvertC4ToD2(src)
	if err != nil {
		t.Fatalf("ConvertC4ToD2: %v", err)
	}
	if !strings.Contains(out, `b.svc -> b.svc: "self"`) {
		t.Errorf("entity scope not fixed at declaration:\n%s", out)
	}
}

func TestConvertC4ToD2RelVariants(t *testing.T) {
	src := `System(a, "A")
System(b, "B")
BiRel(a, b, "sync")
Rel_Back(a, b, "reply")`

	out, err := ConvertC4ToD2(src)
	if err != nil {
		t.Fatalf("ConvertC4ToD2: %v", err)
	}
	if !strings.Contains(out, `a <-> b: "sync"`) {
		t.Errorf("BiRel not rendered bidirectional:\n%s", out)
	}
	if !strings.Contains(out, `b -> a: "reply"`) {
		t.Errorf("Rel_Back endpoints not swapped:\n%s", out)
	}
}

func TestConvertC4ToD2SkipsDirectivesAndComments(t *testing.T) {
	src := `@startuml
!include C4_Context.puml
title Order system
' a comment
Person(u, "User")
@enduml`

	out, err := ConvertC4ToD2(src)
	if err != nil {
		t.Fatalf("ConvertC4ToD2: %v", err)
	}
	if !strings.Contains(out, `u: "User"`) {
		t.Errorf("entity lost:\n%s", out)
	}
}

func TestConvertC4ToD2Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{name: "unmatched closing brace", src: "}"},
		{name: "unclosed boundary", src: `System_Boundary(b, "B") {`},
		{name: "entity missing label", src: "Person(u)"},
		{name: "rel missing label", src: "System(a, \"A\")\nRel(a, a)"},
		{name: "unknown statement", src: "Widget(a, \"A\")"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ConvertC4ToD2(tt.src)
			if apperr.KindOf(err) != apperr.Validation {
				t.Errorf("ConvertC4ToD2(%q) error kind = %v, want validation", tt.src, apperr.KindOf(err))
			}
		})
	}
}

func TestSplitC4Args(t *testing.T) {
	got := splitC4Args(`id, "label, with comma", desc, "Go, 1.25"`)
	want := []string{"id", "label, with comma", "desc", "Go, 1.25"}
	if len(got) != len(want) {
		t.Fatalf("splitC4Args = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
