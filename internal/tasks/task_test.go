package tasks

import (
	"errors"
	"strings"
	"testing"
)

func TestValidate_OK(t *testing.T) {
	list := []Task{
		{ID: "a", Status: StatusDone},
		{ID: "b", Status: StatusTodo, DependsOn: []string{"a"}},
		{ID: "c", Status: StatusTodo, DependsOn: []string{"a", "b"}},
	}
	if err := Validate(list); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		list []Task
		want string
	}{
		{
			name: "unknown dependency",
			list: []Task{{ID: "a", Status: StatusTodo, DependsOn: []string{"zzz"}}},
			want: `unknown dependency "zzz"`,
		},
		{
			name: "duplicate id",
			list: []Task{{ID: "a", Status: StatusTodo}, {ID: "a", Status: StatusTodo}},
			want: "duplicate task id",
		},
		{
			name: "self dependency",
			list: []Task{{ID: "a", Status: StatusTodo, DependsOn: []string{"a"}}},
			want: "depends on itself",
		},
		{
			name: "bad status",
			list: []Task{{ID: "a", Status: "doing"}},
			want: `unknown status "doing"`,
		},
		{
			name: "three node cycle",
			list: []Task{
				{ID: "a", Status: StatusTodo, DependsOn: []string{"c"}},
				{ID: "b", Status: StatusTodo, DependsOn: []string{"a"}},
				{ID: "c", Status: StatusTodo, DependsOn: []string{"b"}},
			},
			want: "dependency cycle: a -> c -> b -> a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.list)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want substring %q", err, tt.want)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("error should wrap *ValidationError")
			}
		})
	}
}

func TestParsePriority(t *testing.T) {
	for in, want := range map[string]Priority{"P0": P0, "p1": P1, " P2 ": P2, "P3": P3} {
		got, err := ParsePriority(in)
		if err != nil {
			t.Errorf("ParsePriority(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParsePriority(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParsePriority("P9"); err == nil {
		t.Error("expected error for P9")
	}
}
