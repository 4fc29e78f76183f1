package boardlog

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

var fixedTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestValidateBoardID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"B1", true},
		{"board-1700000000000-a1b2c3", true},
		{"file-thermo_101-1700000000000", true},
		{"file-notes-1700000000", true},
		{"file-course-1700000000000", false},
		{"file-course-thermo-1700000000000", false},
		{"file-thermo", false},
		{"file-thermo-abc", false},
		{"file-a.b-1700000000000", false},
		{"", false},
		{"a/b", false},
		{"..", false},
		{"a..b", false},
		{strings.Repeat("x", 129), false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateBoardID(tt.id)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidBoardID)
			}
		})
	}
}

func TestGeneratedIDsValidate(t *testing.T) {
	assert.NoError(t, ValidateBoardID(GenerateBoardID()))
	assert.NoError(t, ValidateBoardID(GenerateFileBoardID("Thermo 101 / 第二章")))
	assert.NoError(t, ValidateBoardID(GenerateFileBoardID("course")))
	assert.NoError(t, ValidateBoardID(GenerateFileBoardID("")))
	assert.True(t, strings.HasPrefix(GenerateBoardID(), "board-"))
}

// Property: no accepted id starts with "file-course-", and every accepted
// "file-" id matches the current file board scheme.
func TestProperty_AcceptedIDsAreNeverCourseFiles(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		id := rapid.OneOf(
			rapid.StringMatching(`file-course-[A-Za-z0-9_-]{0,20}`),
			rapid.StringMatching(`file-[A-Za-z0-9_.-]{0,30}`),
			rapid.StringMatching(`[A-Za-z0-9_.-]{1,40}`),
		).Draw(rt, "id")

		if ValidateBoardID(id) != nil {
			return
		}
		if strings.HasPrefix(id, "file-course-") {
			rt.Fatalf("accepted course file id %q", id)
		}
		if strings.HasPrefix(id, "file-") && !fileBoardID.MatchString(id) {
			rt.Fatalf("accepted off-scheme file id %q", id)
		}
	})
}

// Property: generated file board ids always validate, whatever the name.
func TestProperty_GeneratedFileBoardIDsValidate(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		name := rapid.String().Draw(rt, "name")
		id := GenerateFileBoardID(name)
		if err := ValidateBoardID(id); err != nil {
			rt.Fatalf("GenerateFileBoardID(%q) = %q: %v", name, id, err)
		}
	})
}

// Property: the operation log never exceeds MaxOperations and keeps the
// newest entries in order.
func TestProperty_OperationLogFIFO(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 3*MaxOperations).Draw(rt, "n")
		r := newRecord("B1", fixedTime)
		for i := range n {
			r.appendOperation(Operation{Type: "op", Details: map[string]any{"i": i}})
		}
		if len(r.Operations) != min(n, MaxOperations) {
			rt.Fatalf("len = %d, want %d", len(r.Operations), min(n, MaxOperations))
		}
		for j, op := range r.Operations {
			want := n - len(r.Operations) + j
			if op.Details["i"] != want {
				rt.Fatalf("operations[%d] = %v, want %d", j, op.Details["i"], want)
			}
		}
	})
}
