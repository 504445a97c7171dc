package task

import (
	"slices"
	"testing"
)

func TestRegistry_ClaimAndRelease(t *testing.T) {
	var released []string
	r := NewRegistry(func(taskID string) { released = append(released, taskID) })

	r.Claim("var1", "t1")
	if !r.Has("var1") {
		t.Fatal("var1 must own a task after Claim")
	}
	if r.Refs("t1") != 1 {
		t.Errorf("Refs(t1) = %d, want 1", r.Refs("t1"))
	}

	orphaned := r.Release("var1")
	if !slices.Contains(orphaned, "t1") {
		t.Errorf("orphaned = %v, want [t1]", orphaned)
	}
	if !slices.Contains(released, "t1") {
		t.Errorf("release callback not invoked for t1")
	}
	if r.Has("var1") {
		t.Error("var1 must own nothing after Release")
	}
}

func TestRegistry_SharedTaskSurvivesFirstRelease(t *testing.T) {
	var released []string
	r := NewRegistry(func(taskID string) { released = append(released, taskID) })

	// Two variables await the same backend task.
	r.Claim("var1", "shared")
	r.Claim("var2", "shared")
	if r.Refs("shared") != 2 {
		t.Fatalf("Refs(shared) = %d, want 2", r.Refs("shared"))
	}

	if orphaned := r.Release("var1"); orphaned != nil {
		t.Errorf("first release orphaned %v, want none", orphaned)
	}
	if len(released) != 0 {
		t.Errorf("release callback fired early: %v", released)
	}

	orphaned := r.Release("var2")
	if !slices.Contains(orphaned, "shared") {
		t.Errorf("second release orphaned %v, want [shared]", orphaned)
	}
	if !slices.Contains(released, "shared") {
		t.Error("release callback must fire once both variables released")
	}
}

func TestRegistry_DoubleClaimIsNoop(t *testing.T) {
	r := NewRegistry(nil)
	r.Claim("var1", "t1")
	r.Claim("var1", "t1")
	if r.Refs("t1") != 1 {
		t.Errorf("Refs(t1) = %d, want 1 after duplicate claim", r.Refs("t1"))
	}
}

func TestRegistry_ReleaseUnknownVariable(t *testing.T) {
	r := NewRegistry(nil)
	if orphaned := r.Release("ghost"); orphaned != nil {
		t.Errorf("Release(ghost) = %v, want nil", orphaned)
	}
}

func TestRegistry_VariableWithMultipleTasks(t *testing.T) {
	r := NewRegistry(nil)
	r.Claim("var1", "t1")
	r.Claim("var1", "t2")

	tasks := r.Tasks("var1")
	slices.Sort(tasks)
	if !slices.Equal(tasks, []string{"t1", "t2"}) {
		t.Errorf("Tasks = %v, want [t1 t2]", tasks)
	}

	orphaned := r.Release("var1")
	slices.Sort(orphaned)
	if !slices.Equal(orphaned, []string{"t1", "t2"}) {
		t.Errorf("orphaned = %v, want [t1 t2]", orphaned)
	}
}
