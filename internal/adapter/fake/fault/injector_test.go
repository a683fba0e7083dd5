package fault

import (
	"errors"
	"testing"
)

func TestInjectorFailOnceInOrder(t *testing.T) {
	i := NewInjector()
	first, second := errors.New("first"), errors.New("second")
	i.FailOnce("Pull", first)
	i.FailOnce("Pull", second)

	if err := i.Eval("Pull"); !errors.Is(err, first) {
		t.Fatalf("Eval #1 = %v, want first", err)
	}
	if err := i.Eval("Pull"); !errors.Is(err, second) {
		t.Fatalf("Eval #2 = %v, want second", err)
	}
	if err := i.Eval("Pull"); err != nil {
		t.Fatalf("Eval #3 = %v, want nil", err)
	}
	if got := i.Hits("Pull"); got != 2 {
		t.Errorf("Hits = %d, want 2", got)
	}
}

func TestInjectorFailAlwaysUntilClear(t *testing.T) {
	i := NewInjector()
	boom := errors.New("daemon down")
	i.FailAlways("Inspect", boom)

	for n := 0; n < 3; n++ {
		if err := i.Eval("Inspect"); !errors.Is(err, boom) {
			t.Fatalf("Eval = %v, want boom", err)
		}
	}
	i.Clear("Inspect")
	if err := i.Eval("Inspect"); err != nil {
		t.Fatalf("Eval after Clear = %v", err)
	}
}

func TestInjectorFailFor(t *testing.T) {
	i := NewInjector()
	boom := errors.New("no such image")
	i.FailFor("Pull", "bad:1", boom)

	if err := i.Eval("Pull", "good:1"); err != nil {
		t.Fatalf("Eval(good) = %v", err)
	}
	if err := i.Eval("Pull", "bad:1"); !errors.Is(err, boom) {
		t.Fatalf("Eval(bad) = %v, want boom", err)
	}
}

func TestNilInjector(t *testing.T) {
	var i *Injector
	if err := i.Eval("Pull"); err != nil {
		t.Fatalf("nil Eval = %v", err)
	}
}
